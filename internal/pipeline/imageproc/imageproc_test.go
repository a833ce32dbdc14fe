package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// withOrientation splices a minimal big-endian EXIF APP1 segment carrying
// the given orientation right after the JPEG SOI marker.
func withOrientation(t *testing.T, data []byte, orientation uint16) []byte {
	t.Helper()
	require.True(t, len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8, "not a JPEG")

	app1 := []byte{
		0xFF, 0xE1, 0x00, 0x22, // APP1, length 34
		'E', 'x', 'i', 'f', 0x00, 0x00,
		'M', 'M', 0x00, 0x2A, 0x00, 0x00, 0x00, 0x08, // TIFF header, IFD0 at 8
		0x00, 0x01, // one entry
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, // orientation, SHORT, count 1
		byte(orientation >> 8), byte(orientation), 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, // no next IFD
	}

	out := make([]byte, 0, len(data)+len(app1))
	out = append(out, data[:2]...)
	out = append(out, app1...)
	out = append(out, data[2:]...)
	return out
}

func decodeResult(t *testing.T, res *Result) image.Image {
	t.Helper()
	img, format, err := image.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	return img
}

func TestProcess_DownscalesToDisplay(t *testing.T) {
	p := New(DefaultOptions())

	res, err := p.Process(encodeJPEG(t, 4000, 3000), "image/jpeg")
	require.NoError(t, err)

	assert.True(t, res.Resized)
	assert.LessOrEqual(t, res.Width, DefaultMaxWidth)
	assert.LessOrEqual(t, res.Height, DefaultMaxHeight)
	// 4:3 inside 2560x1440 is height-bound
	assert.Equal(t, DefaultMaxHeight, res.Height)
	assert.InDelta(t, 1920, res.Width, 1)

	img := decodeResult(t, res)
	assert.Equal(t, res.Width, img.Bounds().Dx())
	assert.Equal(t, res.Height, img.Bounds().Dy())
}

func TestProcess_WideImageIsWidthBound(t *testing.T) {
	p := New(DefaultOptions())

	res, err := p.Process(encodeJPEG(t, 5120, 1000), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxWidth, res.Width)
	assert.InDelta(t, 500, res.Height, 1)
}

func TestProcess_SmallImageKeepsSize(t *testing.T) {
	p := New(DefaultOptions())

	res, err := p.Process(encodeJPEG(t, 640, 480), "image/jpeg")
	require.NoError(t, err)

	assert.False(t, res.Resized)
	assert.Equal(t, 640, res.Width)
	assert.Equal(t, 480, res.Height)
}

func TestProcess_AppliesOrientation(t *testing.T) {
	p := New(DefaultOptions())
	raw := encodeJPEG(t, 60, 20)

	// 6 means "rotate 90 clockwise to view"
	res, err := p.Process(withOrientation(t, raw, 6), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, 20, res.Width)
	assert.Equal(t, 60, res.Height)

	// the re-encoded file has no EXIF, so a plain decoder sees it upright
	img := decodeResult(t, res)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 60, img.Bounds().Dy())
}

func TestProcess_NoRotationForNormalOrientation(t *testing.T) {
	p := New(DefaultOptions())

	res, err := p.Process(withOrientation(t, encodeJPEG(t, 60, 20), 1), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, 60, res.Width)
	assert.Equal(t, 20, res.Height)
}

func TestProcess_FlattensTransparency(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 32, 32)) // fully transparent
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	res, err := New(DefaultOptions()).Process(buf.Bytes(), "image/png")
	require.NoError(t, err)

	img := decodeResult(t, res)
	r, g, b, a := img.At(16, 16).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	// white background, allowing for JPEG rounding
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestProcess_PalettePNG(t *testing.T) {
	pal := color.Palette{color.RGBA{255, 0, 0, 255}, color.RGBA{0, 0, 255, 255}}
	src := image.NewPaletted(image.Rect(0, 0, 10, 10), pal)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	res, err := New(DefaultOptions()).Process(buf.Bytes(), "image/png")
	require.NoError(t, err)
	assert.Equal(t, 10, res.Width)
}

func TestProcess_DecodeFailure(t *testing.T) {
	_, err := New(DefaultOptions()).Process([]byte("definitely not an image"), "image/jpeg")
	require.ErrorIs(t, err, ErrDecode)
}

func TestProcess_TruncatedJPEG(t *testing.T) {
	data := encodeJPEG(t, 200, 200)

	_, err := New(DefaultOptions()).Process(data[:len(data)/2], "image/jpeg")
	require.ErrorIs(t, err, ErrDecode)
}

func TestProcess_HEICUnsupported(t *testing.T) {
	_, err := New(DefaultOptions()).Process([]byte("ftypheic"), "image/heic")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestProcess_PixelLimit(t *testing.T) {
	p := New(Options{MaxPixels: 100})

	_, err := p.Process(encodeJPEG(t, 20, 20), "image/jpeg")
	require.ErrorIs(t, err, ErrDecode)
}

func TestNew_Defaults(t *testing.T) {
	opts := New(Options{Quality: 500}).Options()

	assert.Equal(t, DefaultMaxWidth, opts.MaxWidth)
	assert.Equal(t, DefaultMaxHeight, opts.MaxHeight)
	assert.Equal(t, DefaultQuality, opts.Quality)
	assert.NotNil(t, opts.Background)
}
