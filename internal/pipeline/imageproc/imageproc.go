// Package imageproc normalizes uploaded images for the frame display.
//
// Every image goes through the same steps: decode, apply the EXIF
// orientation, flatten onto an opaque background, downscale to fit the
// display, re-encode as JPEG. The output never carries an orientation tag,
// so consumers always get upright pixels.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	// register decoders beyond the ones imaging pulls in
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// Display defaults for the Skylight MAX frame.
const (
	DefaultMaxWidth  = 2560
	DefaultMaxHeight = 1440
	DefaultQuality   = 85
	// DefaultMaxPixels guards against decompression bombs.
	DefaultMaxPixels = 120_000_000
)

var (
	// ErrDecode means the bytes are not a decodable image.
	ErrDecode = errors.New("image decode failed")
	// ErrUnsupported means the declared format has no decoder.
	ErrUnsupported = errors.New("image format not supported")
	// ErrEncode means re-encoding the normalized image failed.
	ErrEncode = errors.New("image encode failed")
)

// Options controls normalization.
type Options struct {
	MaxWidth   int
	MaxHeight  int
	Quality    int
	MaxPixels  int
	Background color.Color
}

// DefaultOptions returns the frame display settings.
func DefaultOptions() Options {
	return Options{
		MaxWidth:   DefaultMaxWidth,
		MaxHeight:  DefaultMaxHeight,
		Quality:    DefaultQuality,
		MaxPixels:  DefaultMaxPixels,
		Background: color.White,
	}
}

// Result is a normalized JPEG and its final dimensions.
type Result struct {
	Data   []byte
	Width  int
	Height int
	// Resized is true when the source exceeded the display bounds.
	Resized bool
}

// Processor applies Options to uploaded images. It holds no mutable state
// and is safe for concurrent use.
type Processor struct {
	opts Options
}

// New returns a Processor. Zero fields in opts fall back to defaults.
func New(opts Options) *Processor {
	def := DefaultOptions()
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = def.MaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = def.MaxHeight
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = def.MaxPixels
	}
	if opts.Background == nil {
		opts.Background = def.Background
	}
	return &Processor{opts: opts}
}

// Options returns the effective settings.
func (p *Processor) Options() Options {
	return p.opts
}

// Process normalizes data declared as contentType.
func (p *Processor) Process(data []byte, contentType string) (*Result, error) {
	if contentType == "image/heic" || contentType == "image/heif" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, contentType)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %s image", ErrDecode, format)
	}
	if cfg.Width*cfg.Height > p.opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, p.opts.MaxPixels)
	}

	// AutoOrientation rotates according to the EXIF tag while decoding.
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	out := p.flatten(img)

	resized := false
	if b := out.Bounds(); b.Dx() > p.opts.MaxWidth || b.Dy() > p.opts.MaxHeight {
		out = imaging.Fit(out, p.opts.MaxWidth, p.opts.MaxHeight, imaging.Lanczos)
		resized = true
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(p.opts.Quality)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	return &Result{
		Data:    buf.Bytes(),
		Width:   out.Bounds().Dx(),
		Height:  out.Bounds().Dy(),
		Resized: resized,
	}, nil
}

// flatten composites img over an opaque background so transparent and
// palette sources end up as plain RGB.
func (p *Processor) flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), p.opts.Background)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
