package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrettSwaim/skylight-photos/internal/pipeline/imageproc"
	"github.com/BrettSwaim/skylight-photos/internal/pipeline/videoproc"
	"github.com/BrettSwaim/skylight-photos/internal/storage/filestore"
	"github.com/BrettSwaim/skylight-photos/internal/storage/metastore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVideos stands in for the transcode pool.
type fakeVideos struct {
	fn func(ctx context.Context, data []byte, dest string) (*videoproc.Result, error)
}

func (f *fakeVideos) Transcode(ctx context.Context, data []byte, dest string) (*videoproc.Result, error) {
	return f.fn(ctx, data, dest)
}

// copyVideos writes the input unchanged, like a stream copy of a silent clip.
func copyVideos() *fakeVideos {
	return &fakeVideos{fn: func(_ context.Context, data []byte, dest string) (*videoproc.Result, error) {
		if err := os.WriteFile(dest, data, 0o640); err != nil {
			return nil, err
		}
		return &videoproc.Result{Size: int64(len(data))}, nil
	}}
}

type testEnv struct {
	dir    string
	store  *metastore.Store
	files  *filestore.FileStore
	ingest *IngestService
}

func newTestEnv(t *testing.T, videos VideoTranscoder, cfg IngestConfig) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := metastore.Open(dir, testLogger())
	require.NoError(t, err)
	files, err := filestore.New(dir)
	require.NoError(t, err)
	if videos == nil {
		videos = copyVideos()
	}

	return &testEnv{
		dir:    dir,
		store:  store,
		files:  files,
		ingest: NewIngestService(store, files, imageproc.New(imageproc.DefaultOptions()), videos, cfg, testLogger()),
	}
}

// mediaFiles lists data directory entries other than the snapshot.
func (e *testEnv) mediaFiles(t *testing.T) []string {
	t.Helper()
	entries, err := e.files.List()
	require.NoError(t, err)
	var names []string
	for _, en := range entries {
		if en.Name != "media.json" {
			names = append(names, en.Name)
		}
	}
	return names
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 3), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}
