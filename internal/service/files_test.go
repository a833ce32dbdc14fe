package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/BrettSwaim/skylight-photos/internal/api/errors"
	"github.com/BrettSwaim/skylight-photos/internal/domain/model"
)

func TestServe_Image(t *testing.T) {
	env := newTestEnv(t, nil, IngestConfig{})
	rec, ierr := env.ingest.Ingest(context.Background(), IngestParams{
		Data:         jpegBytes(t, 40, 30),
		OriginalName: "Beach Day!.png",
		ContentType:  "image/jpeg",
	})
	require.Nil(t, ierr)

	svc := NewMediaFileService(env.store, env.files, testLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/media/"+rec.ID+"/file", nil)

	require.Nil(t, svc.Serve(w, r, rec.ID))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, `inline; filename=beach-day.jpg`, w.Header().Get("Content-Disposition"))

	onDisk, err := os.ReadFile(filepath.Join(env.dir, rec.Filename))
	require.NoError(t, err)
	assert.Equal(t, onDisk, w.Body.Bytes())
}

func TestServe_Range(t *testing.T) {
	env := newTestEnv(t, nil, IngestConfig{})
	rec, ierr := env.ingest.Ingest(context.Background(), IngestParams{
		Data:        []byte("0123456789"),
		ContentType: "video/mp4",
	})
	require.Nil(t, ierr)

	svc := NewMediaFileService(env.store, env.files, testLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Range", "bytes=2-5")

	require.Nil(t, svc.Serve(w, r, rec.ID))

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "2345", w.Body.String())
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
}

func TestServe_NotFound(t *testing.T) {
	env := newTestEnv(t, nil, IngestConfig{})
	svc := NewMediaFileService(env.store, env.files, testLogger())

	ferr := svc.Serve(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "nope")
	require.NotNil(t, ferr)
	assert.Equal(t, http.StatusNotFound, ferr.StatusCode)
	assert.Equal(t, apierrors.CodeNotFound, ferr.Code)
}

func TestServe_OrphanRecord(t *testing.T) {
	env := newTestEnv(t, nil, IngestConfig{})
	rec, ierr := env.ingest.Ingest(context.Background(), IngestParams{
		Data:        jpegBytes(t, 8, 8),
		ContentType: "image/jpeg",
	})
	require.Nil(t, ierr)
	require.NoError(t, os.Remove(filepath.Join(env.dir, rec.Filename)))

	svc := NewMediaFileService(env.store, env.files, testLogger())
	w := httptest.NewRecorder()
	ferr := svc.Serve(w, httptest.NewRequest(http.MethodGet, "/", nil), rec.ID)

	require.NotNil(t, ferr)
	assert.Equal(t, http.StatusNotFound, ferr.StatusCode)
	assert.Equal(t, apierrors.CodeFileMissing, ferr.Code)
	assert.Zero(t, w.Body.Len())
}

func TestDownloadName(t *testing.T) {
	cases := []struct {
		original, filename, want string
	}{
		{"Beach Day!.HEIC", "abc.jpg", "beach-day.jpg"},
		{"clip.mov", "abc.mov", "clip.mov"},
		{"???.png", "abc123.jpg", "abc123.jpg"},
	}
	for _, tc := range cases {
		rec := &model.MediaRecord{ID: "abc123", OriginalName: tc.original, Filename: tc.filename}
		assert.Equal(t, tc.want, DownloadName(rec), tc.original)
	}
}
