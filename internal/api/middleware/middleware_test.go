package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/health":                      "/health",
		"/api/upload":                  "/api/upload",
		"/api/media":                   "/api/media",
		"/api/media/":                  "/api/media",
		"/api/media/abc123def456":      "/api/media/{id}",
		"/api/media/abc123def456/file": "/api/media/{id}/file",
		"/api/media/x/y/z":             "/api/other",
		"/api/nope":                    "/api/other",
		"/favicon.ico":                 "other",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestRequestLogger_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/media/abc", nil))

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "status=404")
	assert.Contains(t, out, "bytes=7")
	assert.Contains(t, out, "path=/api/media/abc")
}

func TestRequestLogger_DefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "status=200")
}
