// health.go: /health, /health/live and /health/ready.
package handlers

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/BrettSwaim/skylight-photos/internal/config"
)

const (
	serviceName    = "skylight-photos"
	statusHealthy  = "healthy"
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
	healthProbe    = ".health_check"
)

// MediaCounter reports how many records are registered.
type MediaCounter interface {
	Count() int
}

// HealthHandler implements the health endpoints.
type HealthHandler struct {
	version    string
	dataDir    string
	ffmpegPath string
	media      MediaCounter
}

// NewHealthHandler creates the handler. dataDir is probed for writability
// and ffmpegPath for presence; an empty value skips the check.
func NewHealthHandler(dataDir, ffmpegPath string, media MediaCounter) *HealthHandler {
	return &HealthHandler{
		version:    config.Version,
		dataDir:    dataDir,
		ffmpegPath: ffmpegPath,
		media:      media,
	}
}

// Health handles GET /health: a summary with the record count.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      statusHealthy,
		"service":     serviceName,
		"version":     h.version,
		"media_count": h.media.Count(),
	})
}

// HealthLive handles GET /health/live. It never checks dependencies.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
	})
}

// HealthReady handles GET /health/ready.
// A data directory that cannot be written fails readiness. A missing ffmpeg
// only degrades it, since videos are then stored with their audio.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overall := statusOK
	httpStatus := http.StatusOK

	fsCheck := h.checkFilesystem()
	if fsCheck["status"] != statusOK {
		overall = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	ffmpegCheck := h.checkFFmpeg()
	if ffmpegCheck["status"] != statusOK && overall == statusOK {
		overall = statusDegraded
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
		"checks": map[string]any{
			"filesystem": fsCheck,
			"ffmpeg":     ffmpegCheck,
		},
	})
}

func (h *HealthHandler) checkFilesystem() map[string]any {
	if h.dataDir == "" {
		return map[string]any{"status": statusOK, "message": "not configured"}
	}

	probe := filepath.Join(h.dataDir, healthProbe)
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "data directory is not writable: " + err.Error(),
		}
	}
	_ = os.Remove(probe)

	return map[string]any{"status": statusOK}
}

func (h *HealthHandler) checkFFmpeg() map[string]any {
	if h.ffmpegPath == "" {
		return map[string]any{"status": statusOK, "message": "not configured"}
	}

	path, err := exec.LookPath(h.ffmpegPath)
	if err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "ffmpeg not found, videos keep their audio: " + err.Error(),
		}
	}
	return map[string]any{"status": statusOK, "path": path}
}
