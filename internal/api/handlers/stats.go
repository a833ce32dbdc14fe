// stats.go: GET /api/stats, inventory and disk capacity.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/BrettSwaim/skylight-photos/internal/config"
	"github.com/BrettSwaim/skylight-photos/internal/storage/metastore"
)

// StatsHandler reports what the frame holds.
type StatsHandler struct {
	store   *metastore.Store
	dataDir string
	logger  *slog.Logger
}

// NewStatsHandler creates the handler.
func NewStatsHandler(store *metastore.Store, dataDir string, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		store:   store,
		dataDir: dataDir,
		logger:  logger.With(slog.String("component", "stats_handler")),
	}
}

type typeStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

type statsResponse struct {
	MediaCount int                  `json:"media_count"`
	TotalBytes int64                `json:"total_bytes"`
	ByType     map[string]typeStats `json:"by_type"`
	// Disk is omitted when statfs fails.
	Disk    *DiskUsage `json:"disk,omitempty"`
	Version string     `json:"version"`
}

// Stats handles GET /api/stats.
func (h *StatsHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		MediaCount: h.store.Count(),
		TotalBytes: h.store.TotalSize(),
		ByType:     make(map[string]typeStats),
		Version:    config.Version,
	}
	for mediaType, totals := range h.store.TotalsByType() {
		resp.ByType[string(mediaType)] = typeStats{Count: totals.Count, Bytes: totals.Bytes}
	}

	disk, err := diskUsage(h.dataDir)
	if err != nil {
		h.logger.Warn("Disk usage unavailable", slog.String("error", err.Error()))
	} else {
		resp.Disk = disk
	}

	writeJSON(w, http.StatusOK, resp)
}
