// files.go: serving stored media bytes.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"

	apierrors "github.com/BrettSwaim/skylight-photos/internal/api/errors"
	"github.com/BrettSwaim/skylight-photos/internal/api/middleware"
	"github.com/BrettSwaim/skylight-photos/internal/domain/model"
	"github.com/BrettSwaim/skylight-photos/internal/storage/filestore"
	"github.com/BrettSwaim/skylight-photos/internal/storage/metastore"
)

// FileError is a serving failure with its HTTP mapping.
type FileError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MediaFileService streams stored files.
type MediaFileService struct {
	store  *metastore.Store
	files  *filestore.FileStore
	logger *slog.Logger
}

// NewMediaFileService creates the file server.
func NewMediaFileService(store *metastore.Store, files *filestore.FileStore, logger *slog.Logger) *MediaFileService {
	return &MediaFileService{
		store:  store,
		files:  files,
		logger: logger.With(slog.String("component", "file_service")),
	}
}

// Serve writes the file of record id through http.ServeContent, which
// handles Range, If-Modified-Since and Content-Length.
// Nothing is written to w when an error is returned.
func (s *MediaFileService) Serve(w http.ResponseWriter, r *http.Request, id string) *FileError {
	// 1. Record
	rec := s.store.Get(id)
	if rec == nil {
		return &FileError{
			StatusCode: http.StatusNotFound,
			Code:       apierrors.CodeNotFound,
			Message:    fmt.Sprintf("Media %s not found", id),
		}
	}

	// 2. File
	file, err := s.files.Open(rec.Filename)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			s.logger.Warn("Record has no file on disk",
				slog.String("id", id),
				slog.String("filename", rec.Filename),
			)
			return &FileError{
				StatusCode: http.StatusNotFound,
				Code:       apierrors.CodeFileMissing,
				Message:    fmt.Sprintf("File for media %s is missing", id),
			}
		}
		s.logger.Error("Open stored file failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return &FileError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Failed to read file",
		}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &FileError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Failed to read file",
		}
	}

	// 3. Headers
	w.Header().Set("Content-Type", model.ContentTypeForFile(rec.Filename))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{
		"filename": DownloadName(rec),
	}))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	http.ServeContent(w, r, rec.Filename, stat.ModTime(), file)

	middleware.OperationsTotal.WithLabelValues("serve", "success").Inc()
	return nil
}

// DownloadName builds a safe file name for Content-Disposition from the
// original name and the stored extension: "Beach Day!.HEIC" stored as
// abc.jpg becomes "beach-day.jpg".
func DownloadName(rec *model.MediaRecord) string {
	base := strings.TrimSuffix(rec.OriginalName, filepath.Ext(rec.OriginalName))
	name := slug.Make(base)
	if name == "" {
		name = rec.ID
	}
	return name + filepath.Ext(rec.Filename)
}
