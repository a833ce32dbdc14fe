// media.go: upload, list, get, file and delete endpoints.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/BrettSwaim/skylight-photos/internal/api/errors"
	"github.com/BrettSwaim/skylight-photos/internal/domain/model"
	"github.com/BrettSwaim/skylight-photos/internal/service"
	"github.com/BrettSwaim/skylight-photos/internal/storage/metastore"
)

const (
	// uploadField is the multipart field carrying the file.
	uploadField = "file"
	// multipartMemory is kept in memory before parts spill to disk.
	multipartMemory = 32 << 20
	// multipartOverhead allows for boundaries and part headers on top of
	// the file size limit.
	multipartOverhead = 1 << 20
)

// MediaHandler serves the media endpoints.
type MediaHandler struct {
	ingest *service.IngestService
	files  *service.MediaFileService
	store  *metastore.Store
	logger *slog.Logger
}

// NewMediaHandler creates the media handler.
func NewMediaHandler(
	ingest *service.IngestService,
	files *service.MediaFileService,
	store *metastore.Store,
	logger *slog.Logger,
) *MediaHandler {
	return &MediaHandler{
		ingest: ingest,
		files:  files,
		store:  store,
		logger: logger.With(slog.String("component", "media_handler")),
	}
}

// uploadResponse is the 201 body of POST /api/upload.
type uploadResponse struct {
	Status string             `json:"status"`
	Media  *model.MediaRecord `json:"media"`
}

// listResponse is the body of GET /api/media.
type listResponse struct {
	Count int                  `json:"count"`
	Media []*model.MediaRecord `json:"media"`
}

// deleteResponse is the body of DELETE /api/media/{id}.
type deleteResponse struct {
	Status  string `json:"status"`
	Deleted string `json:"deleted"`
}

// Upload handles POST /api/upload (multipart, field "file").
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	maxSize := h.ingest.MaxUploadSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.FileTooLarge(w, fmt.Sprintf("File exceeds the %d byte limit", maxSize))
			return
		}
		apierrors.ValidationError(w, "Invalid multipart body: "+err.Error())
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Warn("Multipart cleanup failed", slog.String("error", err.Error()))
		}
	}()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		apierrors.ValidationError(w, "Field 'file' is required")
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		apierrors.FileTooLarge(w, fmt.Sprintf("File exceeds the %d byte limit", maxSize))
		return
	}

	// one byte past the limit is enough to reject
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		apierrors.InternalError(w, "Failed to read upload")
		return
	}

	rec, ingestErr := h.ingest.Ingest(r.Context(), service.IngestParams{
		Data:         data,
		OriginalName: header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		DeclaredSize: header.Size,
	})
	if ingestErr != nil {
		apierrors.WriteError(w, ingestErr.StatusCode, ingestErr.Code, ingestErr.Message)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{Status: "ok", Media: rec})
}

// List handles GET /api/media.
func (h *MediaHandler) List(w http.ResponseWriter, _ *http.Request) {
	records := h.store.List()
	writeJSON(w, http.StatusOK, listResponse{Count: len(records), Media: records})
}

// Get handles GET /api/media/{id}.
func (h *MediaHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec := h.store.Get(id)
	if rec == nil {
		apierrors.NotFound(w, fmt.Sprintf("Media %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// File handles GET /api/media/{id}/file.
func (h *MediaHandler) File(w http.ResponseWriter, r *http.Request) {
	if fileErr := h.files.Serve(w, r, chi.URLParam(r, "id")); fileErr != nil {
		apierrors.WriteError(w, fileErr.StatusCode, fileErr.Code, fileErr.Message)
	}
}

// Delete handles DELETE /api/media/{id}.
func (h *MediaHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ingestErr := h.ingest.Delete(r.Context(), id)
	if ingestErr != nil {
		apierrors.WriteError(w, ingestErr.StatusCode, ingestErr.Code, ingestErr.Message)
		return
	}
	if rec == nil {
		apierrors.NotFound(w, fmt.Sprintf("Media %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Status: "ok", Deleted: id})
}
