// Package service holds the media business logic between the HTTP layer and
// storage.
//
// ingest.go holds the ingestion coordinator: validate, transform, write, register.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	apierrors "github.com/BrettSwaim/skylight-photos/internal/api/errors"
	"github.com/BrettSwaim/skylight-photos/internal/api/middleware"
	"github.com/BrettSwaim/skylight-photos/internal/domain/model"
	"github.com/BrettSwaim/skylight-photos/internal/pipeline/imageproc"
	"github.com/BrettSwaim/skylight-photos/internal/pipeline/videoproc"
	"github.com/BrettSwaim/skylight-photos/internal/storage/filestore"
	"github.com/BrettSwaim/skylight-photos/internal/storage/metastore"
)

// DefaultMaxUploadSize is 500 MiB.
const DefaultMaxUploadSize int64 = 500 << 20

const tracerName = "github.com/BrettSwaim/skylight-photos/internal/service"

// VideoTranscoder writes a video with its audio removed to dest.
// *videoproc.Pool satisfies it.
type VideoTranscoder interface {
	Transcode(ctx context.Context, data []byte, dest string) (*videoproc.Result, error)
}

// IngestParams describes one upload.
type IngestParams struct {
	Data         []byte
	OriginalName string
	// ContentType as declared by the client, parameters allowed.
	ContentType string
	// DeclaredSize from the multipart part, 0 when unknown.
	DeclaredSize int64
}

// IngestError is an ingestion failure with its HTTP mapping.
type IngestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IngestConfig holds the coordinator limits.
type IngestConfig struct {
	MaxUploadSize int64
	// ImageWorkers bounds concurrent image transforms; 0 means GOMAXPROCS.
	ImageWorkers int
}

// IngestService turns uploads into stored, registered media.
type IngestService struct {
	store    *metastore.Store
	files    *filestore.FileStore
	images   *imageproc.Processor
	videos   VideoTranscoder
	imageSem *semaphore.Weighted
	maxSize  int64
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewIngestService creates the coordinator.
func NewIngestService(
	store *metastore.Store,
	files *filestore.FileStore,
	images *imageproc.Processor,
	videos VideoTranscoder,
	cfg IngestConfig,
	logger *slog.Logger,
) *IngestService {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.ImageWorkers <= 0 {
		cfg.ImageWorkers = runtime.GOMAXPROCS(0)
	}
	return &IngestService{
		store:    store,
		files:    files,
		images:   images,
		videos:   videos,
		imageSem: semaphore.NewWeighted(int64(cfg.ImageWorkers)),
		maxSize:  cfg.MaxUploadSize,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With(slog.String("component", "ingest_service")),
	}
}

// MaxUploadSize returns the configured size limit.
func (s *IngestService) MaxUploadSize() int64 {
	return s.maxSize
}

// Ingest stores one upload.
//
// Steps:
//  1. Normalize and check the content type
//  2. Check size limits
//  3. Reserve an id and derive the file name
//  4. Transform and write the file (image or video path)
//  5. Measure the written file
//  6. Register the record
//
// Any failure after step 3 removes the file and releases the id, so a
// record never exists without its file.
func (s *IngestService) Ingest(ctx context.Context, params IngestParams) (*model.MediaRecord, *IngestError) {
	ctx, span := s.tracer.Start(ctx, "media.ingest")
	defer span.End()

	// 1. Content type
	contentType := normalizeContentType(params.ContentType, params.Data)
	mediaType, ok := model.ClassifyContentType(contentType)
	if !ok {
		return nil, s.fail(span, "rejected", &IngestError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeValidationError,
			Message: fmt.Sprintf("Unsupported file type %q, allowed: %s",
				contentType, strings.Join(model.AllowedContentTypes(), ", ")),
		})
	}
	span.SetAttributes(
		attribute.String("media.content_type", contentType),
		attribute.String("media.type", string(mediaType)),
		attribute.Int("media.upload_bytes", len(params.Data)),
	)

	// 2. Size
	if params.DeclaredSize > s.maxSize || int64(len(params.Data)) > s.maxSize {
		return nil, s.fail(span, "rejected", &IngestError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Code:       apierrors.CodeFileTooLarge,
			Message:    fmt.Sprintf("File exceeds the %d byte limit", s.maxSize),
		})
	}
	if len(params.Data) == 0 {
		return nil, s.fail(span, "rejected", &IngestError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeValidationError,
			Message:    "File is empty",
		})
	}

	// 3. Id and file name
	id, err := s.store.Reserve()
	if err != nil {
		s.logger.Error("Id reservation failed", slog.String("error", err.Error()))
		return nil, s.fail(span, "error", internalError("Could not allocate a media id"))
	}
	filename := id + model.StoredExtension(contentType)
	span.SetAttributes(attribute.String("media.id", id))

	rollback := func() {
		if err := s.files.DeleteFile(filename); err != nil {
			s.logger.Error("Rollback could not remove file",
				slog.String("filename", filename),
				slog.String("error", err.Error()),
			)
		}
		s.store.Release(id)
	}

	// 4. Transform and write
	attrs := model.NewMedia{
		ID:           id,
		Filename:     filename,
		OriginalName: cleanOriginalName(params.OriginalName),
		MediaType:    mediaType,
	}
	var ingestErr *IngestError
	if mediaType == model.MediaImage {
		ingestErr = s.storeImage(ctx, params.Data, contentType, filename, &attrs)
	} else {
		ingestErr = s.storeVideo(ctx, params.Data, filename)
	}
	if ingestErr != nil {
		rollback()
		return nil, s.fail(span, "error", ingestErr)
	}

	// 5. Stored size
	size, err := s.files.FileSize(filename)
	if err != nil {
		rollback()
		s.logger.Error("Stored file vanished before registration",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
		return nil, s.fail(span, "error", internalError("Stored file could not be read back"))
	}
	attrs.SizeBytes = size

	// 6. Register
	rec, err := s.store.Add(attrs)
	if err != nil {
		rollback()
		s.logger.Error("Record registration failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, s.fail(span, "error", internalError("Failed to save media metadata"))
	}

	middleware.OperationsTotal.WithLabelValues("ingest", "success").Inc()
	s.RefreshMetrics()

	s.logger.Info("Media ingested",
		slog.String("id", rec.ID),
		slog.String("filename", rec.Filename),
		slog.String("original_name", rec.OriginalName),
		slog.String("media_type", string(rec.MediaType)),
		slog.Int("upload_bytes", len(params.Data)),
		slog.Int64("size_bytes", rec.SizeBytes),
	)
	return rec, nil
}

// storeImage normalizes an image under the CPU semaphore and writes it.
func (s *IngestService) storeImage(ctx context.Context, data []byte, contentType, filename string, attrs *model.NewMedia) *IngestError {
	if err := s.imageSem.Acquire(ctx, 1); err != nil {
		return cancelledError(err)
	}
	_, span := s.tracer.Start(ctx, "media.image.process")
	start := time.Now()
	res, err := s.images.Process(data, contentType)
	span.End()
	s.imageSem.Release(1)

	if err != nil {
		s.logger.Warn("Image processing failed",
			slog.String("filename", filename),
			slog.String("content_type", contentType),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, imageproc.ErrDecode) || errors.Is(err, imageproc.ErrUnsupported) {
			return &IngestError{
				StatusCode: http.StatusBadRequest,
				Code:       apierrors.CodeProcessingError,
				Message:    "Could not process image: " + err.Error(),
			}
		}
		return &IngestError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeProcessingError,
			Message:    "Could not process image",
		}
	}

	if _, err := s.files.WriteFile(filename, res.Data); err != nil {
		s.logger.Error("Image write failed",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
		return internalError("Failed to write image")
	}

	attrs.Width = &res.Width
	attrs.Height = &res.Height
	s.logger.Debug("Image normalized",
		slog.String("filename", filename),
		slog.Int("width", res.Width),
		slog.Int("height", res.Height),
		slog.Bool("resized", res.Resized),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// storeVideo hands the upload to the transcode pool, which writes the file.
func (s *IngestService) storeVideo(ctx context.Context, data []byte, filename string) *IngestError {
	ctx, span := s.tracer.Start(ctx, "media.video.transcode")
	defer span.End()

	res, err := s.videos.Transcode(ctx, data, s.files.FullPath(filename))
	switch {
	case err == nil:
		span.SetAttributes(attribute.Bool("video.fallback", res.Fallback))
		return nil
	case errors.Is(err, videoproc.ErrTimeout):
		return &IngestError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeProcessingError,
			Message:    "Video processing timed out",
		}
	case errors.Is(err, videoproc.ErrPoolClosed):
		return &IngestError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       apierrors.CodeUnavailable,
			Message:    "Server is shutting down",
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return cancelledError(err)
	default:
		s.logger.Error("Video processing failed",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
		return internalError("Failed to store video")
	}
}

// Delete removes the record first and then its file. A file that cannot be
// removed is logged and left for reconcile to report.
// Returns nil, nil when id is unknown.
func (s *IngestService) Delete(ctx context.Context, id string) (*model.MediaRecord, *IngestError) {
	_, span := s.tracer.Start(ctx, "media.delete", trace.WithAttributes(attribute.String("media.id", id)))
	defer span.End()

	rec, err := s.store.Delete(id)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		s.logger.Error("Record deletion failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, err.Error())
		return nil, internalError("Failed to save media metadata")
	}
	if rec == nil {
		return nil, nil
	}

	if err := s.files.DeleteFile(rec.Filename); err != nil {
		s.logger.Error("File removal failed after record deletion",
			slog.String("id", id),
			slog.String("filename", rec.Filename),
			slog.String("error", err.Error()),
		)
	}

	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()
	s.RefreshMetrics()

	s.logger.Info("Media deleted",
		slog.String("id", id),
		slog.String("filename", rec.Filename),
	)
	return rec, nil
}

// RefreshMetrics sets the inventory gauges from the store.
func (s *IngestService) RefreshMetrics() {
	for mediaType, totals := range s.store.TotalsByType() {
		middleware.MediaTotal.WithLabelValues(string(mediaType)).Set(float64(totals.Count))
		middleware.StorageBytes.WithLabelValues(string(mediaType)).Set(float64(totals.Bytes))
	}
}

// fail records a failed ingest on the span and the operations counter.
func (s *IngestService) fail(span trace.Span, result string, e *IngestError) *IngestError {
	middleware.OperationsTotal.WithLabelValues("ingest", result).Inc()
	span.SetStatus(codes.Error, e.Code)
	span.SetAttributes(attribute.Int("http.status_code", e.StatusCode))
	return e
}

func internalError(message string) *IngestError {
	return &IngestError{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeInternalError,
		Message:    message,
	}
}

func cancelledError(err error) *IngestError {
	return &IngestError{
		StatusCode: http.StatusServiceUnavailable,
		Code:       apierrors.CodeUnavailable,
		Message:    "Request cancelled: " + err.Error(),
	}
}

// contentTypeAliases maps non-canonical types some clients send.
var contentTypeAliases = map[string]string{
	"image/jpg":   "image/jpeg",
	"image/pjpeg": "image/jpeg",
	"image/x-png": "image/png",
	"image/heif":  "image/heic",
}

// normalizeContentType strips parameters and lowercases the declared type.
// A missing or generic declaration is replaced by a sniff of the payload.
func normalizeContentType(declared string, data []byte) string {
	ct := declared
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))

	if ct == "" || ct == model.DefaultContentType {
		sniffed := http.DetectContentType(data)
		if i := strings.IndexByte(sniffed, ';'); i >= 0 {
			sniffed = sniffed[:i]
		}
		ct = sniffed
	}
	if alias, ok := contentTypeAliases[ct]; ok {
		ct = alias
	}
	return ct
}

// cleanOriginalName keeps only the base name of a client-supplied path.
func cleanOriginalName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" {
		return "upload"
	}
	return name
}
