// Package model holds the domain types shared by the store, the pipeline and
// the HTTP layer.
package model

import (
	"path/filepath"
	"strings"
	"time"
)

// MediaType is the kind of a stored asset.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// MediaRecord describes one normalized file in the data directory.
// Records are immutable once registered.
type MediaRecord struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"original_name"`
	MediaType    MediaType `json:"media_type"`
	Width        *int      `json:"width"`
	Height       *int      `json:"height"`
	// SizeBytes is the size of the stored file, not of the upload.
	SizeBytes int64 `json:"size_bytes"`
	// Duration in seconds. Not populated for now.
	Duration   *float64  `json:"duration"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Clone returns a deep copy so callers cannot reach into store state.
func (r *MediaRecord) Clone() *MediaRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Width != nil {
		w := *r.Width
		c.Width = &w
	}
	if r.Height != nil {
		h := *r.Height
		c.Height = &h
	}
	if r.Duration != nil {
		d := *r.Duration
		c.Duration = &d
	}
	return &c
}

// NewMedia carries the attributes a caller supplies when registering a file.
// ID is optional; when set it must come from a store reservation.
type NewMedia struct {
	ID           string
	Filename     string
	OriginalName string
	MediaType    MediaType
	Width        *int
	Height       *int
	SizeBytes    int64
	Duration     *float64
}

// Accepted upload content types.
var (
	imageTypes = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/webp": true,
		"image/heic": true,
	}

	videoExtensions = map[string]string{
		"video/mp4":        ".mp4",
		"video/quicktime":  ".mov",
		"video/x-matroska": ".mkv",
		"video/webm":       ".webm",
	}

	extContentTypes = map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".webp": "image/webp",
		".mp4":  "video/mp4",
		".mov":  "video/quicktime",
		".mkv":  "video/x-matroska",
		".webm": "video/webm",
	}
)

// ImageExtension is the extension of every stored image.
const ImageExtension = ".jpg"

// DefaultContentType is served for unknown extensions.
const DefaultContentType = "application/octet-stream"

// ClassifyContentType maps an allowed upload content type to its media kind.
// ok is false for anything outside the allow-list.
func ClassifyContentType(contentType string) (MediaType, bool) {
	if imageTypes[contentType] {
		return MediaImage, true
	}
	if _, found := videoExtensions[contentType]; found {
		return MediaVideo, true
	}
	return "", false
}

// StoredExtension returns the extension used on disk for an upload of the
// given content type. Images are always re-encoded to JPEG.
func StoredExtension(contentType string) string {
	if imageTypes[contentType] {
		return ImageExtension
	}
	if ext, ok := videoExtensions[contentType]; ok {
		return ext
	}
	return ".mp4"
}

// ContentTypeForFile resolves the MIME type served for a stored file name.
func ContentTypeForFile(filename string) string {
	if ct, ok := extContentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return DefaultContentType
}

// AllowedContentTypes lists the accepted upload types, images first.
func AllowedContentTypes() []string {
	return []string{
		"image/jpeg", "image/png", "image/webp", "image/heic",
		"video/mp4", "video/quicktime", "video/x-matroska", "video/webm",
	}
}
