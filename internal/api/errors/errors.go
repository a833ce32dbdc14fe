// Package errors writes API error responses.
// Every error body has the shape {"error": {"code": "...", "message": "..."}}.
package errors //nolint:revive // shadows stdlib errors; imported as apierrors where both are needed

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeProcessingError     = "PROCESSING_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeFileMissing         = "FILE_MISSING"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeTooManyAttempts     = "TOO_MANY_ATTEMPTS"
	CodeReconcileInProgress = "RECONCILE_IN_PROGRESS"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a JSON error with the given status and code.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError responds 400.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound responds 404.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized responds 401: credentials missing.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden responds 403: credentials wrong.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// TooManyAttempts responds 429: client locked out after repeated failures.
func TooManyAttempts(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, CodeTooManyAttempts, message)
}

// FileTooLarge responds 413.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// ReconcileInProgress responds 409.
func ReconcileInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReconcileInProgress, message)
}

// InternalError responds 500.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
