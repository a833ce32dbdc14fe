// Package handlers implements the HTTP endpoints. Handlers parse requests,
// call the service layer and encode responses; business rules live in
// internal/service.
package handlers

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
