// auth.go: POST /api/verify-pin.
package handlers

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/BrettSwaim/skylight-photos/internal/api/errors"
	"github.com/BrettSwaim/skylight-photos/internal/api/middleware"
)

// AuthHandler lets clients check a PIN before uploading.
type AuthHandler struct {
	pins *middleware.PINAuth
}

// NewAuthHandler creates the handler.
func NewAuthHandler(pins *middleware.PINAuth) *AuthHandler {
	return &AuthHandler{pins: pins}
}

type verifyPINRequest struct {
	PIN string `json:"pin"`
}

type verifyPINResponse struct {
	Valid bool `json:"valid"`
}

// VerifyPIN answers {"valid": bool}. Failures count toward the same lockout
// as the PIN header; a locked client gets 429.
func (h *AuthHandler) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	var req verifyPINRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Body must be JSON like {\"pin\": \"1234\"}")
		return
	}

	switch h.pins.Verify(middleware.ClientKey(r), req.PIN) {
	case middleware.PINLocked:
		apierrors.TooManyAttempts(w, "Too many failed PIN attempts, try again later")
	case middleware.PINValid:
		writeJSON(w, http.StatusOK, verifyPINResponse{Valid: true})
	default:
		writeJSON(w, http.StatusOK, verifyPINResponse{Valid: false})
	}
}
