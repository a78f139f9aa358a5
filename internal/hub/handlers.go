package hub

import (
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/errors"
)

// maxInboundBody caps inbound webhook payload size
const maxInboundBody = 1 << 20

// handleInboundWebhook verifies and dispatches a provider event
func (h *Hub) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.ErrorTypeValidation, "read request body"))
		return
	}

	result, err := h.Receiver.Receive(r.Context(), webhookID, body, r.Header)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleAuthorize starts an OAuth flow and redirects to the provider
func (h *Hub) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	integrationID := r.URL.Query().Get("integration_id")
	redirectURI := r.URL.Query().Get("redirect_uri")
	if userID == "" || integrationID == "" || redirectURI == "" {
		writeError(w, errors.New(errors.ErrorTypeValidation,
			"user_id, integration_id and redirect_uri are required"))
		return
	}

	// Optional repeated scope params override the integration defaults
	scopes := r.URL.Query()["scope"]

	authURL, _, err := h.OAuth.Authorize(r.Context(), userID, integrationID, redirectURI, scopes)
	if err != nil {
		writeError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes an OAuth flow
func (h *Hub) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, errors.New(errors.ErrorTypeValidation, "state and code are required"))
		return
	}

	conn, err := h.OAuth.Callback(r.Context(), state, code)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error types onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := errors.As(err); ok {
		switch e.Type {
		case errors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case errors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case errors.ErrorTypeConflict:
			status = http.StatusConflict
		case errors.ErrorTypeAuthentication, errors.ErrorTypeSignature:
			status = http.StatusUnauthorized
		case errors.ErrorTypeRateLimit:
			status = http.StatusTooManyRequests
		}
	}

	zap.L().Debug("request failed", zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
