package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rakunlabs/vgate/internal/auth"
	"github.com/rakunlabs/vgate/internal/balancer"
	"github.com/rakunlabs/vgate/internal/credit"
	"github.com/rakunlabs/vgate/internal/security"
)

// apiError is the envelope surfaced to callers on every error path.
type apiError struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	ReferenceID string `json:"reference_id"`
	Timestamp   string `json:"timestamp"`
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

// writeAPIError writes the standard error envelope. referenceID is normally
// the ApiRequest ID so operators can correlate a client-visible failure with
// the stored tracker record; pass "" when no ApiRequest exists yet (e.g. a
// validation failure before tracker.Create).
func writeAPIError(w http.ResponseWriter, status int, errType, code, message, referenceID string) {
	body, _ := json.Marshal(apiErrorEnvelope{Error: apiError{
		Message:     message,
		Type:        errType,
		Code:        code,
		ReferenceID: referenceID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// classifyDispatchError maps an error raised anywhere in the dispatch
// pipeline to the HTTP status/type/code triple from the error taxonomy, so
// every handler reports failures identically.
func classifyDispatchError(err error) (status int, errType, code string) {
	switch {
	case errors.Is(err, auth.ErrMissingHeader), errors.Is(err, auth.ErrInvalidFormat):
		return http.StatusUnauthorized, "invalid_request", "missing_authorization"
	case errors.Is(err, auth.ErrInvalidKey):
		return http.StatusUnauthorized, "invalid_key", "invalid_key"
	case errors.Is(err, auth.ErrInvalidOAuthToken):
		return http.StatusUnauthorized, "invalid_key", "invalid_oauth_token"
	case errors.Is(err, auth.ErrAccountDisabled):
		return http.StatusForbidden, "account_disabled", "account_disabled"
	case errors.Is(err, auth.ErrIPAccessDenied):
		return http.StatusForbidden, "ip_access_denied", "ip_access_denied"
	case errors.Is(err, auth.ErrInternalError):
		return http.StatusInternalServerError, "request_failed", ""
	case errors.Is(err, auth.ErrModelNotAllowed), errors.Is(err, auth.ErrProviderNotAllowed):
		return http.StatusForbidden, "model_access_denied", "model_access_denied"
	case errors.Is(err, errPlanAccessDenied):
		return http.StatusForbidden, "model_access_denied", "model_access_denied"
	case errors.Is(err, security.ErrContentFlagged):
		return http.StatusBadRequest, "content_policy", "content_policy"
	case errors.Is(err, credit.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits", "insufficient_credits"
	case errors.Is(err, balancer.ErrNoCandidate):
		return http.StatusBadGateway, "upstream_error", "upstream_error"
	case errors.Is(err, errModelNotFound):
		return http.StatusBadRequest, "invalid_request", "model_not_found"
	case errors.Is(err, errEndpointNotSupported):
		return http.StatusBadRequest, "unsupported", "unsupported"
	case errors.Is(err, errUnsupportedOperation):
		return http.StatusBadRequest, "unsupported", "unsupported"
	default:
		return http.StatusInternalServerError, "request_failed", ""
	}
}

// writeJSON writes any value as a JSON body with the given status; used for
// success paths where no error envelope is needed.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to encode response", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
