package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/vgate/internal/auth"
	"github.com/rakunlabs/vgate/internal/balancer"
	"github.com/rakunlabs/vgate/internal/credit"
	"github.com/rakunlabs/vgate/internal/security"
)

func TestClassifyDispatchError(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantType   string
	}{
		{auth.ErrMissingHeader, http.StatusUnauthorized, "invalid_request"},
		{auth.ErrInvalidFormat, http.StatusUnauthorized, "invalid_request"},
		{auth.ErrInvalidKey, http.StatusUnauthorized, "invalid_key"},
		{auth.ErrInvalidOAuthToken, http.StatusUnauthorized, "invalid_key"},
		{auth.ErrAccountDisabled, http.StatusForbidden, "account_disabled"},
		{auth.ErrIPAccessDenied, http.StatusForbidden, "ip_access_denied"},
		{auth.ErrInternalError, http.StatusInternalServerError, "request_failed"},
		{auth.ErrModelNotAllowed, http.StatusForbidden, "model_access_denied"},
		{auth.ErrProviderNotAllowed, http.StatusForbidden, "model_access_denied"},
		{security.ErrContentFlagged, http.StatusBadRequest, "content_policy"},
		{credit.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
		{balancer.ErrNoCandidate, http.StatusBadGateway, "upstream_error"},
		{errModelNotFound, http.StatusBadRequest, "invalid_request"},
		{errEndpointNotSupported, http.StatusBadRequest, "unsupported"},
		{errors.New("boom"), http.StatusInternalServerError, "request_failed"},
	}

	for _, tc := range cases {
		status, errType, _ := classifyDispatchError(tc.err)
		assert.Equal(t, tc.wantStatus, status, "status for %v", tc.err)
		assert.Equal(t, tc.wantType, errType, "type for %v", tc.err)
	}
}

func TestWriteAPIError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAPIError(rec, http.StatusBadRequest, "invalid_request", "missing_field", "model is required", "req-123")

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env apiErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "model is required", env.Error.Message)
	assert.Equal(t, "req-123", env.Error.ReferenceID)
	assert.NotEmpty(t, env.Error.Timestamp)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]string{"id": "abc"})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body["id"])
}
