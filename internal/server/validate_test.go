package server

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Model    string `json:"model" validate:"required"`
	Messages []int  `json:"messages" validate:"required,min=1"`
}

func TestDecodeAndValidateRejectsEmptyBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(""))
	w := httptest.NewRecorder()

	var dst testPayload
	ok := decodeAndValidate(w, r, &dst)
	require.False(t, ok, "expected decodeAndValidate to reject an empty body")
	assert.Equal(t, 400, w.Code)
}

func TestDecodeAndValidateRejectsMissingRequiredField(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"messages":[1]}`))
	w := httptest.NewRecorder()

	var dst testPayload
	ok := decodeAndValidate(w, r, &dst)
	require.False(t, ok, "expected decodeAndValidate to reject a missing required field")
	assert.Contains(t, w.Body.String(), "model")
}

func TestDecodeAndValidateAcceptsValidPayload(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"model":"gpt-4o","messages":[1,2]}`))
	w := httptest.NewRecorder()

	var dst testPayload
	ok := decodeAndValidate(w, r, &dst)
	require.True(t, ok, "decodeAndValidate rejected a valid payload: %s", w.Body.String())
	assert.Equal(t, "gpt-4o", dst.Model)
}

func TestFieldErrorMessageUsesSnakeCase(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"messages":[]}`))
	w := httptest.NewRecorder()

	var dst testPayload
	decodeAndValidate(w, r, &dst)

	assert.Contains(t, w.Body.String(), "model is required")
}
