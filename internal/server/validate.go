package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level, concurrency-safe validator instance shared by
// every dispatch and admin handler's request decoding.
var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeAndValidate reads a JSON request body into dst and runs struct-tag
// validation over the result, writing the standard error envelope and
// returning false on either failure. Adapted from the validator wiring
// pattern of decode-then-Struct, generalized to this gateway's apiError
// envelope instead of a dedicated validation-error shape.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		msg := "invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "", msg, "")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "missing_field", fieldErrorMessage(fe), "")
			return false
		}
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "", err.Error(), "")
		return false
	}

	return true
}

// fieldErrorMessage renders a single validator.FieldError as a short,
// client-facing explanation keyed by the failed tag.
func fieldErrorMessage(fe validator.FieldError) string {
	field := toSnakeCase(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must be at least " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param()
	case "oneof":
		return field + " must be one of: " + fe.Param()
	default:
		return field + " failed " + fe.Tag() + " validation"
	}
}
