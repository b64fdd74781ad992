// Package keystone provides a Go client for the Keystone structural audit
// API and a realtime dashboard that follows one inspection.
package keystone

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the Keystone API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Details carries the server's machine-readable details, such as every
	// violation of a rejected batch.
	Details json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("keystone: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// FieldErrors decodes Details as a list of field violations. It returns nil
// when the error carries none.
func (e *Error) FieldErrors() []FieldError {
	if len(e.Details) == 0 {
		return nil
	}
	var out []FieldError
	if err := json.Unmarshal(e.Details, &out); err != nil {
		return nil
	}
	return out
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsValidation returns true if the error is a 400.
func IsValidation(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsConflict returns true if the error is a 409, such as ingestion into a
// completed inspection.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }
