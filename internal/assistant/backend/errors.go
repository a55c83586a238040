package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBackend matches every non-2xx backend response via errors.Is.
var ErrBackend = errors.New("backend: request failed")

// APIError is a non-2xx backend response.  Message holds the server's
// error text when the body carried one, otherwise the raw body.
type APIError struct {
	Status  int
	Message string
}

func newAPIError(status int, body []byte) *APIError {
	var wire struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		msg = wire.Error
	}
	return &APIError{Status: status, Message: msg}
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend: HTTP %d: %s", e.Status, e.Message)
}

// Is reports ErrBackend so callers can class-match without inspecting the
// concrete type.
func (e *APIError) Is(target error) bool {
	return target == ErrBackend
}
