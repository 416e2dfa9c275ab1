package chatclient

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoCredential         = errors.New("no credential available")
	ErrEmptyMessage         = errors.New("message needs content or an attachment")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrClosed               = errors.New("chat store closed")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// APIError is returned for any non-2xx response from the chat API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("chat api: %d %s", e.StatusCode, e.Message)
}

// Is lets callers test for ErrUnauthorized, ErrForbidden and ErrNotFound.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}
