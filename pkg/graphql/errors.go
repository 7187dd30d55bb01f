package graphql

import (
	"fmt"
	"strings"

	"github.com/crmsync/crmsync/pkg/constants"
)

// ErrorItem is one entry of a GraphQL "errors" array.
type ErrorItem struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Error is returned when the server answers with a non-empty "errors" array.
// Validation and business-rule rejections arrive this way.
type Error struct {
	Operation string
	Errors    []ErrorItem
}

func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		msgs = append(msgs, item.Message)
	}
	return fmt.Sprintf("%s: %s", e.Operation, strings.Join(msgs, "; "))
}

func (e *Error) Unwrap() error {
	return constants.ErrRequest
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: http status %d: %s", e.Operation, e.StatusCode, e.Body)
}

func (e *HTTPError) Unwrap() error {
	return constants.ErrRequest
}
