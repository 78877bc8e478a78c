package processing

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MessageCancelled       = "request cancelled"
	MessageConnection      = "server connection error"
	MessageInvalidInput    = "invalid input data"
	MessageInvalidResponse = "error processing server response"
)

var (
	ErrCancelled       = errors.New(MessageCancelled)
	ErrTransport       = errors.New(MessageConnection)
	ErrInvalidResponse = errors.New(MessageInvalidResponse)
)

// FieldError is one entry of a 422 `detail` array.
type FieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// ValidationError is a structured 422 response from the processing service.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.Details))
	for _, detail := range e.Details {
		if msg := strings.TrimSpace(detail.Msg); msg != "" {
			messages = append(messages, msg)
		}
	}
	if len(messages) == 0 {
		return MessageInvalidInput
	}
	return strings.Join(messages, ", ")
}

// StatusError is any other non-2xx response. The body carries no
// structure guarantee and is kept for logs only.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", MessageConnection, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrTransport
}

// UserMessage renders err as the single message surfaced to the caller.
func UserMessage(err error) string {
	var validationErr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return validationErr.Error()
	case errors.Is(err, ErrCancelled):
		return MessageCancelled
	case errors.Is(err, ErrInvalidResponse):
		return MessageInvalidResponse
	default:
		return MessageConnection
	}
}
