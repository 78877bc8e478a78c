package policy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/iago/media-jobs-back/internal/domain"
)

var (
	ErrEmptySource         = errors.New("please enter video link")
	ErrInvalidSource       = errors.New("video link must be an http or https URL")
	ErrNoOutputs           = errors.New("select at least one service")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Violation is one rejected submission field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ViolationError struct {
	Violation Violation
	Err       error
}

func (e *ViolationError) Error() string {
	return e.Violation.Message
}

func (e *ViolationError) Unwrap() error {
	return e.Err
}

func violation(field string, err error) error {
	return &ViolationError{Violation: Violation{Field: field, Message: err.Error()}, Err: err}
}

// ValidateSourceURL trims the link and requires an absolute http(s) URL.
func ValidateSourceURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", violation("url", ErrEmptySource)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", violation("url", ErrInvalidSource)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", violation("url", ErrInvalidSource)
	}
	return trimmed, nil
}

// ValidateOutputs parses requested kinds; an empty selection is rejected.
func ValidateOutputs(raw []string) ([]domain.OutputKind, error) {
	kinds, err := domain.ParseOutputKinds(raw)
	if err != nil {
		return nil, &ViolationError{Violation: Violation{Field: "outputs", Message: err.Error()}, Err: err}
	}
	if len(kinds) == 0 {
		return nil, violation("outputs", ErrNoOutputs)
	}
	return kinds, nil
}

// NormalizeLanguage defaults to the primary language when empty.
func NormalizeLanguage(raw string) (string, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if tag == "" {
		return domain.DefaultLanguage, nil
	}
	if !domain.IsSupportedLanguage(tag) {
		return "", &ViolationError{
			Violation: Violation{Field: "language", Message: fmt.Sprintf("unsupported language %q", raw)},
			Err:       ErrUnsupportedLanguage,
		}
	}
	return tag, nil
}
