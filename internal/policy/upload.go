package policy

import (
	"errors"
	"fmt"

	"github.com/h2non/filetype"

	"github.com/iago/media-jobs-back/internal/domain"
)

var (
	ErrFileTooLarge     = errors.New("file exceeds tier limit")
	ErrUnsupportedMedia = errors.New("file must be a video or audio file")
	ErrEmptyFile        = errors.New("file is empty")
)

// SniffHeaderSize is how many leading bytes SniffMedia needs.
const SniffHeaderSize = 262

type SizeLimitError struct {
	LimitMB int
	SizeMB  float64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("file must not exceed %d MB", e.LimitMB)
}

func (e *SizeLimitError) Unwrap() error {
	return ErrFileTooLarge
}

// TierLimits resolves the single-file limit per effective tier.
type TierLimits struct {
	FreeMB    int
	PremiumMB int
}

func (l TierLimits) For(tier domain.Tier) int {
	if tier == domain.TierPremium {
		if l.PremiumMB > 0 {
			return l.PremiumMB
		}
		return domain.DefaultPremiumMaxFileMB
	}
	if l.FreeMB > 0 {
		return l.FreeMB
	}
	return domain.DefaultFreeMaxFileMB
}

// CheckFileSize compares binary megabytes against the limit.
func CheckFileSize(sizeBytes int64, limitMB int) error {
	if sizeBytes <= 0 {
		return violation("file", ErrEmptyFile)
	}
	sizeMB := domain.BytesToMB(sizeBytes)
	if sizeMB > float64(limitMB) {
		limitErr := &SizeLimitError{LimitMB: limitMB, SizeMB: sizeMB}
		return &ViolationError{Violation: Violation{Field: "file", Message: limitErr.Error()}, Err: limitErr}
	}
	return nil
}

// SniffMedia inspects the leading bytes of an upload and returns its MIME
// type. Only video and audio containers are accepted.
func SniffMedia(head []byte) (string, error) {
	if len(head) == 0 {
		return "", violation("file", ErrEmptyFile)
	}
	if !filetype.IsVideo(head) && !filetype.IsAudio(head) {
		return "", violation("file", ErrUnsupportedMedia)
	}
	kind, err := filetype.Match(head)
	if err != nil {
		return "", violation("file", ErrUnsupportedMedia)
	}
	return kind.MIME.Value, nil
}
