package events

import (
	"context"
	"time"

	"github.com/iago/media-jobs-back/internal/domain"
)

type Type string

const (
	TypeProgress Type = "progress"
	TypeStatus   Type = "status"
)

// Event is one progress or lifecycle notification for a job. ID is the
// cursor clients pass back to read later events.
type Event struct {
	ID       string              `json:"id"`
	JobID    string              `json:"job_id"`
	Type     Type                `json:"type"`
	Progress float64             `json:"progress"`
	Mode     domain.ProgressMode `json:"mode,omitempty"`
	Status   domain.JobStatus    `json:"status,omitempty"`
	Message  string              `json:"message,omitempty"`
	At       time.Time           `json:"at"`
}

// Publisher appends events to a job's stream.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Reader returns events recorded after cursor, oldest first. An empty cursor
// reads from the start of the retained window.
type Reader interface {
	Since(ctx context.Context, jobID, cursor string, limit int) ([]Event, error)
}

type Bus interface {
	Publisher
	Reader
}

const (
	DefaultReadLimit = 100
	MaxReadLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadLimit
	}
	if limit > MaxReadLimit {
		return MaxReadLimit
	}
	return limit
}
