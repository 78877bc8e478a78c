package domain

import (
	"errors"
	"time"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses only leave through deletion.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type InputType string

const (
	InputTypeLink InputType = "link"
	InputTypeFile InputType = "file"
)

// ResultPayload maps a processing response field to its text or artifact URL.
type ResultPayload map[string]string

func (p ResultPayload) Clone() ResultPayload {
	if p == nil {
		return nil
	}
	clone := make(ResultPayload, len(p))
	for key, value := range p {
		clone[key] = value
	}
	return clone
}

// Job is one processing request and its lifecycle.
type Job struct {
	ID           string
	OwnerID      string
	Outputs      []OutputKind
	InputType    InputType
	SourceURL    string
	SourceName   string
	Language     string
	InputSizeMB  float64
	Status       JobStatus
	Progress     int
	Result       ResultPayload
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// ServiceType is the first requested output, recorded on usage rows.
func (j *Job) ServiceType() OutputKind {
	if len(j.Outputs) == 0 {
		return ""
	}
	return j.Outputs[0]
}

func (j *Job) HasResult() bool {
	return j.Status == JobStatusCompleted && len(j.Result) > 0
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Outputs = append([]OutputKind(nil), j.Outputs...)
	clone.Result = j.Result.Clone()
	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}

// JobTransition is a conditional status change applied by repositories.
// The update only lands when the stored status equals From.
type JobTransition struct {
	From         JobStatus
	To           JobStatus
	Progress     *int
	Result       ResultPayload
	ErrorMessage string
	CompletedAt  *time.Time
	At           time.Time
}

func (t JobTransition) Validate() error {
	if !CanTransition(t.From, t.To) {
		return ErrInvalidTransition
	}
	if t.To == JobStatusCompleted && t.Result == nil {
		return errors.New("completed jobs carry a result payload")
	}
	if t.To != JobStatusCompleted && len(t.Result) > 0 {
		return errors.New("result payload is set only for completed jobs")
	}
	if (t.To == JobStatusFailed) != (t.ErrorMessage != "") {
		return errors.New("error detail is set only for failed jobs")
	}
	return nil
}

// Apply mutates job in place; callers check From beforehand.
func (t JobTransition) Apply(job *Job) {
	job.Status = t.To
	if t.Progress != nil {
		job.Progress = *t.Progress
	}
	job.Result = t.Result.Clone()
	job.ErrorMessage = t.ErrorMessage
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		job.CompletedAt = &completedAt
	}
	job.UpdatedAt = t.At
}

func CompleteTransition(result ResultPayload, at time.Time) JobTransition {
	progress := 100
	return JobTransition{
		From:        JobStatusProcessing,
		To:          JobStatusCompleted,
		Progress:    &progress,
		Result:      result,
		CompletedAt: &at,
		At:          at,
	}
}

func FailTransition(message string, at time.Time) JobTransition {
	return JobTransition{
		From:         JobStatusProcessing,
		To:           JobStatusFailed,
		ErrorMessage: message,
		CompletedAt:  &at,
		At:           at,
	}
}

func CancelTransition(at time.Time) JobTransition {
	progress := 0
	return JobTransition{
		From:     JobStatusProcessing,
		To:       JobStatusCancelled,
		Progress: &progress,
		At:       at,
	}
}

type JobListFilter struct {
	OwnerID string
	Status  JobStatus
	Since   *time.Time
	Limit   int
}

type JobStats struct {
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Processing   int     `json:"processing"`
	LastThirty   int     `json:"last_30_days"`
	TotalUsageMB float64 `json:"total_usage_mb"`
}

// ProgressMode tells whether a progress value came from the transport or
// from the simulator.
type ProgressMode string

const (
	ProgressObserved  ProgressMode = "observed"
	ProgressSimulated ProgressMode = "simulated"
)

func ParseProgressMode(value string) (ProgressMode, bool) {
	switch ProgressMode(value) {
	case "", ProgressObserved:
		return ProgressObserved, true
	case ProgressSimulated:
		return ProgressSimulated, true
	}
	return "", false
}
