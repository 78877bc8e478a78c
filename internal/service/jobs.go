package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/iago/media-jobs-back/internal/events"
	"github.com/iago/media-jobs-back/internal/policy"
	"github.com/iago/media-jobs-back/internal/processing"
	"github.com/iago/media-jobs-back/internal/progress"
	"github.com/iago/media-jobs-back/internal/quality"
	"github.com/iago/media-jobs-back/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrSubmissionAborted = errors.New(processing.MessageCancelled)
	ErrUnknownStatus     = errors.New("unknown job status")
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_submissions_total",
		Help: "Job submissions by outcome.",
	}, []string{"outcome"})
	processingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_jobs_processing_duration_seconds",
		Help:    "Duration of processing service calls.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"outcome"})
)

// ProcessingError is a failed processing call. Message is the single
// user-facing text; Err keeps the cause for logs and classification.
type ProcessingError struct {
	JobID   string
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// UsageRecorder receives completed jobs and resolves per-session limits.
type UsageRecorder interface {
	FileLimitMB(ctx context.Context, session domain.Session) int
	RecordUsage(ctx context.Context, job *domain.Job) error
}

type SubmitUpload struct {
	Name      string
	SizeBytes int64
	Body      io.Reader
}

type SubmitInput struct {
	SourceURL    string
	Outputs      []string
	Language     string
	ProgressMode domain.ProgressMode
	Upload       *SubmitUpload
	// Created runs once the record exists, before the processing call.
	Created func(job *domain.Job)
}

type JobsConfig struct {
	MarkFailedOnError bool
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

type JobsService struct {
	repo       repository.JobsRepository
	accounts   UsageRecorder
	processor  processing.Processor
	relay      *progress.Relay
	events     events.Reader
	markFailed bool
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	inflight *inflightRegistry
	baseCtx  context.Context
	async    sync.WaitGroup
}

func NewJobsService(
	baseCtx context.Context,
	repo repository.JobsRepository,
	accounts UsageRecorder,
	processor processing.Processor,
	relay *progress.Relay,
	reader events.Reader,
	config JobsConfig,
) *JobsService {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &JobsService{
		repo:       repo,
		accounts:   accounts,
		processor:  processor,
		relay:      relay,
		events:     reader,
		markFailed: config.MarkFailedOnError,
		timeout:    config.WriteTimeout,
		logger:     config.Logger.With("component", "jobs"),
		now:        func() time.Time { return time.Now().UTC() },
		inflight:   newInflightRegistry(),
		baseCtx:    baseCtx,
	}
}

// Submit validates, records and processes one request, blocking until the
// processing service answers.
func (s *JobsService) Submit(ctx context.Context, session domain.Session, input SubmitInput) (*domain.Job, error) {
	job, request, err := s.prepare(ctx, session, input)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, job, request, input.ProgressMode)
}

// SubmitAsync records the job and processes it in the background. The
// returned job is still processing.
func (s *JobsService) SubmitAsync(ctx context.Context, session domain.Session, input SubmitInput) (*domain.Job, error) {
	job, request, err := s.prepare(ctx, session, input)
	if err != nil {
		return nil, err
	}

	s.async.Add(1)
	go func() {
		defer s.async.Done()
		if closer, ok := input.Upload.body().(io.Closer); ok {
			defer closer.Close()
		}
		if _, err := s.dispatch(s.baseCtx, job.Clone(), request, input.ProgressMode); err != nil {
			s.logger.Debug("async submission finished with error", "job_id", job.ID, "error", err)
		}
	}()
	return job, nil
}

// Wait blocks until background submissions return.
func (s *JobsService) Wait() {
	s.async.Wait()
}

// Drain waits for background submissions until ctx ends. It returns
// ctx.Err() when submissions are still running.
func (s *JobsService) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *SubmitUpload) body() io.Reader {
	if u == nil {
		return nil
	}
	return u.Body
}

func (s *JobsService) prepare(
	ctx context.Context,
	session domain.Session,
	input SubmitInput,
) (*domain.Job, processing.Request, error) {
	var (
		sourceURL string
		err       error
	)

	if input.Upload != nil {
		limitMB := s.accounts.FileLimitMB(ctx, session)
		if err := policy.CheckFileSize(input.Upload.SizeBytes, limitMB); err != nil {
			s.reject("file_size")
			return nil, processing.Request{}, err
		}
		if strings.TrimSpace(input.SourceURL) != "" {
			sourceURL, err = policy.ValidateSourceURL(input.SourceURL)
			if err != nil {
				s.reject("source")
				return nil, processing.Request{}, err
			}
		}
	} else {
		sourceURL, err = policy.ValidateSourceURL(input.SourceURL)
		if err != nil {
			s.reject("source")
			return nil, processing.Request{}, err
		}
	}

	kinds, err := policy.ValidateOutputs(input.Outputs)
	if err != nil {
		s.reject("outputs")
		return nil, processing.Request{}, err
	}
	language, err := policy.NormalizeLanguage(input.Language)
	if err != nil {
		s.reject("language")
		return nil, processing.Request{}, err
	}

	request := processing.Request{SourceURL: sourceURL, Outputs: kinds}
	now := s.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		OwnerID:   session.AccountID,
		Outputs:   kinds,
		InputType: domain.InputTypeLink,
		SourceURL: sourceURL,
		Language:  language,
		Status:    domain.JobStatusProcessing,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if input.Upload != nil {
		if s.processor.Schema() != processing.SchemaMultipart {
			s.reject("upload_schema")
			return nil, processing.Request{}, &policy.ViolationError{
				Violation: policy.Violation{Field: "file", Message: processing.ErrUploadUnsupported.Error()},
				Err:       processing.ErrUploadUnsupported,
			}
		}
		body, err := sniffUpload(input.Upload.Body)
		if err != nil {
			s.reject("media_type")
			return nil, processing.Request{}, err
		}
		request.Upload = &processing.Upload{
			Name: input.Upload.Name,
			Size: input.Upload.SizeBytes,
			Body: body,
		}
		job.InputType = domain.InputTypeFile
		job.SourceName = input.Upload.Name
		job.InputSizeMB = domain.BytesToMB(input.Upload.SizeBytes)
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, processing.Request{}, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created",
		"job_id", job.ID,
		"account_id", job.OwnerID,
		"input_type", job.InputType,
		"outputs", len(job.Outputs),
	)
	if input.Created != nil {
		input.Created(job.Clone())
	}
	return job, request, nil
}

// sniffUpload checks the leading bytes and returns a reader that still
// yields the whole file.
func sniffUpload(body io.Reader) (io.Reader, error) {
	if body == nil {
		return nil, &policy.ViolationError{
			Violation: policy.Violation{Field: "file", Message: policy.ErrEmptyFile.Error()},
			Err:       policy.ErrEmptyFile,
		}
	}
	head := make([]byte, policy.SniffHeaderSize)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if _, err := policy.SniffMedia(head); err != nil {
		return nil, err
	}
	return io.MultiReader(bytes.NewReader(head), body), nil
}

func (s *JobsService) reject(reason string) {
	submissionsTotal.WithLabelValues("rejected_" + reason).Inc()
}

func (s *JobsService) dispatch(
	ctx context.Context,
	job *domain.Job,
	request processing.Request,
	mode domain.ProgressMode,
) (*domain.Job, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.inflight.add(job.ID, job.OwnerID, cancel)
	defer s.inflight.remove(job.ID)

	s.relay.Settle(ctx, job, "")
	reporter := s.relay.Begin(job.ID, mode)
	var onProgress processing.ProgressFunc
	if reporter.Mode() == domain.ProgressObserved {
		onProgress = reporter.Report
	}

	started := time.Now()
	body, err := s.processor.Process(callCtx, request, onProgress)
	if err == nil {
		var validation quality.ResultValidation
		validation, err = quality.NormalizeResponse(body)
		if err != nil {
			err = fmt.Errorf("%w: %v", processing.ErrInvalidResponse, err)
		} else {
			processingDuration.WithLabelValues("completed").Observe(time.Since(started).Seconds())
			return s.complete(ctx, job, reporter, validation)
		}
	}
	processingDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
	return nil, s.fail(ctx, job, reporter, err)
}

func (s *JobsService) complete(
	ctx context.Context,
	job *domain.Job,
	reporter *progress.Reporter,
	validation quality.ResultValidation,
) (*domain.Job, error) {
	if missing := quality.Missing(validation.Payload, job.Outputs); len(missing) > 0 {
		s.logger.Info("processing response omitted requested outputs", "job_id", job.ID, "missing", missing)
	}
	if len(validation.Dropped) > 0 {
		s.logger.Debug("processing response fields ignored", "job_id", job.ID, "fields", validation.Dropped)
	}

	writeCtx, cancel := s.detached(ctx)
	defer cancel()

	var completed *domain.Job
	err := reporter.Finish(writeCtx, func(ctx context.Context) error {
		var transitionErr error
		completed, transitionErr = s.repo.TransitionJob(ctx, job.ID, domain.CompleteTransition(validation.Payload, s.now()))
		return transitionErr
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			submissionsTotal.WithLabelValues("result_dropped").Inc()
			s.logger.Warn("processing result dropped, job no longer processing", "job_id", job.ID, "error", err)
			current, getErr := s.repo.GetJob(writeCtx, job.ID)
			if getErr != nil {
				return nil, fmt.Errorf("complete job: %w", err)
			}
			return current, nil
		}
		submissionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("complete job: %w", err)
	}

	if err := s.accounts.RecordUsage(writeCtx, completed); err != nil {
		s.logger.Warn("record usage failed", "job_id", job.ID, "error", err)
	}
	s.relay.Settle(writeCtx, completed, "")
	submissionsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("job completed", "job_id", job.ID, "fields", len(completed.Result))
	return completed, nil
}

func (s *JobsService) fail(
	ctx context.Context,
	job *domain.Job,
	reporter *progress.Reporter,
	cause error,
) error {
	writeCtx, cancel := s.detached(ctx)
	defer cancel()

	if errors.Is(cause, processing.ErrCancelled) {
		_ = reporter.Finish(writeCtx, nil)
		submissionsTotal.WithLabelValues("aborted").Inc()
		s.logger.Info("submission aborted", "job_id", job.ID)
		if current, err := s.repo.GetJob(writeCtx, job.ID); err == nil {
			s.relay.Settle(writeCtx, current, processing.MessageCancelled)
		}
		return ErrSubmissionAborted
	}

	message := processing.UserMessage(cause)
	var statusErr *processing.StatusError
	if errors.As(cause, &statusErr) {
		s.logger.Warn("processing failed", "job_id", job.ID, "status", statusErr.StatusCode, "body", statusErr.Body)
	} else {
		s.logger.Warn("processing failed", "job_id", job.ID, "error", cause)
	}

	var failed *domain.Job
	var terminal func(context.Context) error
	if s.markFailed {
		terminal = func(ctx context.Context) error {
			var transitionErr error
			failed, transitionErr = s.repo.TransitionJob(ctx, job.ID, domain.FailTransition(message, s.now()))
			return transitionErr
		}
	}
	if err := reporter.Finish(writeCtx, terminal); err != nil {
		s.logger.Warn("mark job failed", "job_id", job.ID, "error", err)
	}
	if failed == nil {
		failed, _ = s.repo.GetJob(writeCtx, job.ID)
	}
	s.relay.Settle(writeCtx, failed, message)

	submissionsTotal.WithLabelValues("failed").Inc()
	return &ProcessingError{JobID: job.ID, Message: message, Err: cause}
}

// detached keeps terminal writes alive when the caller goes away.
func (s *JobsService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

// Abort cancels the in-flight transport of a submission. The job record is
// left as it is.
func (s *JobsService) Abort(_ context.Context, session domain.Session, jobID string) error {
	if !s.inflight.abort(jobID, session.AccountID) {
		return repository.ErrNotFound
	}
	s.logger.Info("abort requested", "job_id", jobID, "account_id", session.AccountID)
	return nil
}

// Cancel marks a processing job cancelled and resets its progress. The
// processing service is not told; a local in-flight call is released.
func (s *JobsService) Cancel(ctx context.Context, session domain.Session, jobID string) (*domain.Job, error) {
	job, err := s.Get(ctx, session, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusProcessing {
		return nil, domain.ErrInvalidTransition
	}

	cancelled, err := s.repo.TransitionJob(ctx, jobID, domain.CancelTransition(s.now()))
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.ErrInvalidTransition
		}
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	s.inflight.abort(jobID, session.AccountID)
	s.relay.Settle(ctx, cancelled, "cancelled")
	s.logger.Info("job cancelled", "job_id", jobID, "account_id", session.AccountID)
	return cancelled, nil
}

// Delete removes the owner's job. Missing ids are not an error.
func (s *JobsService) Delete(ctx context.Context, session domain.Session, jobID string) error {
	deleted, err := s.repo.DeleteJob(ctx, session.AccountID, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if deleted {
		s.inflight.abort(jobID, session.AccountID)
		s.logger.Info("job deleted", "job_id", jobID, "account_id", session.AccountID)
	}
	return nil
}

// Get returns the owner's job; other owners' jobs are reported as missing.
func (s *JobsService) Get(ctx context.Context, session domain.Session, jobID string) (*domain.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != session.AccountID {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

type HistoryQuery struct {
	Status domain.JobStatus
	Limit  int
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func (s *JobsService) History(ctx context.Context, session domain.Session, query HistoryQuery) ([]domain.Job, error) {
	if query.Status != "" && !query.Status.Valid() {
		return nil, &policy.ViolationError{
			Violation: policy.Violation{Field: "status", Message: "unknown status " + string(query.Status)},
			Err:       ErrUnknownStatus,
		}
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	jobs, err := s.repo.ListJobs(ctx, domain.JobListFilter{
		OwnerID: session.AccountID,
		Status:  query.Status,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobsService) Stats(ctx context.Context, session domain.Session) (domain.JobStats, error) {
	stats := domain.JobStats{}
	if session.Profile != nil {
		stats.TotalUsageMB = session.Profile.TotalUsageMB
	}
	since := s.now().AddDate(0, 0, -30)

	counts := []struct {
		target *int
		filter domain.JobListFilter
	}{
		{&stats.Total, domain.JobListFilter{OwnerID: session.AccountID}},
		{&stats.Completed, domain.JobListFilter{OwnerID: session.AccountID, Status: domain.JobStatusCompleted}},
		{&stats.Processing, domain.JobListFilter{OwnerID: session.AccountID, Status: domain.JobStatusProcessing}},
		{&stats.LastThirty, domain.JobListFilter{OwnerID: session.AccountID, Since: &since}},
	}
	for _, count := range counts {
		value, err := s.repo.CountJobs(ctx, count.filter)
		if err != nil {
			return domain.JobStats{}, fmt.Errorf("count jobs: %w", err)
		}
		*count.target = value
	}
	return stats, nil
}

// Results renders a completed job's payload. Jobs that are not completed
// have no fields.
func (s *JobsService) Results(ctx context.Context, session domain.Session, jobID string) ([]ResultField, error) {
	job, err := s.Get(ctx, session, jobID)
	if err != nil {
		return nil, err
	}
	if !job.HasResult() {
		return []ResultField{}, nil
	}
	return PresentResult(job.Result), nil
}

func (s *JobsService) ResultField(ctx context.Context, session domain.Session, jobID, key string) (ResultField, error) {
	fields, err := s.Results(ctx, session, jobID)
	if err != nil {
		return ResultField{}, err
	}
	key = strings.TrimSpace(key)
	for _, field := range fields {
		if field.Key == key {
			return field, nil
		}
	}
	return ResultField{}, repository.ErrNotFound
}

// ProgressView is the live indicator when one exists, otherwise the
// persisted progress.
type ProgressView struct {
	JobID     string              `json:"job_id"`
	Status    domain.JobStatus    `json:"status"`
	Progress  float64             `json:"progress"`
	Mode      domain.ProgressMode `json:"mode"`
	Live      bool                `json:"live"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (s *JobsService) Progress(ctx context.Context, session domain.Session, jobID string) (ProgressView, error) {
	job, err := s.Get(ctx, session, jobID)
	if err != nil {
		return ProgressView{}, err
	}
	view := ProgressView{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  float64(job.Progress),
		Mode:      domain.ProgressObserved,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Status != domain.JobStatusProcessing {
		return view, nil
	}
	if indicator, ok := s.relay.Snapshot(job.ID); ok && indicator.Status == domain.JobStatusProcessing {
		view.Progress = indicator.Progress
		view.Mode = indicator.Mode
		view.Live = true
		view.UpdatedAt = indicator.UpdatedAt
	}
	return view, nil
}

func (s *JobsService) Events(
	ctx context.Context,
	session domain.Session,
	jobID, cursor string,
	limit int,
) ([]events.Event, error) {
	if _, err := s.Get(ctx, session, jobID); err != nil {
		return nil, err
	}
	items, err := s.events.Since(ctx, jobID, cursor, limit)
	if err != nil {
		return nil, err
	}
	return items, nil
}
