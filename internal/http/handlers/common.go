package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/iago/media-jobs-back/internal/cache"
	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/iago/media-jobs-back/internal/events"
	"github.com/iago/media-jobs-back/internal/http/middleware"
	"github.com/iago/media-jobs-back/internal/policy"
	"github.com/iago/media-jobs-back/internal/processing"
	"github.com/iago/media-jobs-back/internal/repository"
	"github.com/iago/media-jobs-back/internal/service"
)

var errInvalidPayload = errors.New("invalid payload")

const (
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultIdempotencyEntries = 10000
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type APIConfig struct {
	Jobs     *service.JobsService
	Accounts *service.AccountsService
	// Checks are pinged by /readyz, keyed by the name reported on failure.
	Checks         map[string]Pinger
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

type API struct {
	jobs        *service.JobsService
	accounts    *service.AccountsService
	checks      map[string]Pinger
	idempotency *idempotencyStore
	logger      *slog.Logger
}

func NewAPI(config APIConfig) *API {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &API{
		jobs:        config.Jobs,
		accounts:    config.Accounts,
		checks:      config.Checks,
		idempotency: newIdempotencyStore(config.IdempotencyTTL),
		logger:      config.Logger.With("component", "api"),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	JobID     string `json:"job_id,omitempty"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJobError(w, r, statusCode, code, message, "")
}

func writeJobError(w http.ResponseWriter, r *http.Request, statusCode int, code, message, jobID string) {
	payload := errorPayload{JobID: jobID, RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// statusClientClosedRequest is the nginx convention for a request the
// client gave up on.
const statusClientClosedRequest = 499

// writeServiceError maps service and policy errors onto the error envelope.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		sizeErr       *policy.SizeLimitError
		violation     *policy.ViolationError
		processingErr *service.ProcessingError
		remoteInvalid *processing.ValidationError
	)

	switch {
	case errors.As(err, &sizeErr):
		writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large", sizeErr.Error())
	case errors.Is(err, policy.ErrUnsupportedMedia):
		writeError(w, r, http.StatusUnsupportedMediaType, "unsupported_media", policy.ErrUnsupportedMedia.Error())
	case errors.As(err, &violation):
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error", violation.Violation.Message)
	case errors.Is(err, service.ErrPlanUnavailable):
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error", service.ErrPlanUnavailable.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "invalid_transition", "job is not processing")
	case errors.Is(err, events.ErrInvalidCursor):
		writeError(w, r, http.StatusBadRequest, "invalid_request", events.ErrInvalidCursor.Error())
	case errors.Is(err, service.ErrSubmissionAborted):
		writeError(w, r, statusClientClosedRequest, "request_cancelled", processing.MessageCancelled)
	case errors.As(err, &processingErr) && errors.As(err, &remoteInvalid):
		writeJobError(w, r, http.StatusUnprocessableEntity, "validation_error", processingErr.Message, processingErr.JobID)
	case errors.As(err, &processingErr):
		writeJobError(w, r, http.StatusBadGateway, "processing_failed", processingErr.Message, processingErr.JobID)
	default:
		api.logger.Error("request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// session is set by the session middleware on every /v1 route.
func (api *API) session(w http.ResponseWriter, r *http.Request) (domain.Session, bool) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return domain.Session{}, false
	}
	return session, true
}

type idempotencyEntry struct {
	PayloadHash uint64
	// JobID is empty while the submission is still being validated.
	JobID     string
	CreatedAt time.Time
}

// idempotencyStore remembers which job a submission key produced. Keys
// are scoped per account and expire after the configured TTL. A key is
// reserved before the submission runs so concurrent retries see it.
type idempotencyStore struct {
	mu      sync.Mutex
	entries *cache.TTL[string, idempotencyEntry]
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &idempotencyStore{
		entries: cache.NewTTL[string, idempotencyEntry](cache.Config{
			Name:       "idempotency",
			TTL:        ttl,
			MaxEntries: defaultIdempotencyEntries,
		}),
	}
}

func idempotencyCacheKey(accountID, key string) string {
	return accountID + ":" + key
}

// Reserve claims key for a new submission. When the key is already held it
// returns the existing entry and false.
func (s *idempotencyStore) Reserve(accountID, key string, payloadHash uint64) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cacheKey := idempotencyCacheKey(accountID, key)
	if entry, exists := s.entries.Get(cacheKey); exists {
		return entry, false
	}
	s.entries.Set(cacheKey, idempotencyEntry{PayloadHash: payloadHash, CreatedAt: time.Now().UTC()})
	return idempotencyEntry{}, true
}

// Assign binds a reserved key to the job the submission created.
func (s *idempotencyStore) Assign(accountID, key string, payloadHash uint64, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cacheKey := idempotencyCacheKey(accountID, key)
	entry, exists := s.entries.Get(cacheKey)
	if !exists {
		entry = idempotencyEntry{PayloadHash: payloadHash, CreatedAt: time.Now().UTC()}
	}
	entry.JobID = jobID
	s.entries.Set(cacheKey, entry)
}

// Release frees a reservation that never produced a job.
func (s *idempotencyStore) Release(accountID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cacheKey := idempotencyCacheKey(accountID, key)
	if entry, exists := s.entries.Get(cacheKey); exists && entry.JobID == "" {
		s.entries.Delete(cacheKey)
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not_found", "route not found")
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
