package handlers

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/iago/media-jobs-back/internal/events"
	"github.com/iago/media-jobs-back/internal/policy"
	"github.com/iago/media-jobs-back/internal/service"
)

const (
	multipartMemoryBytes   = 32 << 20
	multipartOverheadBytes = 1 << 20
	maxJSONBodyBytes       = 1 << 20
	maxIdempotencyKeyLen   = 255
)

type submitRequest struct {
	URL          string   `json:"url"`
	Outputs      []string `json:"outputs"`
	Language     string   `json:"language,omitempty"`
	ProgressMode string   `json:"progress_mode,omitempty"`
}

// uploadFingerprint stands in for the file body when hashing a multipart
// submission for idempotency.
type uploadFingerprint struct {
	Request  submitRequest `json:"request"`
	FileName string        `json:"file_name"`
	FileSize int64         `json:"file_size"`
}

type jobView struct {
	ID           string              `json:"id"`
	Status       domain.JobStatus    `json:"status"`
	Progress     int                 `json:"progress"`
	Outputs      []domain.OutputKind `json:"selected_services"`
	InputType    domain.InputType    `json:"input_type"`
	SourceURL    string              `json:"input_url,omitempty"`
	SourceName   string              `json:"input_name,omitempty"`
	Language     string              `json:"language"`
	InputSizeMB  float64             `json:"file_size_mb,omitempty"`
	HasResult    bool                `json:"has_result"`
	ErrorMessage string              `json:"error_message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

func newJobView(job *domain.Job) jobView {
	return jobView{
		ID:           job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Outputs:      job.Outputs,
		InputType:    job.InputType,
		SourceURL:    job.SourceURL,
		SourceName:   job.SourceName,
		Language:     job.Language,
		InputSizeMB:  job.InputSizeMB,
		HasResult:    job.HasResult(),
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func jobLocation(jobID string) string {
	return "/v1/jobs/" + jobID
}

// SubmitJob accepts a JSON link submission or a multipart file upload.
// Processing runs inline unless the client sends Prefer: respond-async.
func (api *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idempotencyKey) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key is too long")
		return
	}

	limitMB := api.accounts.FileLimitMB(r.Context(), session)
	r.Body = http.MaxBytesReader(w, r.Body, submissionBodyLimit(r, limitMB))

	input, fingerprint, closeUpload, err := readSubmission(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.writeServiceError(w, r, &policy.SizeLimitError{LimitMB: limitMB})
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	mode, valid := domain.ParseProgressMode(strings.TrimSpace(strings.ToLower(fingerprint.Request.ProgressMode)))
	if !valid {
		closeUpload()
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error", "progress_mode must be observed or simulated")
		return
	}
	input.ProgressMode = mode

	if idempotencyKey != "" {
		payloadHash := hashPayload(fingerprint)
		entry, reserved := api.idempotency.Reserve(session.AccountID, idempotencyKey, payloadHash)
		if !reserved {
			closeUpload()
			api.replaySubmission(w, r, session, entry, payloadHash)
			return
		}
		input.Created = func(job *domain.Job) {
			api.idempotency.Assign(session.AccountID, idempotencyKey, payloadHash, job.ID)
		}
		defer api.idempotency.Release(session.AccountID, idempotencyKey)
	}

	if prefersAsync(r) {
		job, err := api.jobs.SubmitAsync(r.Context(), session, input)
		if err != nil {
			closeUpload()
			api.writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Location", jobLocation(job.ID))
		w.Header().Set("Preference-Applied", "respond-async")
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusAccepted, newJobView(job))
		return
	}

	defer closeUpload()
	job, err := api.jobs.Submit(r.Context(), session, input)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", jobLocation(job.ID))
	writeJSON(w, http.StatusCreated, newJobView(job))
}

// replaySubmission answers a retried Idempotency-Key with the job the first
// request created.
func (api *API) replaySubmission(
	w http.ResponseWriter,
	r *http.Request,
	session domain.Session,
	entry idempotencyEntry,
	payloadHash uint64,
) {
	if entry.PayloadHash != payloadHash {
		writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
		return
	}
	if entry.JobID == "" {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusConflict, "idempotency_conflict", "a submission with this Idempotency-Key is in progress")
		return
	}
	job, err := api.jobs.Get(r.Context(), session, entry.JobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", jobLocation(job.ID))
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, http.StatusOK, newJobView(job))
}

// submissionBodyLimit caps a multipart body at the account's file limit
// plus room for the form fields.
func submissionBodyLimit(r *http.Request, limitMB int) int64 {
	if isMultipart(r) {
		return int64(limitMB)<<20 + multipartOverheadBytes
	}
	return maxJSONBodyBytes
}

func isMultipart(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "multipart/form-data"
}

func prefersAsync(r *http.Request) bool {
	for _, value := range r.Header.Values("Prefer") {
		for _, preference := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(preference), "respond-async") {
				return true
			}
		}
	}
	return false
}

// readSubmission returns the service input, its idempotency fingerprint
// and a func that releases the uploaded file, if any.
func readSubmission(r *http.Request) (service.SubmitInput, uploadFingerprint, func(), error) {
	noop := func() {}
	if !isMultipart(r) {
		var request submitRequest
		if err := decodeJSON(r, &request); err != nil {
			return service.SubmitInput{}, uploadFingerprint{}, noop, errors.New("invalid JSON payload")
		}
		return service.SubmitInput{
			SourceURL: request.URL,
			Outputs:   request.Outputs,
			Language:  request.Language,
		}, uploadFingerprint{Request: request}, noop, nil
	}

	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return service.SubmitInput{}, uploadFingerprint{}, noop, err
		}
		return service.SubmitInput{}, uploadFingerprint{}, noop, errors.New("invalid multipart payload")
	}
	request := submitRequest{
		URL:          r.FormValue("url"),
		Outputs:      formList(r.MultipartForm, "outputs"),
		Language:     r.FormValue("language"),
		ProgressMode: r.FormValue("progress_mode"),
	}
	input := service.SubmitInput{
		SourceURL: request.URL,
		Outputs:   request.Outputs,
		Language:  request.Language,
	}
	fingerprint := uploadFingerprint{Request: request}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return input, fingerprint, noop, nil
	}
	if err != nil {
		return service.SubmitInput{}, uploadFingerprint{}, noop, errors.New("invalid file part")
	}
	input.Upload = &service.SubmitUpload{
		Name:      header.Filename,
		SizeBytes: header.Size,
		Body:      file,
	}
	fingerprint.FileName = header.Filename
	fingerprint.FileSize = header.Size
	return input, fingerprint, func() { _ = file.Close() }, nil
}

// formList accepts repeated fields and comma separated values.
func formList(form *multipart.Form, key string) []string {
	values := make([]string, 0)
	for _, raw := range form.Value[key] {
		for _, item := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				values = append(values, trimmed)
			}
		}
	}
	return values
}

func queryLimit(r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	limit, valid := queryLimit(r)
	if !valid {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}

	jobs, err := api.jobs.History(r.Context(), session, service.HistoryQuery{
		Status: domain.JobStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:  limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for index := range jobs {
		views = append(views, newJobView(&jobs[index]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (api *API) JobStats(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	stats, err := api.jobs.Stats(r.Context(), session)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	job, err := api.jobs.Get(r.Context(), session, chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (api *API) DeleteJob(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	if err := api.jobs.Delete(r.Context(), session, chi.URLParam(r, "jobID")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	job, err := api.jobs.Cancel(r.Context(), session, chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

// AbortJob releases the in-flight processing call of a submission.
func (api *API) AbortJob(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	if err := api.jobs.Abort(r.Context(), session, chi.URLParam(r, "jobID")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) JobProgress(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	view, err := api.jobs.Progress(r.Context(), session, chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// JobEvents pages through a job's progress and status events. next_cursor
// is passed back as ?after= to continue.
func (api *API) JobEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	limit, valid := queryLimit(r)
	if !valid {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("after"))

	items, err := api.jobs.Events(r.Context(), session, chi.URLParam(r, "jobID"), cursor, limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []events.Event{}
	}
	next := cursor
	if len(items) > 0 {
		next = items[len(items)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items, "next_cursor": next})
}
