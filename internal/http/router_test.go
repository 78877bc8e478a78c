package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/media-jobs-back/internal/config"
	"github.com/iago/media-jobs-back/internal/events"
	"github.com/iago/media-jobs-back/internal/http/handlers"
	"github.com/iago/media-jobs-back/internal/http/middleware"
	"github.com/iago/media-jobs-back/internal/policy"
	"github.com/iago/media-jobs-back/internal/processing"
	"github.com/iago/media-jobs-back/internal/progress"
	"github.com/iago/media-jobs-back/internal/repository"
	"github.com/iago/media-jobs-back/internal/service"
)

type testRuntime struct {
	server    *httptest.Server
	handler   http.Handler
	client    *http.Client
	jobs      *service.JobsService
	processed *atomic.Int32
	remote    *httptest.Server
}

type runtimeOptions struct {
	respond           http.HandlerFunc
	freeMB            int
	schema            processing.Schema
	rateLimitRPS      float64
	rateLimitBurst    int
	trustProxyHeaders bool
}

// startRuntime serves the full router over an in-memory store against a
// fake processing service driven by respond.
func startRuntime(t *testing.T, respond http.HandlerFunc) *testRuntime {
	t.Helper()
	return startRuntimeWith(t, runtimeOptions{respond: respond})
}

func startRuntimeWith(t *testing.T, options runtimeOptions) *testRuntime {
	t.Helper()
	if options.freeMB == 0 {
		options.freeMB = 100
	}
	if options.rateLimitRPS == 0 {
		options.rateLimitRPS = 20000
		options.rateLimitBurst = 20000
	}
	respond := options.respond
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	processed := &atomic.Int32{}
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		processed.Add(1)
		respond(w, r)
	}))

	store := repository.NewMemoryStore()
	accounts := service.NewAccountsService(store, store, store, service.AccountsConfig{
		Limits: policy.TierLimits{FreeMB: options.freeMB, PremiumMB: 1024},
		Logger: logger,
	})
	if err := accounts.SeedPlans(ctx, config.DefaultPlans(config.Config{FreeMaxFileMB: options.freeMB, PremiumMaxFileMB: 1024})); err != nil {
		t.Fatalf("seed plans: %v", err)
	}
	bus := events.NewLocalBus(100, time.Hour)
	relay := progress.NewRelay(store, bus, progress.Config{Logger: logger})
	client := processing.NewClient(processing.ClientConfig{BaseURL: remote.URL, Schema: options.schema})
	jobs := service.NewJobsService(ctx, store, accounts, client, relay, bus, service.JobsConfig{Logger: logger})

	session, err := middleware.NewSessionAuth(ctx, middleware.SessionConfig{Logger: logger}, accounts)
	if err != nil {
		t.Fatalf("session auth: %v", err)
	}
	api := handlers.NewAPI(handlers.APIConfig{
		Jobs:     jobs,
		Accounts: accounts,
		Checks:   map[string]handlers.Pinger{"store": store},
		Logger:   logger,
	})
	router := NewRouter(ctx, RouterDependencies{
		API:               api,
		Session:           session,
		Logger:            logger,
		CORSOrigins:       []string{"*"},
		RateLimitRPS:      options.rateLimitRPS,
		RateLimitBurst:    options.rateLimitBurst,
		TrustProxyHeaders: options.trustProxyHeaders,
	})
	server := httptest.NewServer(router)

	runtime := &testRuntime{
		server:    server,
		handler:   router,
		client:    server.Client(),
		jobs:      jobs,
		processed: processed,
		remote:    remote,
	}
	runtime.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	t.Cleanup(func() {
		server.Close()
		cancel()
		jobs.Wait()
		remote.Close()
	})
	return runtime
}

func (rt *testRuntime) do(
	t *testing.T,
	method, path string,
	payload any,
	headers map[string]string,
) (*http.Response, map[string]any, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, rt.server.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("X-Account-Id", "acct-1")
	for key, value := range headers {
		if value == "" {
			request.Header.Del(key)
			continue
		}
		request.Header.Set(key, value)
	}

	response, err := rt.client.Do(request)
	if err != nil {
		t.Fatalf("execute request: %v", err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	decoded := map[string]any{}
	if strings.HasPrefix(response.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response body (%d): %s", response.StatusCode, string(raw))
		}
	}
	return response, decoded, raw
}

func errorCode(body map[string]any) string {
	payload, _ := body["error"].(map[string]any)
	code, _ := payload["code"].(string)
	return code
}

func errorMessage(body map[string]any) string {
	payload, _ := body["error"].(map[string]any)
	message, _ := payload["message"].(string)
	return message
}

func respondJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	rt := startRuntime(t, respondJSON(`{"summary":"S","headline":"H","generated_image_openai":"https://cdn.example/x.jpg"}`))

	response, body, _ := rt.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"url":     "https://youtu.be/abc",
		"outputs": []string{"summary", "headline", "image_openai"},
	}, nil)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", response.StatusCode, body)
	}
	jobID, _ := body["id"].(string)
	if jobID == "" || body["status"] != "completed" || body["has_result"] != true {
		t.Fatalf("unexpected job body %+v", body)
	}
	if got := response.Header.Get("Location"); got != "/v1/jobs/"+jobID {
		t.Fatalf("unexpected location %q", got)
	}

	_, body, _ = rt.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/results", nil, nil)
	fields, _ := body["fields"].([]any)
	if len(fields) != 3 {
		t.Fatalf("expected 3 result fields, got %+v", body)
	}
	first, _ := fields[0].(map[string]any)
	if first["key"] != "headline" {
		t.Fatalf("expected headline first, got %+v", first)
	}

	response, _, raw := rt.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/results/summary", nil, nil)
	if response.StatusCode != http.StatusOK || string(raw) != "S" {
		t.Fatalf("expected summary attachment, got %d %q", response.StatusCode, string(raw))
	}
	if got := response.Header.Get("Content-Disposition"); !strings.Contains(got, "summary.txt") {
		t.Fatalf("unexpected content disposition %q", got)
	}

	response, _, _ = rt.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/results/generated_image_openai", nil, nil)
	if response.StatusCode != http.StatusFound || response.Header.Get("Location") != "https://cdn.example/x.jpg" {
		t.Fatalf("expected artifact redirect, got %d %q", response.StatusCode, response.Header.Get("Location"))
	}

	response, _, _ = rt.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/results/transcript", nil, nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for absent field, got %d", response.StatusCode)
	}

	_, body, _ = rt.do(t, http.MethodGet, "/v1/jobs/stats", nil, nil)
	if body["total"] != float64(1) || body["completed"] != float64(1) || body["processing"] != float64(0) {
		t.Fatalf("unexpected stats %+v", body)
	}

	_, body, _ = rt.do(t, http.MethodGet, "/v1/jobs?status=completed&limit=5", nil, nil)
	if jobs, _ := body["jobs"].([]any); len(jobs) != 1 {
		t.Fatalf("expected one completed job, got %+v", body)
	}

	_, body, _ = rt.do(t, http.MethodGet, "/v1/usage", nil, nil)
	if usage, _ := body["usage"].([]any); len(usage) != 1 {
		t.Fatalf("expected one usage record, got %+v", body)
	}

	response, _, _ = rt.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, map[string]string{"X-Account-Id": "acct-2"})
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected other accounts to get 404, got %d", response.StatusCode)
	}

	response, _, _ = rt.do(t, http.MethodDelete, "/v1/jobs/"+jobID, nil, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", response.StatusCode)
	}
	response, _, _ = rt.do(t, http.MethodDelete, "/v1/jobs/"+jobID, nil, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected repeated delete to be a no-op, got %d", response.StatusCode)
	}
	response, _, _ = rt.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", response.StatusCode)
	}
}

func TestSubmitValidationOverHTTP(t *testing.T) {
	rt := startRuntime(t, respondJSON(`{"summary":"S"}`))

	cases := []struct {
		name    string
		payload any
		headers map[string]string
		status  int
		code    string
		message string
	}{
		{
			name:    "empty url",
			payload: map[string]any{"url": " ", "outputs": []string{"summary"}},
			status:  http.StatusUnprocessableEntity,
			code:    "validation_error",
			message: "please enter video link",
		},
		{
			name:    "no outputs",
			payload: map[string]any{"url": "https://youtu.be/abc", "outputs": []string{}},
			status:  http.StatusUnprocessableEntity,
			code:    "validation_error",
			message: "select at least one service",
		},
		{
			name:    "unknown field",
			payload: map[string]any{"url": "https://youtu.be/abc", "outputs": []string{"summary"}, "extra": true},
			status:  http.StatusBadRequest,
			code:    "invalid_request",
		},
		{
			name:    "bad progress mode",
			payload: map[string]any{"url": "https://youtu.be/abc", "outputs": []string{"summary"}, "progress_mode": "guess"},
			status:  http.StatusUnprocessableEntity,
			code:    "validation_error",
		},
		{
			name:    "no account",
			payload: map[string]any{"url": "https://youtu.be/abc", "outputs": []string{"summary"}},
			headers: map[string]string{"X-Account-Id": ""},
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
		},
	}
	for _, tc := range cases {
		response, body, _ := rt.do(t, http.MethodPost, "/v1/jobs", tc.payload, tc.headers)
		if response.StatusCode != tc.status || errorCode(body) != tc.code {
			t.Fatalf("%s: expected %d %s, got %d %+v", tc.name, tc.status, tc.code, response.StatusCode, body)
		}
		if tc.message != "" && errorMessage(body) != tc.message {
			t.Fatalf("%s: expected message %q, got %q", tc.name, tc.message, errorMessage(body))
		}
		if body["request_id"] == "" {
			t.Fatalf("%s: expected request id in error body", tc.name)
		}
	}
	if rt.processed.Load() != 0 {
		t.Fatalf("expected no processing calls, got %d", rt.processed.Load())
	}
}

func TestIdempotentSubmission(t *testing.T) {
	rt := startRuntime(t, respondJSON(`{"summary":"S"}`))
	payload := map[string]any{"url": "https://youtu.be/abc", "outputs": []string{"summary"}}
	headers := map[string]string{"Idempotency-Key": "submit-0001"}

	response, first, _ := rt.do(t, http.MethodPost, "/v1/jobs", payload, headers)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", response.StatusCode)
	}
	response, replay, _ := rt.do(t, http.MethodPost, "/v1/jobs", payload, headers)
	if response.StatusCode != http.StatusOK || replay["id"] != first["id"] {
		t.Fatalf("expected replay of %v, got %d %+v", first["id"], response.StatusCode, replay)
	}
	if response.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}

	response, body, _ := rt.do(t, http.MethodPost, "/v1/jobs", map[string]any{"url": "https://youtu.be/other", "outputs": []string{"summary"}}, headers)
	if response.StatusCode != http.StatusConflict || errorCode(body) != "idempotency_conflict" {
		t.Fatalf("expected idempotency conflict, got %d %+v", response.StatusCode, body)
	}

	response, _, _ = rt.do(t, http.MethodPost, "/v1/jobs", payload, map[string]string{"Idempotency-Key": "submit-0001", "X-Account-Id": "acct-2"})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected keys to be scoped per account, got %d", response.StatusCode)
	}

	retry := map[string]string{"Idempotency-Key": "submit-0002"}
	response, _, _ = rt.do(t, http.MethodPost, "/v1/jobs", map[string]any{"url": "https://youtu.be/abc", "outputs": []string{}}, retry)
	if response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected rejected submission, got %d", response.StatusCode)
	}
	response, _, _ = rt.do(t, http.MethodPost, "/v1/jobs", payload, retry)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected a rejected submission to release its key, got %d", response.StatusCode)
	}
	if rt.processed.Load() != 3 {
		t.Fatalf("expected three processing calls, got %d", rt.processed.Load())
	}
}

func TestEmptyProcessingResponseCompletesOverHTTP(t *testing.T) {
	rt := startRuntime(t, respondJSON(`{}`))

	response, body, _ := rt.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"url":     "https://youtu.be/abc",
		"outputs": []string{"summary"},
	}, nil)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %+v", response.StatusCode, body)
	}
	if body["status"] != "completed" || body["progress"] != float64(100) || body["has_result"] != false {
		t.Fatalf("unexpected job view %+v", body)
	}

	jobID, _ := body["id"].(string)
	response, results, _ := rt.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/results", nil, nil)
	if fields, _ := results["fields"].([]any); response.StatusCode != http.StatusOK || len(fields) != 0 {
		t.Fatalf("expected empty result fields, got %d %+v", response.StatusCode, results)
	}
}

func TestIdempotentRetryWhileProcessing(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	var releaseOnce sync.Once
	rt := startRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		respondJSON(`{"summary":"S"}`)(w, r)
	})
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	payload := map[string]any{"url": "https://youtu.be/abc", "outputs": []string{"summary"}}
	headers := map[string]string{"Idempotency-Key": "retry-0001"}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	type outcome struct {
		status int
		body   map[string]any
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		request, err := http.NewRequest(http.MethodPost, rt.server.URL+"/v1/jobs", bytes.NewReader(encoded))
		if err != nil {
			first <- outcome{err: err}
			return
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("X-Account-Id", "acct-1")
		request.Header.Set("Idempotency-Key", "retry-0001")
		response, err := rt.client.Do(request)
		if err != nil {
			first <- outcome{err: err}
			return
		}
		defer response.Body.Close()
		decoded := map[string]any{}
		err = json.NewDecoder(response.Body).Decode(&decoded)
		first <- outcome{status: response.StatusCode, body: decoded, err: err}
	}()

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatalf("processing call never started")
	}

	response, replay, _ := rt.do(t, http.MethodPost, "/v1/jobs", payload, headers)
	if response.StatusCode != http.StatusOK || response.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay while the first call runs, got %d %+v", response.StatusCode, replay)
	}
	if replay["status"] != "processing" {
		t.Fatalf("expected the replayed job to be processing, got %+v", replay)
	}

	releaseOnce.Do(func() { close(release) })
	var result outcome
	select {
	case result = <-first:
	case <-time.After(5 * time.Second):
		t.Fatalf("first submission never returned")
	}
	if result.err != nil || result.status != http.StatusCreated {
		t.Fatalf("expected first submission to complete, got %d %v", result.status, result.err)
	}
	if result.body["id"] != replay["id"] {
		t.Fatalf("expected one job, got %v and %v", result.body["id"], replay["id"])
	}
	if rt.processed.Load() != 1 {
		t.Fatalf("expected one processing call, got %d", rt.processed.Load())
	}
}

func multipartUpload(t *testing.T, size int, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", "clip.mp4")
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	content := make([]byte, size)
	copy(content, []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'})
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestUploadBodyIsCappedAtTierLimit(t *testing.T) {
	rt := startRuntimeWith(t, runtimeOptions{
		respond: respondJSON(`{"summary":"S"}`),
		freeMB:  1,
		schema:  processing.SchemaMultipart,
	})

	serve := func(size int) (*httptest.ResponseRecorder, map[string]any) {
		body, contentType := multipartUpload(t, size, map[string]string{"outputs": "summary"})
		request := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
		request.Header.Set("Content-Type", contentType)
		request.Header.Set("X-Account-Id", "acct-1")
		recorder := httptest.NewRecorder()
		rt.handler.ServeHTTP(recorder, request)
		decoded := map[string]any{}
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response (%d): %s", recorder.Code, recorder.Body.String())
		}
		return recorder, decoded
	}

	recorder, body := serve(3 << 20)
	if recorder.Code != http.StatusRequestEntityTooLarge || errorCode(body) != "file_too_large" {
		t.Fatalf("expected 413 file_too_large, got %d %+v", recorder.Code, body)
	}
	if errorMessage(body) != "file must not exceed 1 MB" {
		t.Fatalf("unexpected message %q", errorMessage(body))
	}
	if rt.processed.Load() != 0 {
		t.Fatalf("expected no processing calls, got %d", rt.processed.Load())
	}
	response, list, _ := rt.do(t, http.MethodGet, "/v1/jobs", nil, nil)
	if jobs, _ := list["jobs"].([]any); response.StatusCode != http.StatusOK || len(jobs) != 0 {
		t.Fatalf("expected no job records, got %d %+v", response.StatusCode, list)
	}

	recorder, body = serve(512 << 10)
	if recorder.Code != http.StatusCreated || body["input_type"] != "file" {
		t.Fatalf("expected upload within the limit to be accepted, got %d %+v", recorder.Code, body)
	}
}

func TestRateLimitKeysOnPeerAddress(t *testing.T) {
	options := runtimeOptions{respond: respondJSON(`{}`), rateLimitRPS: 0.001, rateLimitBurst: 1}
	rt := startRuntimeWith(t, options)

	response, _, _ := rt.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Forwarded-For": "203.0.113.1"})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", response.StatusCode)
	}
	response, body, _ := rt.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Forwarded-For": "203.0.113.2"})
	if response.StatusCode != http.StatusTooManyRequests || errorCode(body) != "rate_limited" {
		t.Fatalf("expected forwarded header to be ignored, got %d %+v", response.StatusCode, body)
	}

	options.trustProxyHeaders = true
	trusted := startRuntimeWith(t, options)
	for _, forwarded := range []string{"203.0.113.1", "203.0.113.2"} {
		response, _, _ := trusted.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Forwarded-For": forwarded})
		if response.StatusCode != http.StatusOK {
			t.Fatalf("expected %s to get its own bucket behind a trusted proxy, got %d", forwarded, response.StatusCode)
		}
	}
}

func TestProcessingFailureAndCancel(t *testing.T) {
	rt := startRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	response, body, _ := rt.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"url":     "https://youtu.be/abc",
		"outputs": []string{"summary"},
	}, nil)
	if response.StatusCode != http.StatusBadGateway || errorCode(body) != "processing_failed" {
		t.Fatalf("expected processing_failed, got %d %+v", response.StatusCode, body)
	}
	if errorMessage(body) != processing.MessageConnection {
		t.Fatalf("unexpected message %q", errorMessage(body))
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("expected job id in failure body")
	}

	_, job, _ := rt.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, nil)
	if job["status"] != "processing" {
		t.Fatalf("expected status to stay processing, got %+v", job)
	}

	response, job, _ = rt.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, nil)
	if response.StatusCode != http.StatusOK || job["status"] != "cancelled" || job["progress"] != float64(0) {
		t.Fatalf("expected cancelled job, got %d %+v", response.StatusCode, job)
	}
	response, body, _ = rt.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, nil)
	if response.StatusCode != http.StatusConflict || errorCode(body) != "invalid_transition" {
		t.Fatalf("expected 409 on second cancel, got %d %+v", response.StatusCode, body)
	}
	response, _, _ = rt.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/abort", nil, nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected abort without in-flight call to be 404, got %d", response.StatusCode)
	}
}

func TestAsyncSubmissionProgressAndEvents(t *testing.T) {
	release := make(chan struct{})
	rt := startRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcript":"T"}`))
	})

	response, body, _ := rt.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"url":           "https://youtu.be/abc",
		"outputs":       []string{"transcript"},
		"progress_mode": "simulated",
	}, map[string]string{"Prefer": "respond-async"})
	if response.StatusCode != http.StatusAccepted || body["status"] != "processing" {
		t.Fatalf("expected 202 processing, got %d %+v", response.StatusCode, body)
	}
	if response.Header.Get("Preference-Applied") != "respond-async" {
		t.Fatalf("expected Preference-Applied header")
	}
	jobID, _ := body["id"].(string)

	waitUntil := time.Now().Add(5 * time.Second)
	for {
		_, view, _ := rt.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/progress", nil, nil)
		if view["status"] != "processing" {
			t.Fatalf("expected job to stay processing until released, got %+v", view)
		}
		if view["live"] == true {
			if view["mode"] != "simulated" {
				t.Fatalf("expected simulated indicator, got %+v", view)
			}
			break
		}
		if time.Now().After(waitUntil) {
			t.Fatalf("timeout waiting for live indicator, last %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, job, _ := rt.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, nil)
		if job["status"] == "completed" {
			if job["progress"] != float64(100) {
				t.Fatalf("expected progress 100 on completion, got %+v", job)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for completion, last %+v", job)
		}
		time.Sleep(20 * time.Millisecond)
	}

	_, page, _ := rt.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/events", nil, nil)
	items, _ := page["events"].([]any)
	if len(items) == 0 {
		t.Fatalf("expected events, got %+v", page)
	}
	last, _ := items[len(items)-1].(map[string]any)
	if last["type"] != "status" || last["status"] != "completed" {
		t.Fatalf("expected final completed status event, got %+v", last)
	}
	cursor, _ := page["next_cursor"].(string)
	_, page, _ = rt.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%s/events?after=%s", jobID, cursor), nil, nil)
	if rest, _ := page["events"].([]any); len(rest) != 0 {
		t.Fatalf("expected no events after the last cursor, got %+v", rest)
	}

	response, body, _ = rt.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/events?after=nope", nil, nil)
	if response.StatusCode != http.StatusBadRequest || errorCode(body) != "invalid_request" {
		t.Fatalf("expected invalid cursor to be rejected, got %d %+v", response.StatusCode, body)
	}
}

func TestAccountsOverHTTP(t *testing.T) {
	rt := startRuntime(t, respondJSON(`{"summary":"S"}`))

	response, profile, _ := rt.do(t, http.MethodGet, "/v1/profile", nil, nil)
	if response.StatusCode != http.StatusOK || profile["subscription_type"] != "free" || profile["max_file_size_mb"] != float64(100) {
		t.Fatalf("unexpected profile %d %+v", response.StatusCode, profile)
	}

	response, body, _ := rt.do(t, http.MethodPatch, "/v1/profile", map[string]any{"full_name": "  "}, nil)
	if response.StatusCode != http.StatusUnprocessableEntity || errorMessage(body) != "full name is required" {
		t.Fatalf("expected full name validation, got %d %+v", response.StatusCode, body)
	}
	_, profile, _ = rt.do(t, http.MethodPatch, "/v1/profile", map[string]any{"full_name": " Sara "}, nil)
	if profile["full_name"] != "Sara" {
		t.Fatalf("expected trimmed name, got %+v", profile)
	}

	response, body, _ = rt.do(t, http.MethodPost, "/v1/uploads/check", map[string]any{"size_bytes": 150 << 20}, nil)
	if response.StatusCode != http.StatusRequestEntityTooLarge || errorMessage(body) != "file must not exceed 100 MB" {
		t.Fatalf("expected 413 for free tier, got %d %+v", response.StatusCode, body)
	}

	_, plans, _ := rt.do(t, http.MethodGet, "/v1/plans", nil, map[string]string{"X-Account-Id": ""})
	if items, _ := plans["plans"].([]any); len(items) != 2 {
		t.Fatalf("expected two seeded plans, got %+v", plans)
	}

	_, profile, _ = rt.do(t, http.MethodPost, "/v1/subscription", map[string]any{"plan_id": "premium-monthly"}, nil)
	if profile["effective_tier"] != "premium" || profile["max_file_size_mb"] != float64(1024) || profile["subscription_expires_at"] == nil {
		t.Fatalf("expected premium profile, got %+v", profile)
	}

	response, check, _ := rt.do(t, http.MethodPost, "/v1/uploads/check", map[string]any{"size_bytes": 150 << 20}, nil)
	if response.StatusCode != http.StatusOK || check["allowed"] != true {
		t.Fatalf("expected premium upload to be allowed, got %d %+v", response.StatusCode, check)
	}

	response, body, _ = rt.do(t, http.MethodPost, "/v1/subscription", map[string]any{"plan_id": "gold"}, nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected unknown plan to be 404, got %d %+v", response.StatusCode, body)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	rt := startRuntime(t, respondJSON(`{"summary":"S"}`))

	response, body, _ := rt.do(t, http.MethodGet, "/healthz", nil, nil)
	if response.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected healthz %d %+v", response.StatusCode, body)
	}
	response, body, _ = rt.do(t, http.MethodGet, "/readyz", nil, nil)
	if response.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected readyz %d %+v", response.StatusCode, body)
	}
	if response.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	_, catalog, _ := rt.do(t, http.MethodGet, "/v1/outputs", nil, nil)
	if outputs, _ := catalog["outputs"].([]any); len(outputs) != 10 {
		t.Fatalf("expected ten output kinds, got %+v", catalog)
	}

	response, body, _ = rt.do(t, http.MethodGet, "/v1/nowhere", nil, nil)
	if response.StatusCode != http.StatusNotFound || errorCode(body) != "not_found" {
		t.Fatalf("expected JSON 404, got %d %+v", response.StatusCode, body)
	}

	response, _, raw := rt.do(t, http.MethodGet, "/metrics", nil, nil)
	if response.StatusCode != http.StatusOK || !strings.Contains(string(raw), "media_jobs_http_requests_total") {
		t.Fatalf("expected prometheus exposition with http metrics, got %d", response.StatusCode)
	}
}
