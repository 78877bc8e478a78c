package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iago/media-jobs-back/internal/config"
	"github.com/iago/media-jobs-back/internal/events"
	httpserver "github.com/iago/media-jobs-back/internal/http"
	"github.com/iago/media-jobs-back/internal/http/handlers"
	"github.com/iago/media-jobs-back/internal/http/middleware"
	"github.com/iago/media-jobs-back/internal/policy"
	"github.com/iago/media-jobs-back/internal/processing"
	"github.com/iago/media-jobs-back/internal/progress"
	"github.com/iago/media-jobs-back/internal/repository"
	"github.com/iago/media-jobs-back/internal/service"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC    string           `json:"generated_at_utc"`
	Environment       string           `json:"environment"`
	ProcessingLatency string           `json:"processing_latency"`
	Results           []scenarioResult `json:"results"`
	SLOEvaluation     map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	remote *httptest.Server
	jobs   *service.JobsService
	cancel context.CancelFunc
}

func (e *benchmarkEnv) close() {
	e.server.Close()
	e.cancel()
	e.jobs.Wait()
	e.remote.Close()
}

// main drives the API in-process against a fake processing service and
// prints latency percentiles per scenario.
func main() {
	syncTotal := flag.Int("sync-total", 200, "total synchronous submissions")
	syncConcurrency := flag.Int("sync-concurrency", 24, "concurrency for synchronous submissions")
	asyncTotal := flag.Int("async-total", 300, "total asynchronous submissions")
	asyncConcurrency := flag.Int("async-concurrency", 32, "concurrency for asynchronous submissions")
	historyTotal := flag.Int("history-total", 300, "total history list requests")
	historyConcurrency := flag.Int("history-concurrency", 24, "concurrency for history list requests")
	accounts := flag.Int("accounts", 16, "distinct accounts to spread requests over")
	latency := flag.Duration("processing-latency", 50*time.Millisecond, "simulated processing service latency")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	env, err := startBenchmarkEnvironment(*latency, logger)
	if err != nil {
		logger.Error("failed to start local benchmark environment", "error", err)
		os.Exit(1)
	}
	defer env.close()

	client := &http.Client{Timeout: 30 * time.Second}
	accountFor := func(index int) string {
		return fmt.Sprintf("load-%d", index%max(*accounts, 1))
	}
	submission := func(index int) map[string]any {
		return map[string]any{
			"url":     fmt.Sprintf("https://youtu.be/load-%d", index),
			"outputs": []string{"summary", "headline", "transcript"},
		}
	}

	syncScenario := runScenario("submit_sync", *syncTotal, *syncConcurrency, func(index int) error {
		return postJSON(client, env.server.URL+"/v1/jobs", submission(index), map[string]string{
			"X-Account-Id": accountFor(index),
		}, http.StatusCreated)
	})

	asyncScenario := runScenario("submit_async", *asyncTotal, *asyncConcurrency, func(index int) error {
		return postJSON(client, env.server.URL+"/v1/jobs", submission(index), map[string]string{
			"X-Account-Id":    accountFor(index),
			"Prefer":          "respond-async",
			"Idempotency-Key": fmt.Sprintf("load-async-%d", index),
		}, http.StatusAccepted)
	})

	historyScenario := runScenario("history_list", *historyTotal, *historyConcurrency, func(index int) error {
		return getJSON(client, env.server.URL+"/v1/jobs?limit=5", accountFor(index), http.StatusOK)
	})

	results := []scenarioResult{syncScenario, asyncScenario, historyScenario}
	overhead := syncScenario.P95MS - float64(latency.Milliseconds())
	slo := map[string]bool{
		"submit_sync_overhead_p95_le_250ms": overhead <= 250,
		"submit_async_p95_le_200ms":         asyncScenario.P95MS <= 200,
		"history_list_p95_le_100ms":         historyScenario.P95MS <= 100,
		"no_errors":                         syncScenario.Errors+asyncScenario.Errors+historyScenario.Errors == 0,
	}

	report := runResult{
		GeneratedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		Environment:       "local-httptest",
		ProcessingLatency: latency.String(),
		Results:           results,
		SLOEvaluation:     slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Error("failed to marshal benchmark report", "error", err)
		os.Exit(1)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.Error("failed to write output file", "error", err)
			os.Exit(1)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(latency time.Duration, logger *slog.Logger) (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-time.After(latency):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":"load summary","headline":"load headline","transcript":"load transcript"}`))
	}))

	store := repository.NewMemoryStore()
	accounts := service.NewAccountsService(store, store, store, service.AccountsConfig{
		Limits: policy.TierLimits{FreeMB: 100, PremiumMB: 1024},
		Logger: logger,
	})
	if err := accounts.SeedPlans(ctx, config.DefaultPlans(config.Config{FreeMaxFileMB: 100, PremiumMaxFileMB: 1024})); err != nil {
		cancel()
		remote.Close()
		return nil, err
	}
	bus := events.NewLocalBus(200, time.Hour)
	relay := progress.NewRelay(store, bus, progress.Config{WriteRPS: 4, Logger: logger})
	jobs := service.NewJobsService(ctx, store, accounts, processing.NewClient(processing.ClientConfig{BaseURL: remote.URL}), relay, bus, service.JobsConfig{Logger: logger})

	session, err := middleware.NewSessionAuth(ctx, middleware.SessionConfig{Logger: logger}, accounts)
	if err != nil {
		cancel()
		remote.Close()
		return nil, err
	}
	api := handlers.NewAPI(handlers.APIConfig{Jobs: jobs, Accounts: accounts, Logger: logger})
	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Session:        session,
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	return &benchmarkEnv{
		server: httptest.NewServer(router),
		remote: remote,
		jobs:   jobs,
		cancel: cancel,
	}, nil
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	indexes := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return expect(client, request, expectedStatus)
}

func getJSON(client *http.Client, url, accountID string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Account-Id", accountID)
	return expect(client, request, expectedStatus)
}

func expect(client *http.Client, request *http.Request, expectedStatus int) error {
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
