package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RequestID(RateLimit(ctx, RateLimitConfig{RPS: 0.5, Burst: 2})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		request.RemoteAddr = "203.0.113.7:5000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		codes = append(codes, recorder.Code)
		if i == 2 {
			if got := recorder.Header().Get("Retry-After"); got != "2" {
				t.Fatalf("expected Retry-After 2, got %q", got)
			}
			if got := recorder.Header().Get("Content-Type"); got != "application/json" {
				t.Fatalf("expected JSON error body, got %q", got)
			}
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	request.RemoteAddr = "198.51.100.1:5000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per ip, got %d", recorder.Code)
	}
}

func TestVisitorsSweepDropsIdleEntries(t *testing.T) {
	pool := newVisitors(RateLimitConfig{})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }

	pool.limiter("a")
	now = now.Add(2 * time.Minute)
	pool.limiter("b")
	now = now.Add(2 * time.Minute)
	pool.sweep()

	if _, ok := pool.items["a"]; ok {
		t.Fatalf("expected idle visitor to be swept")
	}
	if _, ok := pool.items["b"]; !ok {
		t.Fatalf("expected recent visitor to be kept")
	}
}
