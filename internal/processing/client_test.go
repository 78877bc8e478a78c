package processing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/media-jobs-back/internal/domain"
)

func TestProcessJSONSendsExternalFieldFlags(t *testing.T) {
	var captured struct {
		URL     string          `json:"url"`
		Outputs map[string]bool `json:"outputs"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %s", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"summary":"ok"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	body, err := client.Process(context.Background(), Request{
		SourceURL: "https://youtu.be/abc",
		Outputs:   []domain.OutputKind{domain.OutputSummary, domain.OutputImageFal},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"summary":"ok"}` {
		t.Fatalf("unexpected body %s", body)
	}
	if captured.URL != "https://youtu.be/abc" {
		t.Fatalf("unexpected url %q", captured.URL)
	}
	if !captured.Outputs["summary"] || !captured.Outputs["generated_image_fal"] {
		t.Fatalf("expected requested flags, got %v", captured.Outputs)
	}
	if captured.Outputs["transcript"] {
		t.Fatalf("did not expect transcript flag, got %v", captured.Outputs)
	}
}

func TestProcessJSONRejectsUpload(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Process(context.Background(), Request{
		Outputs: []domain.OutputKind{domain.OutputSummary},
		Upload:  &Upload{Name: "clip.mp4", Size: 3, Body: strings.NewReader("abc")},
	}, nil)
	if !errors.Is(err, ErrUploadUnsupported) {
		t.Fatalf("expected upload unsupported, got %v", err)
	}
}

func TestProcessMultipartSendsOnlyTrueLegacyFlags(t *testing.T) {
	var (
		mu     sync.Mutex
		fields map[string][]string
		file   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		uploaded, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			content, _ := io.ReadAll(uploaded)
			mu.Lock()
			file = string(content)
			mu.Unlock()
		}
		mu.Lock()
		fields = r.MultipartForm.Value
		mu.Unlock()
		_, _ = w.Write([]byte(`{"transcript":"hello"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Schema: SchemaMultipart})
	_, err := client.Process(context.Background(), Request{
		Outputs: []domain.OutputKind{domain.OutputTranscript, domain.OutputSRTOriginal},
		Upload:  &Upload{Name: "clip.mp4", Size: 11, Body: strings.NewReader("video-bytes")},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if file != "video-bytes" {
		t.Fatalf("unexpected uploaded content %q", file)
	}
	if _, ok := fields["url"]; ok {
		t.Fatalf("did not expect url field for uploads, got %v", fields)
	}
	for name, values := range fields {
		if len(values) != 1 || values[0] != "true" {
			t.Fatalf("expected only true flags, got %s=%v", name, values)
		}
	}
	if len(fields) == 0 {
		t.Fatalf("expected at least one legacy flag")
	}
}

func TestProcessReportsUploadProgressUpToHundred(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"summary":"done"}`))
	}))
	defer server.Close()

	var (
		mu      sync.Mutex
		reports []float64
	)
	client := NewClient(ClientConfig{BaseURL: server.URL, Schema: SchemaMultipart})
	payload := strings.Repeat("x", 64*1024)
	_, err := client.Process(context.Background(), Request{
		Outputs: []domain.OutputKind{domain.OutputSummary},
		Upload:  &Upload{Name: "clip.mp4", Size: int64(len(payload)), Body: strings.NewReader(payload)},
	}, func(percent float64) {
		mu.Lock()
		reports = append(reports, percent)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) == 0 {
		t.Fatalf("expected progress reports")
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] < reports[i-1] {
			t.Fatalf("expected non-decreasing progress, got %v", reports)
		}
	}
	if reports[len(reports)-1] != 100 {
		t.Fatalf("expected final report of 100, got %v", reports[len(reports)-1])
	}
}

func TestProcessJoinsValidationMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":[{"loc":["body","url"],"msg":"field required","type":"missing"},{"loc":["body"],"msg":"bad outputs","type":"value_error"}]}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	_, err := client.Process(context.Background(), Request{SourceURL: "https://x.test/v"}, nil)

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if UserMessage(err) != "field required, bad outputs" {
		t.Fatalf("unexpected message %q", UserMessage(err))
	}
}

func TestProcessUnstructuredValidationFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	_, err := client.Process(context.Background(), Request{SourceURL: "https://x.test/v"}, nil)
	if UserMessage(err) != MessageInvalidInput {
		t.Fatalf("expected fallback message, got %q", UserMessage(err))
	}
}

func TestProcessServerErrorIsConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`boom`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	_, err := client.Process(context.Background(), Request{SourceURL: "https://x.test/v"}, nil)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status error, got %v", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if UserMessage(err) != MessageConnection {
		t.Fatalf("unexpected message %q", UserMessage(err))
	}
}

func TestProcessInvalidSuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	_, err := client.Process(context.Background(), Request{SourceURL: "https://x.test/v"}, nil)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestProcessCancellationYieldsCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	_, err := client.Process(ctx, Request{SourceURL: "https://x.test/v"}, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if UserMessage(err) != MessageCancelled {
		t.Fatalf("unexpected message %q", UserMessage(err))
	}
}

func TestNewClientDefaultsPathBySchema(t *testing.T) {
	if got := NewClient(ClientConfig{}).endpoint; got != "http://localhost:8000/process" {
		t.Fatalf("unexpected json endpoint %s", got)
	}
	if got := NewClient(ClientConfig{Schema: SchemaMultipart, BaseURL: "http://svc/"}).endpoint; got != "http://svc/analyze/" {
		t.Fatalf("unexpected multipart endpoint %s", got)
	}
}
