package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iago/media-jobs-back/internal/domain"
)

var ErrUploadUnsupported = errors.New("file uploads require the multipart processing schema")

// Upload is a media file streamed to the processing service.
type Upload struct {
	Name string
	Size int64
	Body io.Reader
}

type Request struct {
	SourceURL string
	Outputs   []domain.OutputKind
	Upload    *Upload
}

// Processor performs one processing call and returns the raw 2xx body.
type Processor interface {
	Process(ctx context.Context, request Request, onProgress ProgressFunc) ([]byte, error)
	Schema() Schema
}

type ClientConfig struct {
	BaseURL string
	Path    string
	Schema  Schema
	// Timeout of zero waits indefinitely for the response.
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

type Client struct {
	endpoint   string
	schema     Schema
	timeout    time.Duration
	httpClient *http.Client
	userAgent  string
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:8000"
	}
	if config.Schema == "" {
		config.Schema = SchemaJSON
	}
	if strings.TrimSpace(config.Path) == "" {
		config.Path = "/process"
		if config.Schema == SchemaMultipart {
			config.Path = "/analyze/"
		}
	}
	if !strings.HasPrefix(config.Path, "/") {
		config.Path = "/" + config.Path
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.UserAgent == "" {
		config.UserAgent = "media-jobs-back/1"
	}

	return &Client{
		endpoint:   strings.TrimSuffix(config.BaseURL, "/") + config.Path,
		schema:     config.Schema,
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		userAgent:  config.UserAgent,
	}
}

func (c *Client) Schema() Schema {
	return c.schema
}

// Process issues exactly one request. Cancelling ctx aborts the transport and
// yields ErrCancelled; nothing is retried.
func (c *Client) Process(ctx context.Context, request Request, onProgress ProgressFunc) ([]byte, error) {
	var (
		body encodedBody
		err  error
	)
	switch c.schema {
	case SchemaMultipart:
		body, err = encodeMultipart(request)
	default:
		body, err = encodeJSON(request)
	}
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpRequest, err := http.NewRequestWithContext(
		callCtx,
		http.MethodPost,
		c.endpoint,
		io.NopCloser(newProgressReader(body.Reader, body.Length, onProgress)),
	)
	if err != nil {
		return nil, fmt.Errorf("create processing request: %w", err)
	}
	httpRequest.ContentLength = body.Length
	httpRequest.Header.Set("Content-Type", body.ContentType)
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("User-Agent", c.userAgent)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	switch {
	case httpResponse.StatusCode >= 200 && httpResponse.StatusCode <= 299:
		if !json.Valid(responseBody) {
			return nil, ErrInvalidResponse
		}
		return responseBody, nil
	case httpResponse.StatusCode == http.StatusUnprocessableEntity:
		return nil, parseValidationError(responseBody)
	default:
		message := strings.TrimSpace(string(responseBody))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, &StatusError{StatusCode: httpResponse.StatusCode, Body: message}
	}
}

func parseValidationError(body []byte) error {
	var payload struct {
		Detail []FieldError `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &ValidationError{}
	}
	return &ValidationError{Details: payload.Detail}
}
