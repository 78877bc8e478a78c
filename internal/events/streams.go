package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	MaxLen   int64
	TTL      time.Duration
}

// StreamsBus stores each job's events in its own Redis stream, trimmed to
// roughly MaxLen entries and expired TTL after the last write.
type StreamsBus struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
}

func NewStreamsBus(ctx context.Context, cfg StreamsConfig) (*StreamsBus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newStreamsBus(client, cfg), nil
}

func newStreamsBus(client *redis.Client, cfg StreamsConfig) *StreamsBus {
	if cfg.Prefix == "" {
		cfg.Prefix = "job_events:"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 500
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &StreamsBus{
		client: client,
		prefix: cfg.Prefix,
		maxLen: cfg.MaxLen,
		ttl:    cfg.TTL,
	}
}

func (b *StreamsBus) Close() error {
	return b.client.Close()
}

func (b *StreamsBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *StreamsBus) key(jobID string) string {
	return b.prefix + jobID
}

func (b *StreamsBus) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	key := b.key(event.JobID)

	pipeline := b.client.TxPipeline()
	pipeline.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":   event.JobID,
			"type":     string(event.Type),
			"progress": strconv.FormatFloat(event.Progress, 'f', 2, 64),
			"mode":     string(event.Mode),
			"status":   string(event.Status),
			"message":  event.Message,
			"at":       event.At.UTC().Format(time.RFC3339Nano),
		},
	})
	pipeline.Expire(ctx, key, b.ttl)
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

func (b *StreamsBus) Since(ctx context.Context, jobID, cursor string, limit int) ([]Event, error) {
	start := "-"
	if cursor != "" {
		if !validStreamID(cursor) {
			return nil, ErrInvalidCursor
		}
		start = "(" + cursor
	}

	messages, err := b.client.XRangeN(ctx, b.key(jobID), start, "+", int64(normalizeLimit(limit))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("read job events: %w", err)
	}

	items := make([]Event, 0, len(messages))
	for _, message := range messages {
		event, parseErr := parseStreamEvent(message)
		if parseErr != nil {
			continue
		}
		items = append(items, event)
	}
	return items, nil
}

func validStreamID(value string) bool {
	parts := strings.SplitN(value, "-", 2)
	for _, part := range parts {
		if _, err := strconv.ParseUint(part, 10, 64); err != nil {
			return false
		}
	}
	return true
}

func parseStreamEvent(item redis.XMessage) (Event, error) {
	getString := func(key string) string {
		value, ok := item.Values[key]
		if !ok {
			return ""
		}
		switch casted := value.(type) {
		case string:
			return casted
		case []byte:
			return string(casted)
		default:
			return fmt.Sprintf("%v", casted)
		}
	}

	jobID := getString("job_id")
	if jobID == "" {
		return Event{}, errors.New("missing field job_id")
	}
	progress, err := strconv.ParseFloat(getString("progress"), 64)
	if err != nil {
		return Event{}, fmt.Errorf("invalid progress: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, getString("at"))
	if err != nil {
		return Event{}, fmt.Errorf("invalid at: %w", err)
	}

	return Event{
		ID:       item.ID,
		JobID:    jobID,
		Type:     Type(getString("type")),
		Progress: progress,
		Mode:     domain.ProgressMode(getString("mode")),
		Status:   domain.JobStatus(getString("status")),
		Message:  getString("message"),
		At:       at,
	}, nil
}
