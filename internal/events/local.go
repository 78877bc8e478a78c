package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrInvalidCursor = errors.New("invalid event cursor")

// LocalBus keeps a bounded ring of recent events per job in memory. It is
// used when Redis is not configured.
type LocalBus struct {
	maxLen int
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	streams   map[string]*localStream
	lastPrune time.Time
}

type localStream struct {
	seq     int64
	events  []Event
	touched time.Time
}

func NewLocalBus(maxLen int, ttl time.Duration) *LocalBus {
	if maxLen <= 0 {
		maxLen = 500
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LocalBus{
		maxLen:  maxLen,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		streams: make(map[string]*localStream),
	}
}

func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(now)
	stream, ok := b.streams[event.JobID]
	if !ok {
		stream = &localStream{}
		b.streams[event.JobID] = stream
	}
	stream.seq++
	stream.touched = now
	event.ID = strconv.FormatInt(stream.seq, 10)
	if event.At.IsZero() {
		event.At = now
	}
	stream.events = append(stream.events, event)
	if overflow := len(stream.events) - b.maxLen; overflow > 0 {
		stream.events = append([]Event(nil), stream.events[overflow:]...)
	}
	return nil
}

func (b *LocalBus) Since(ctx context.Context, jobID, cursor string, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	after := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || parsed < 0 {
			return nil, ErrInvalidCursor
		}
		after = parsed
	}
	limit = normalizeLimit(limit)

	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.streams[jobID]
	if !ok {
		return []Event{}, nil
	}
	items := make([]Event, 0)
	for _, event := range stream.events {
		seq, _ := strconv.ParseInt(event.ID, 10, 64)
		if seq <= after {
			continue
		}
		items = append(items, event)
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

// pruneLocked drops streams idle for longer than the TTL, at most once a minute.
func (b *LocalBus) pruneLocked(now time.Time) {
	if now.Sub(b.lastPrune) < time.Minute {
		return
	}
	b.lastPrune = now
	for jobID, stream := range b.streams {
		if now.Sub(stream.touched) > b.ttl {
			delete(b.streams, jobID)
		}
	}
}
