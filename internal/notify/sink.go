package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSinkFull is returned when a channel sink's consumer has fallen behind
var ErrSinkFull = errors.New("notification channel is full")

// Sink delivers notifications to one consumer
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// ChannelSink publishes notifications on a buffered channel
type ChannelSink struct {
	ch chan Notification
}

// NewChannelSink creates a channel sink with the given buffer size
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan Notification, buffer)}
}

// Notifications returns the stream of delivered notifications
func (s *ChannelSink) Notifications() <-chan Notification {
	return s.ch
}

// Deliver enqueues n without blocking the sync pipeline
func (s *ChannelSink) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.ch <- n:
		return nil
	default:
		return ErrSinkFull
	}
}

// RecentSink keeps the most recent notifications in memory
type RecentSink struct {
	mu    sync.Mutex
	limit int
	items []Notification
}

// NewRecentSink creates a sink that remembers up to limit notifications
func NewRecentSink(limit int) *RecentSink {
	if limit < 1 {
		limit = 100
	}
	return &RecentSink{limit: limit}
}

// Deliver records n, evicting the oldest notification when full
func (s *RecentSink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
	if len(s.items) > s.limit {
		s.items = s.items[len(s.items)-s.limit:]
	}
	return nil
}

// Recent returns the remembered notifications, newest first
func (s *RecentSink) Recent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.items))
	for i, n := range s.items {
		out[len(s.items)-1-i] = n
	}
	return out
}

// LogSink writes notifications to the structured log
type LogSink struct{}

// Deliver logs n
func (LogSink) Deliver(_ context.Context, n Notification) error {
	slog.Info(n.Message,
		"project", n.ProjectID,
		"kind", n.Kind,
		"url", n.URL)
	return nil
}
