package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window counts events that happened within a trailing time span.
type Window interface {
	Count(ctx context.Context, now time.Time) (int, error)
	Record(ctx context.Context, now time.Time) error
	Reset(ctx context.Context) error
}

var _ Window = (*SlidingWindow)(nil)

// SlidingWindow is an in-process Window safe for concurrent use.
type SlidingWindow struct {
	span time.Duration

	mu     sync.Mutex
	events []time.Time
}

func NewSlidingWindow(span time.Duration) *SlidingWindow {
	return &SlidingWindow{span: span}
}

func (w *SlidingWindow) Count(_ context.Context, now time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	return len(w.events), nil
}

func (w *SlidingWindow) Record(_ context.Context, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	w.events = append(w.events, now)
	return nil
}

func (w *SlidingWindow) Reset(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.events = nil
	return nil
}

// prune drops events at or before now-span. Events are appended in time order.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	keep := 0
	for keep < len(w.events) && !w.events[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.events = append(w.events[:0], w.events[keep:]...)
	}
}
