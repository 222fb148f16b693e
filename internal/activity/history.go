package activity

import (
	"context"
	"sync"
)

// DefaultHistorySize is how many finished calls History keeps.
const DefaultHistorySize = 50

// History keeps the most recent finished calls in memory for the control
// API. It is a Sink, so the Logger feeds it from CallEnded and CallFailed.
type History struct {
	mu      sync.RWMutex
	entries []Activity
	maxSize int
}

var _ Sink = (*History)(nil)

// NewHistory creates a history holding at most maxSize calls.
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = DefaultHistorySize
	}
	return &History{
		entries: make([]Activity, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record appends a, evicting the oldest call at capacity. A session that
// is already present is not added twice.
func (h *History) Record(_ context.Context, a Activity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.SessionID == a.SessionID {
			return nil
		}
	}
	if len(h.entries) >= h.maxSize {
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, a)
	return nil
}

// Recent returns up to limit calls, newest first. limit <= 0 means all.
func (h *History) Recent(limit int) []Activity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Activity, 0, n)
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

// Len reports how many calls are held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
