package httpapi

import (
	"sync"
	"time"
)

// requestEntry is one served API request, kept for operator inspection.
type requestEntry struct {
	Time       time.Time `json:"time"`
	User       string    `json:"user,omitempty"`
	Role       string    `json:"role,omitempty"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// requestLog is a bounded in-memory ring of recent requests. The durable
// engine audit trail lives in the store; this ring only answers "what hit
// the API lately" without a database round trip.
type requestLog struct {
	mu      sync.Mutex
	entries []requestEntry
	max     int
}

func newRequestLog(max int) *requestLog {
	if max <= 0 {
		max = 200
	}
	return &requestLog{max: max}
}

func (l *requestLog) add(entry requestEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

func (l *requestLog) listLimit(limit int) []requestEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	entries := l.entries
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]requestEntry, len(entries))
	copy(out, entries)
	return out
}
