package logger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one captured log line.
type Record struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// RecentBuffer is a ring buffer of the most recent log records, so a running
// server can show what the engine has been doing without access to stderr.
type RecentBuffer struct {
	mu      sync.RWMutex
	entries []Record
	head    int
	count   int
}

// NewRecentBuffer creates a buffer holding up to capacity records.
func NewRecentBuffer(capacity int) *RecentBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RecentBuffer{entries: make([]Record, capacity)}
}

// Add appends r, overwriting the oldest record when full.
func (b *RecentBuffer) Add(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = r
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns up to n records, oldest first. n <= 0 means all.
func (b *RecentBuffer) Recent(n int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]Record, n)
	start := (b.head - n + len(b.entries)) % len(b.entries)
	for i := 0; i < n; i++ {
		out[i] = b.entries[(start+i)%len(b.entries)]
	}
	return out
}

// Len returns the number of buffered records.
func (b *RecentBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// teeHandler passes records to inner and copies Info and above into buffer.
type teeHandler struct {
	inner  slog.Handler
	buffer *RecentBuffer
	attrs  []slog.Attr
	group  string
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.inner.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		rec := Record{Time: r.Time, Level: r.Level.String(), Message: r.Message}
		add := func(a slog.Attr) bool {
			if rec.Attrs == nil {
				rec.Attrs = make(map[string]string)
			}
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			rec.Attrs[key] = a.Value.String()
			return true
		}
		for _, a := range h.attrs {
			add(a)
		}
		r.Attrs(add)
		h.buffer.Add(rec)
	}

	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &teeHandler{inner: h.inner.WithAttrs(attrs), buffer: h.buffer, attrs: merged, group: h.group}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &teeHandler{inner: h.inner.WithGroup(name), buffer: h.buffer, attrs: h.attrs, group: group}
}

// Capture copies every Info and higher record of the default logger into b,
// in addition to its normal destination. Call after Configure.
func Capture(b *RecentBuffer) {
	Initialize()
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(&teeHandler{inner: defaultLogger.Handler(), buffer: b})
}
