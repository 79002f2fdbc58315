// Package testutils holds helpers shared by tests across packages. The fake
// remote service lives in the fakenvcf subpackage.
package testutils

import (
	"context"
	"log/slog"
	"sync"
)

// LogEntry is one captured record, flattened to message, level and attributes.
type LogEntry map[string]any

// LogCapture is an in-memory slog.Handler that keeps every record, including
// attributes added with Logger.With.
type LogCapture struct {
	mu      *sync.Mutex
	entries *[]LogEntry
	attrs   []slog.Attr
}

// NewLogCapture returns a capture and a debug-level logger writing to it.
func NewLogCapture() (*LogCapture, *slog.Logger) {
	h := &LogCapture{mu: &sync.Mutex{}, entries: &[]LogEntry{}}
	return h, slog.New(h)
}

// Enabled implements slog.Handler.
func (h *LogCapture) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (h *LogCapture) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{"level": r.Level.String(), "message": r.Message}
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Resolve().Any()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	*h.entries = append(*h.entries, entry)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *LogCapture) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &LogCapture{mu: h.mu, entries: h.entries, attrs: merged}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (h *LogCapture) WithGroup(string) slog.Handler {
	return h
}

// Entries returns the captured entries in order.
func (h *LogCapture) Entries() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]LogEntry(nil), *h.entries...)
}

// Find returns the captured entries whose message is msg.
func (h *LogCapture) Find(msg string) []LogEntry {
	var out []LogEntry
	for _, e := range h.Entries() {
		if e["message"] == msg {
			out = append(out, e)
		}
	}
	return out
}
