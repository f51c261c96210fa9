package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// logRing is the buffer shared by a LogHandler and its WithAttrs/WithGroup
// derivatives.
type logRing struct {
	mu    sync.RWMutex
	lines []LogLine
	size  int
	pos   int
	count int
}

func (r *logRing) append(line LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *logRing) recent() []LogLine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}
	result := make([]LogLine, r.count)
	start := (r.pos - r.count + r.size) % r.size
	for i := range r.count {
		result[i] = r.lines[(start+i)%r.size]
	}
	return result
}

// LogHandler tees records to a sink handler (stderr text or the systemd
// journal) and into a ring buffer served by the log debug endpoint.
type LogHandler struct {
	inner  slog.Handler
	ring   *logRing
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewLogHandler builds a handler writing to the named sink, "journal" or
// "stderr". An unavailable journal falls back to stderr.
func NewLogHandler(sink string, level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	var inner slog.Handler
	if sink == "journal" && journalAvailable() {
		inner = newJournalHandler(level)
	} else {
		inner = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return &LogHandler{
		inner: inner,
		ring:  &logRing{lines: make([]LogLine, ringSize), size: ringSize},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.ring.append(line)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		level:  h.level,
		attrs:  append(cloneAttrs(h.attrs), attrs...),
		groups: h.groups,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		level:  h.level,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

// Recent returns the buffered log lines, oldest first.
func (h *LogHandler) Recent() []LogLine {
	return h.ring.recent()
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
