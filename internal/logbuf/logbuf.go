// Package logbuf keeps the last N formatted log lines in memory for
// GET /mcp/log, and optionally appends every line to a file named by
// LM_TOOLS_BRIDGE_MANAGER_LOG.
//
// Grounded on cmd/mcplexer/main.go's slog JSON handler wiring
// (RevittCo-mcplexer); the ring buffer itself has no teacher
// precedent in the pack, so it is built directly from SPEC_FULL.md
// §5's "in-memory ring buffer of the last 200 log lines".
package logbuf

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
)

const defaultCapacity = 200

// Buffer is a fixed-capacity ring of formatted log lines.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool

	file *os.File
}

// New creates a Buffer holding at most capacity lines. If logFilePath
// is non-empty, every appended line is also written there.
func New(capacity int, logFilePath string) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	b := &Buffer{lines: make([]string, capacity), cap: capacity}
	if logFilePath != "" {
		if f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			b.file = f
		}
	}
	return b
}

// Append adds a formatted line to the ring, evicting the oldest line
// once full.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % b.cap
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()

	if b.file != nil {
		b.file.WriteString(line)
		b.file.WriteString("\n")
	}
}

// Tail returns the buffered lines in chronological order.
func (b *Buffer) Tail() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]string, b.next)
		copy(out, b.lines[:b.next])
		return out
	}
	out := make([]string, b.cap)
	copy(out, b.lines[b.next:])
	copy(out[b.cap-b.next:], b.lines[:b.next])
	return out
}

// Close releases the underlying log file, if any.
func (b *Buffer) Close() error {
	if b.file != nil {
		return b.file.Close()
	}
	return nil
}

// Handler wraps an slog.Handler, capturing every formatted record into
// a Buffer in addition to passing it through to the wrapped handler.
type Handler struct {
	next slog.Handler
	buf  *Buffer
	fmt  *slog.HandlerOptions
}

// NewHandler wraps next (typically an slog.NewJSONHandler over
// stderr), recording a text-rendered copy of each record into buf.
func NewHandler(next slog.Handler, buf *Buffer) *Handler {
	return &Handler{next: next, buf: buf}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var line bytes.Buffer
	line.WriteString(r.Time.Format("15:04:05.000"))
	line.WriteByte(' ')
	line.WriteString(r.Level.String())
	line.WriteByte(' ')
	line.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line.WriteByte(' ')
		line.WriteString(a.Key)
		line.WriteByte('=')
		line.WriteString(a.Value.String())
		return true
	})
	h.buf.Append(line.String())

	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), buf: h.buf}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), buf: h.buf}
}
