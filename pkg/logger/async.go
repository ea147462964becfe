package logger

import (
	"context"
	"log/slog"
	"sync"
)

// AsyncHandler buffers records on a channel and hands them to the wrapped
// handler from a single background goroutine, so callers on the hot path
// never block on the sink (stdout, a file, a remote collector).
type AsyncHandler struct {
	next    slog.Handler
	records chan slog.Record
	dropped bool // if true, records are dropped when the buffer is full instead of blocking

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncHandler wraps next with a buffered channel of the given size.
// When dropOnFull is true, Handle never blocks: once the buffer is full,
// new records are silently dropped rather than stalling the caller.
func NewAsyncHandler(next slog.Handler, bufferSize int, dropOnFull bool) *AsyncHandler {
	h := &AsyncHandler{
		next:    next,
		records: make(chan slog.Record, bufferSize),
		dropped: dropOnFull,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *AsyncHandler) loop() {
	defer close(h.done)
	for r := range h.records {
		_ = h.next.Handle(context.Background(), r)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	// Context values (trace id etc.) must be resolved by the handlers that
	// wrap this one (see Init's layering): the record is handed off to a
	// background goroutine running with context.Background().
	clone := r.Clone()
	if h.dropped {
		select {
		case h.records <- clone:
		default:
			// buffer full, drop rather than block the caller
		}
		return nil
	}
	h.records <- clone
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), records: h.records, dropped: h.dropped, done: h.done}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), records: h.records, dropped: h.dropped, done: h.done}
}

// Close stops accepting new records and waits for the buffer to drain.
func (h *AsyncHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.records)
	})
	<-h.done
}
