// Package logging assembles the helper's diagnostic sinks on top of
// log/slog: syslog for operational visibility, an optional debug file the
// cvmfs client hands over at handshake time, and stderr when running
// interactively. stdout carries protocol traffic and is never logged to.
package logging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// handlerState is the shared, mutable set of output handlers. Sharing it
// between a MultiHandler and everything derived from it via WithAttrs lets
// a sink added mid-session (the handshake debug log) reach loggers that
// were created earlier.
type handlerState struct {
	mu       sync.RWMutex
	handlers []slog.Handler
}

func (s *handlerState) snapshot() []slog.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]slog.Handler, len(s.handlers))
	copy(out, s.handlers)
	return out
}

func (s *handlerState) add(h slog.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// MultiHandler is a slog.Handler that fans records out to a dynamic set of
// handlers. Attributes and groups accumulate on the MultiHandler itself and
// are applied per record, so derived handlers keep following the shared set.
type MultiHandler struct {
	state  *handlerState
	attrs  []slog.Attr
	prefix string // dotted group prefix for attribute keys
}

// NewMultiHandler creates a MultiHandler over the given initial handlers.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{
		state: &handlerState{handlers: handlers},
	}
}

// Add attaches another output handler. Records logged through this handler
// and every handler derived from it start flowing to h immediately.
func (h *MultiHandler) Add(handler slog.Handler) {
	h.state.add(handler)
}

// Enabled reports whether at least one underlying handler is enabled.
func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.state.snapshot() {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle dispatches the record, with accumulated attributes prepended, to
// every enabled underlying handler.
func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := r
	if len(h.attrs) > 0 {
		rec = slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
		rec.AddAttrs(h.attrs...)
		r.Attrs(func(a slog.Attr) bool {
			rec.AddAttrs(a)
			return true
		})
	}

	var multiErr error
	for _, handler := range h.state.snapshot() {
		if handler.Enabled(ctx, rec.Level) {
			if err := handler.Handle(ctx, rec.Clone()); err != nil {
				multiErr = errors.Join(multiErr, err)
			}
		}
	}
	return multiErr
}

// WithAttrs returns a MultiHandler sharing the same handler set with the
// given attributes appended.
func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		merged = append(merged, a)
	}
	return &MultiHandler{state: h.state, attrs: merged, prefix: h.prefix}
}

// WithGroup returns a MultiHandler that qualifies subsequent attribute keys
// with the group name.
func (h *MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &MultiHandler{state: h.state, attrs: h.attrs, prefix: h.prefix + name + "."}
}
