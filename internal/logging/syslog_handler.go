//go:build !windows

package logging

import (
	"context"
	"log/slog"
	"log/syslog"
	"strings"
)

// SyslogWriter is the subset of *syslog.Writer the handler needs. Tests
// substitute an in-memory implementation.
type SyslogWriter interface {
	Err(m string) error
	Warning(m string) error
	Info(m string) error
	Debug(m string) error
}

// SyslogHandler is a slog.Handler that forwards records to syslog on the
// authpriv facility, mapping slog levels to syslog severities.
type SyslogHandler struct {
	writer SyslogWriter
	level  slog.Level
	attrs  []slog.Attr
	prefix string
}

// NewSyslogHandler connects to the local syslog daemon under the given
// identifier.
func NewSyslogHandler(ident string, level slog.Level) (*SyslogHandler, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_AUTHPRIV, ident)
	if err != nil {
		return nil, err
	}
	return NewSyslogHandlerWithWriter(w, level), nil
}

// NewSyslogHandlerWithWriter builds a handler over an existing writer.
func NewSyslogHandlerWithWriter(w SyslogWriter, level slog.Level) *SyslogHandler {
	return &SyslogHandler{writer: w, level: level}
}

// Enabled reports whether the record level passes the handler's threshold.
func (h *SyslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats the record as "message key=value ..." and routes it to the
// syslog severity matching its level. Timestamps are left to syslog.
func (h *SyslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)

	appendAttr := func(key string, v slog.Value) {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(v.Resolve().String())
	}
	for _, a := range h.attrs {
		appendAttr(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		if !a.Equal(slog.Attr{}) {
			appendAttr(h.prefix+a.Key, a.Value)
		}
		return true
	})

	line := b.String()
	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(line)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(line)
	default:
		return h.writer.Debug(line)
	}
}

// WithAttrs returns a handler with the given attributes appended.
func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
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
	return &SyslogHandler{writer: h.writer, level: h.level, attrs: merged, prefix: h.prefix}
}

// WithGroup returns a handler that qualifies subsequent attribute keys with
// the group name.
func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SyslogHandler{writer: h.writer, level: h.level, attrs: h.attrs, prefix: h.prefix + name + "."}
}
