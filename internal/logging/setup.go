//go:build !windows

package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"
)

const debugLogPerm os.FileMode = 0o600

// Options configures the logging setup.
type Options struct {
	Level       slog.Level
	SyslogIdent string
	// DebugLogPath, when set, adds a debug text sink immediately. The
	// cvmfs client may also supply a path later in its handshake.
	DebugLogPath string
	// ForceStderr adds the stderr sink even when stderr is not a
	// terminal.
	ForceStderr bool
}

// Logging owns the helper's assembled sinks. More sinks can be attached
// while the session runs; loggers already derived from Logger() pick them
// up.
type Logging struct {
	logger *slog.Logger
	multi  *MultiHandler
	level  slog.Level

	mu        sync.Mutex
	debugFile *os.File
}

// Setup builds the logger: syslog always (when reachable), stderr when
// interactive, a debug file when requested. When syslog is unreachable the
// stderr sink is added unconditionally so diagnostics are never lost.
func Setup(opts Options) (*Logging, error) {
	multi := NewMultiHandler()

	syslogOK := false
	if sys, err := NewSyslogHandler(opts.SyslogIdent, opts.Level); err == nil {
		multi.Add(sys)
		syslogOK = true
	}

	if opts.ForceStderr || !syslogOK || term.IsTerminal(int(os.Stderr.Fd())) {
		multi.Add(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level}))
	}

	l := &Logging{
		logger: slog.New(multi),
		multi:  multi,
		level:  opts.Level,
	}

	if opts.DebugLogPath != "" {
		if err := l.EnableDebugFile(opts.DebugLogPath); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Logger returns the assembled logger.
func (l *Logging) Logger() *slog.Logger {
	return l.logger
}

// EnableDebugFile attaches a debug-level text sink appending to path. The
// handshake supplies at most one path per session, so repeat calls simply
// add further sinks.
func (l *Logging) EnableDebugFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, debugLogPerm)
	if err != nil {
		return fmt.Errorf("opening debug log %s: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.multi.Add(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l.debugFile = f
	return nil
}

// Close releases the debug file if one was opened.
func (l *Logging) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.debugFile != nil {
		err := l.debugFile.Close()
		l.debugFile = nil
		return err
	}
	return nil
}
