//go:build !windows

package logging

import (
	"fmt"
	"log/syslog"
	"os"
	"strings"
)

// ErrorType classifies errors that occur before the session loop starts,
// when no logger has been assembled yet.
type ErrorType string

const (
	// ErrorTypeConfigParsing represents configuration loading failures
	ErrorTypeConfigParsing ErrorType = "config_parsing_failed"
	// ErrorTypeLogSetup represents logger assembly failures
	ErrorTypeLogSetup ErrorType = "log_setup_failed"
	// ErrorTypeProtocol represents handshake or stream failures
	ErrorTypeProtocol ErrorType = "protocol_error"
	// ErrorTypeSystemError represents other system errors
	ErrorTypeSystemError ErrorType = "system_error"
)

// PreExecutionError is an error raised before the session loop starts.
type PreExecutionError struct {
	Type      ErrorType
	Message   string
	Component string
	RunID     string
	Err       error
}

// Error implements the error interface.
func (e *PreExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v (component: %s, run_id: %s)", e.Type, e.Message, e.Err, e.Component, e.RunID)
	}
	return fmt.Sprintf("%s: %s (component: %s, run_id: %s)", e.Type, e.Message, e.Component, e.RunID)
}

// Is implements error matching for errors.Is.
func (e *PreExecutionError) Is(target error) bool {
	_, ok := target.(*PreExecutionError)
	return ok
}

// Unwrap implements error unwrapping.
func (e *PreExecutionError) Unwrap() error {
	return e.Err
}

// HandlePreExecutionError reports an error that happened before logging was
// set up: stderr always, syslog best effort. stdout stays untouched since
// it may already carry protocol traffic.
func HandlePreExecutionError(errorType ErrorType, errorMsg, component, runID string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", errorType)
	if component != "" {
		fmt.Fprintf(&b, "Component: %s\n", component)
	}
	fmt.Fprintf(&b, "Details: %s\n", errorMsg)
	fmt.Fprintf(&b, "Run ID: %s\n", runID)
	fmt.Fprint(os.Stderr, b.String())

	if w, err := syslog.New(syslog.LOG_ERR|syslog.LOG_AUTHPRIV, "cvmfs_x509_helper"); err == nil {
		_ = w.Err(fmt.Sprintf("%s: %s (component: %s, run_id: %s)", errorType, errorMsg, component, runID))
		_ = w.Close()
	}
}
