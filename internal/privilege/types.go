package privilege

import "time"

// Operation identifies the kind of impersonated work being performed.
type Operation string

// Supported impersonated operations
const (
	OperationEnvironScan Operation = "environ_scan"
	OperationProxyOpen   Operation = "proxy_open"
	OperationHealthCheck Operation = "health_check"
)

// ImpersonationContext describes the target process whose identity and
// mount namespace an operation should run under.
type ImpersonationContext struct {
	Operation Operation
	// PID of the target process; its /proc entry provides the
	// namespace-relative root and working directory.
	PID int
	UID int
	GID int
	// Path being accessed, for diagnostics only.
	Path        string
	StartTime   time.Time
	OriginalUID int
	OriginalGID int
}
