package privilege

import (
	"context"
	"log/slog"
)

// Manager executes functions under temporarily changed process identity.
// Effective uid/gid, the chroot root, and the working directory are
// process-global state; the manager serializes all transitions internally
// and callers must not run concurrent privileged work outside of it.
type Manager interface {
	// WithPrivileges runs fn with effective uid 0. Escalation is
	// best-effort: without the privilege to become root, fn still runs as
	// the current user and any resulting access errors surface from fn
	// itself. The original effective uid is always restored.
	WithPrivileges(ctx context.Context, impCtx ImpersonationContext, fn func() error) error

	// WithTargetIdentity runs fn as the target uid/gid inside the target
	// process's mount namespace (chroot to /proc/<pid>/root). Namespace
	// entry degrades to the caller's own namespace when the target's
	// working directory is not reachable. Failure to restore the original
	// namespace or identity terminates the process.
	WithTargetIdentity(ctx context.Context, impCtx ImpersonationContext, fn func() error) error

	// HealthCheck verifies that a privilege round trip leaves the process
	// state intact.
	HealthCheck(ctx context.Context) error

	GetCurrentUID() int
	GetOriginalUID() int
	GetMetrics() Metrics
}

// NewManager creates a platform-appropriate privilege manager.
func NewManager(logger *slog.Logger) Manager {
	return newPlatformManager(logger)
}
