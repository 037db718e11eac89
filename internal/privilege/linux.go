//go:build linux

package privilege

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"sync"
	"syscall"
	"time"
)

// LinuxManager implements Manager using effective uid/gid switching and a
// reversible chroot into the target process's mount namespace.
type LinuxManager struct {
	logger      *slog.Logger
	originalUID int
	originalGID int
	metrics     Metrics
	mu          sync.Mutex
}

func newPlatformManager(logger *slog.Logger) Manager {
	return &LinuxManager{
		logger:      logger,
		originalUID: syscall.Geteuid(),
		originalGID: syscall.Getegid(),
	}
}

// switchState records which process-global changes actually took effect so
// that rollback reverses exactly those and nothing else.
type switchState struct {
	rootFD      int
	cwdFD       int
	rootAssumed bool
	chrooted    bool
	gidChanged  bool
	uidChanged  bool
	origEUID    int
	origEGID    int
}

// WithPrivileges executes fn with effective uid 0 and restores the original
// effective uid afterwards. Escalation failure is not an error: when the
// helper runs unprivileged, fn proceeds as the current user and its own
// access errors tell the caller what was not permitted.
func (m *LinuxManager) WithPrivileges(_ context.Context, impCtx ImpersonationContext, fn func() error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	origEUID := syscall.Geteuid()

	assumed := false
	if origEUID != 0 {
		if seterr := syscall.Seteuid(0); seterr == nil {
			assumed = true
		} else {
			m.logger.Debug("cannot assume root, continuing unprivileged",
				"operation", impCtx.Operation,
				"euid", origEUID,
				"error", seterr)
		}
	}

	defer func() {
		var panicValue any
		shutdownContext := "normal execution"
		if r := recover(); r != nil {
			panicValue = r
			shutdownContext = fmt.Sprintf("after panic: %v", r)
			m.logger.Error("Panic during privileged operation, attempting privilege restoration",
				"panic", r,
				"operation", impCtx.Operation)
		}

		if assumed {
			if resterr := syscall.Seteuid(origEUID); resterr != nil {
				m.emergencyShutdown(resterr, shutdownContext)
			}
		}

		if panicValue != nil {
			panic(panicValue)
		}

		if err != nil {
			m.metrics.RecordImpersonationFailure(err)
		} else {
			m.metrics.RecordImpersonationSuccess(time.Since(start))
		}
	}()

	return fn()
}

// WithTargetIdentity executes fn as the target uid/gid inside the target's
// mount namespace. The transition order is fixed: assume root, open the
// rollback anchors, enter the target cwd and root, switch gid then uid.
// Rollback runs the sequence in reverse on every exit path; a rollback
// failure after a namespace change terminates the process because no safe
// partial state exists.
func (m *LinuxManager) WithTargetIdentity(_ context.Context, impCtx ImpersonationContext, fn func() error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	st := &switchState{
		rootFD:   -1,
		cwdFD:    -1,
		origEUID: syscall.Geteuid(),
		origEGID: syscall.Getegid(),
	}
	impCtx.OriginalUID = st.origEUID
	impCtx.OriginalGID = st.origEGID
	impCtx.StartTime = start

	// Root is required both for chroot and for assuming an arbitrary
	// identity afterwards. Without it the switch degrades to running fn
	// as the current user inside the current namespace.
	if st.origEUID != 0 {
		if seterr := syscall.Seteuid(0); seterr == nil {
			st.rootAssumed = true
		} else {
			m.logger.Debug("cannot assume root, continuing unprivileged",
				"operation", impCtx.Operation,
				"pid", impCtx.PID,
				"error", seterr)
		}
	}

	if anchorErr := m.openAnchors(st); anchorErr != nil {
		m.restoreRoot(st)
		m.metrics.RecordImpersonationFailure(anchorErr)
		return anchorErr
	}
	defer m.closeAnchors(st)

	if nsErr := m.enterNamespace(st, impCtx.PID); nsErr != nil {
		m.restoreRoot(st)
		err = &Error{
			Operation:   impCtx.Operation,
			PID:         impCtx.PID,
			OriginalUID: st.origEUID,
			TargetUID:   impCtx.UID,
			SyscallErr:  nsErr,
			Timestamp:   time.Now(),
		}
		m.metrics.RecordImpersonationFailure(err)
		return err
	}

	m.assumeIdentity(st, impCtx)

	defer func() {
		var panicValue any
		if r := recover(); r != nil {
			panicValue = r
			m.logger.Error("Panic while impersonating target, attempting privilege restoration",
				"panic", r,
				"pid", impCtx.PID,
				"target_uid", impCtx.UID)
		}

		m.rollback(st)

		if panicValue != nil {
			panic(panicValue)
		}

		if err != nil {
			m.metrics.RecordImpersonationFailure(err)
		} else {
			m.metrics.RecordImpersonationSuccess(time.Since(start))
		}
	}()

	return fn()
}

// openAnchors opens descriptors to the current root and working directory.
// These are the only references through which a chroot can be reversed.
func (m *LinuxManager) openAnchors(st *switchState) error {
	rootFD, err := syscall.Open("/", syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: opening /: %v", ErrRollbackAnchor, err)
	}
	cwdFD, err := syscall.Open(".", syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		syscall.Close(rootFD)
		return fmt.Errorf("%w: opening .: %v", ErrRollbackAnchor, err)
	}
	st.rootFD = rootFD
	st.cwdFD = cwdFD
	return nil
}

func (m *LinuxManager) closeAnchors(st *switchState) {
	if st.rootFD >= 0 {
		syscall.Close(st.rootFD)
		st.rootFD = -1
	}
	if st.cwdFD >= 0 {
		syscall.Close(st.cwdFD)
		st.cwdFD = -1
	}
}

// enterNamespace moves into the target's working directory and chroots into
// its root. An unreachable working directory means the helper lacks the
// capability to inspect the target (or the target is gone); the chroot is
// skipped and the operation proceeds in the current namespace. A failed
// chroot after a successful chdir is an error: the working directory has
// already moved and must be restored before reporting.
func (m *LinuxManager) enterNamespace(st *switchState, pid int) error {
	if err := syscall.Chdir(fmt.Sprintf("/proc/%d/cwd", pid)); err != nil {
		m.logger.Debug("target cwd not reachable, skipping namespace entry",
			"pid", pid,
			"error", err)
		return nil
	}
	if err := syscall.Chroot(fmt.Sprintf("/proc/%d/root", pid)); err != nil {
		if cdErr := syscall.Fchdir(st.rootFD); cdErr != nil {
			m.emergencyShutdown(cdErr, "working directory restoration after chroot failure")
		}
		return fmt.Errorf("%w: %v", ErrNamespaceEntry, err)
	}
	st.chrooted = true
	return nil
}

// assumeIdentity switches to the target identity, gid before uid: dropping
// the uid first would remove the permission to change the gid. Failure to
// assume either is a capability limitation; the subsequent file operation
// will report its own access errors.
func (m *LinuxManager) assumeIdentity(st *switchState, impCtx ImpersonationContext) {
	if impCtx.GID != st.origEGID {
		if err := syscall.Setegid(impCtx.GID); err != nil {
			m.logger.Debug("cannot assume target gid",
				"pid", impCtx.PID,
				"gid", impCtx.GID,
				"error", err)
		} else {
			st.gidChanged = true
		}
	}
	if impCtx.UID != syscall.Geteuid() {
		if err := syscall.Seteuid(impCtx.UID); err != nil {
			m.logger.Debug("cannot assume target uid",
				"pid", impCtx.PID,
				"uid", impCtx.UID,
				"error", err)
		} else {
			st.uidChanged = true
		}
	}
}

// rollback reverses every change recorded in st: reassume root, unwind the
// chroot through the anchor descriptors, then restore gid and uid. Any
// failure here is unrecoverable; a privileged helper left rooted inside an
// inspected process's filesystem would corrupt every subsequent request.
func (m *LinuxManager) rollback(st *switchState) {
	if st.uidChanged || st.gidChanged || st.chrooted {
		if err := syscall.Seteuid(0); err != nil {
			m.emergencyShutdown(err, "root reassumption during rollback")
		}
	}
	if st.chrooted {
		if err := syscall.Fchdir(st.rootFD); err != nil {
			m.emergencyShutdown(err, "original root directory restoration")
		}
		if err := syscall.Chroot("."); err != nil {
			m.emergencyShutdown(err, "chroot reversal")
		}
		if err := syscall.Fchdir(st.cwdFD); err != nil {
			m.emergencyShutdown(err, "original working directory restoration")
		}
	}
	if st.gidChanged {
		if err := syscall.Setegid(st.origEGID); err != nil {
			m.emergencyShutdown(err, "group identity restoration")
		}
	}
	if st.uidChanged || st.gidChanged || st.chrooted || st.rootAssumed {
		if err := syscall.Seteuid(st.origEUID); err != nil {
			m.emergencyShutdown(err, "user identity restoration")
		}
	}
}

// restoreRoot undoes a root assumption on paths that never reached the
// identity switch.
func (m *LinuxManager) restoreRoot(st *switchState) {
	if st.rootAssumed {
		if err := syscall.Seteuid(st.origEUID); err != nil {
			m.emergencyShutdown(err, "user identity restoration")
		}
	}
}

// emergencyShutdown handles critical privilege restoration failures. The
// failure is reported to the structured logger, syslog, and stderr before
// the process terminates; defer processing is deliberately skipped.
func (m *LinuxManager) emergencyShutdown(restoreErr error, shutdownContext string) {
	criticalMsg := fmt.Sprintf("CRITICAL SECURITY FAILURE: privilege state restoration failed during %s", shutdownContext)

	m.logger.Error(criticalMsg,
		"error", restoreErr,
		"original_uid", m.originalUID,
		"current_uid", os.Getuid(),
		"current_euid", os.Geteuid(),
		"timestamp", time.Now().UTC(),
		"process_id", os.Getpid(),
	)

	if syslogWriter, err := syslog.New(syslog.LOG_ERR|syslog.LOG_AUTHPRIV, "cvmfs_x509_helper"); err == nil {
		_ = syslogWriter.Err(fmt.Sprintf("%s: %v (PID: %d, UID: %d->%d)",
			criticalMsg, restoreErr, os.Getpid(), m.originalUID, os.Geteuid()))
		_ = syslogWriter.Close()
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", criticalMsg, restoreErr)

	os.Exit(1)
}

// HealthCheck verifies that a privilege round trip leaves the process
// identity exactly as it found it.
func (m *LinuxManager) HealthCheck(ctx context.Context) error {
	beforeUID := syscall.Geteuid()
	beforeGID := syscall.Getegid()

	impCtx := ImpersonationContext{Operation: OperationHealthCheck}
	if err := m.WithPrivileges(ctx, impCtx, func() error { return nil }); err != nil {
		return err
	}

	if syscall.Geteuid() != beforeUID || syscall.Getegid() != beforeGID {
		return fmt.Errorf("%w: uid %d->%d gid %d->%d", ErrStateNotRestored,
			beforeUID, syscall.Geteuid(), beforeGID, syscall.Getegid())
	}
	return nil
}

// GetCurrentUID returns the current effective user ID.
func (m *LinuxManager) GetCurrentUID() int {
	return syscall.Geteuid()
}

// GetOriginalUID returns the effective user ID the manager was created with.
func (m *LinuxManager) GetOriginalUID() int {
	return m.originalUID
}

// GetMetrics returns a snapshot of current impersonation metrics.
func (m *LinuxManager) GetMetrics() Metrics {
	return m.metrics.GetSnapshot()
}
