// Package testing provides shared test utilities for privilege management.
package testing

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/DrDaveD/cvmfs-x509-helper/internal/privilege"
)

// Test error definitions
var (
	ErrMockImpersonationFailed = errors.New("mock impersonation failure")
)

// MockManager implements privilege.Manager without touching process state.
// Both With* methods simply run fn in the current identity, which is what a
// fully degraded (unprivileged, same-namespace) switch does for real.
type MockManager struct {
	PrivilegeCalls []privilege.ImpersonationContext
	IdentityCalls  []privilege.ImpersonationContext
	ShouldFail     bool
	FailWith       error
}

// WithPrivileges records the call and runs fn as-is.
func (m *MockManager) WithPrivileges(_ context.Context, impCtx privilege.ImpersonationContext, fn func() error) error {
	m.PrivilegeCalls = append(m.PrivilegeCalls, impCtx)
	if m.ShouldFail {
		return m.failure()
	}
	return fn()
}

// WithTargetIdentity records the call and runs fn as-is.
func (m *MockManager) WithTargetIdentity(_ context.Context, impCtx privilege.ImpersonationContext, fn func() error) error {
	m.IdentityCalls = append(m.IdentityCalls, impCtx)
	if m.ShouldFail {
		return m.failure()
	}
	return fn()
}

func (m *MockManager) failure() error {
	if m.FailWith != nil {
		return m.FailWith
	}
	return ErrMockImpersonationFailed
}

// HealthCheck reports the configured failure state.
func (m *MockManager) HealthCheck(_ context.Context) error {
	if m.ShouldFail {
		return m.failure()
	}
	return nil
}

// GetCurrentUID returns the real current effective uid.
func (m *MockManager) GetCurrentUID() int {
	return syscall.Geteuid()
}

// GetOriginalUID returns the real current effective uid.
func (m *MockManager) GetOriginalUID() int {
	return os.Geteuid()
}

// GetMetrics returns empty metrics.
func (m *MockManager) GetMetrics() privilege.Metrics {
	return privilege.Metrics{}
}
