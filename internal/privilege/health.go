//go:build linux

package privilege

import (
	"context"
	"syscall"
	"time"
)

// HealthStatus reports whether privilege switching currently works and
// what identity the process holds.
type HealthStatus struct {
	LastCheck     time.Time     `json:"last_check"`
	CheckDuration time.Duration `json:"check_duration"`
	Error         string        `json:"error,omitempty"`
	OriginalUID   int           `json:"original_uid"`
	EffectiveUID  int           `json:"effective_uid"`
	EffectiveGID  int           `json:"effective_gid"`
	CanEscalate   bool          `json:"can_escalate"`
}

// GetHealthStatus performs a health check and returns the current status.
func (m *LinuxManager) GetHealthStatus(ctx context.Context) HealthStatus {
	status := HealthStatus{
		OriginalUID:  m.originalUID,
		EffectiveUID: syscall.Geteuid(),
		EffectiveGID: syscall.Getegid(),
		LastCheck:    time.Now(),
	}

	start := time.Now()
	err := m.HealthCheck(ctx)
	status.CheckDuration = time.Since(start)

	if err != nil {
		status.Error = err.Error()
		status.CanEscalate = false
	} else {
		// The round trip succeeded; escalation itself is only possible
		// when the process is or can become root.
		status.CanEscalate = syscall.Geteuid() == 0 || syscall.Getuid() == 0
	}

	return status
}
