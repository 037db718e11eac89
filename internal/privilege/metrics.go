package privilege

import (
	"sync"
	"time"
)

// Metrics contains operational metrics for impersonated operations.
type Metrics struct {
	mu                       sync.RWMutex
	ImpersonationAttempts    int64         `json:"impersonation_attempts"`
	ImpersonationSuccesses   int64         `json:"impersonation_successes"`
	ImpersonationFailures    int64         `json:"impersonation_failures"`
	TotalImpersonationTime   time.Duration `json:"total_impersonation_time"`
	AverageImpersonationTime time.Duration `json:"average_impersonation_time"`
	MaxImpersonationTime     time.Duration `json:"max_impersonation_time"`
	LastImpersonationTime    time.Time     `json:"last_impersonation_time"`
	LastError                string        `json:"last_error,omitempty"`
	SuccessRate              float64       `json:"success_rate"`
}

// RecordImpersonationSuccess records a completed impersonated operation.
func (m *Metrics) RecordImpersonationSuccess(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ImpersonationAttempts++
	m.ImpersonationSuccesses++
	m.TotalImpersonationTime += duration

	if m.ImpersonationSuccesses > 0 {
		m.AverageImpersonationTime = m.TotalImpersonationTime / time.Duration(m.ImpersonationSuccesses)
	}
	if duration > m.MaxImpersonationTime {
		m.MaxImpersonationTime = duration
	}

	m.LastImpersonationTime = time.Now()
	m.updateSuccessRate()
}

// RecordImpersonationFailure records a failed impersonated operation.
func (m *Metrics) RecordImpersonationFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ImpersonationAttempts++
	m.ImpersonationFailures++
	m.LastError = err.Error()
	m.updateSuccessRate()
}

// updateSuccessRate recomputes the success rate (call with lock held).
func (m *Metrics) updateSuccessRate() {
	if m.ImpersonationAttempts > 0 {
		m.SuccessRate = float64(m.ImpersonationSuccesses) / float64(m.ImpersonationAttempts)
	} else {
		m.SuccessRate = 0.0
	}
}

// GetSnapshot returns a thread-safe copy of the current metrics.
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Metrics{
		ImpersonationAttempts:    m.ImpersonationAttempts,
		ImpersonationSuccesses:   m.ImpersonationSuccesses,
		ImpersonationFailures:    m.ImpersonationFailures,
		TotalImpersonationTime:   m.TotalImpersonationTime,
		AverageImpersonationTime: m.AverageImpersonationTime,
		MaxImpersonationTime:     m.MaxImpersonationTime,
		LastImpersonationTime:    m.LastImpersonationTime,
		LastError:                m.LastError,
		SuccessRate:              m.SuccessRate,
	}
}

// Reset clears all metrics (primarily for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ImpersonationAttempts = 0
	m.ImpersonationSuccesses = 0
	m.ImpersonationFailures = 0
	m.TotalImpersonationTime = 0
	m.AverageImpersonationTime = 0
	m.MaxImpersonationTime = 0
	m.LastImpersonationTime = time.Time{}
	m.LastError = ""
	m.SuccessRate = 0.0
}
