package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveErrors is how many failures in a row a task may have
// before it is reported unhealthy
const maxConsecutiveErrors = 3

// TaskMonitor tracks the health of a periodic background task such as
// badger value log GC.
type TaskMonitor struct {
	name       string
	staleAfter time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewTaskMonitor creates a monitor. A task whose last success is older
// than staleAfter is unhealthy; 0 disables the staleness check.
func NewTaskMonitor(name string, staleAfter time.Duration) *TaskMonitor {
	return &TaskMonitor{name: name, staleAfter: staleAfter}
}

// RecordSuccess records a successful run.
func (tm *TaskMonitor) RecordSuccess() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	tm.lastSuccess = now
	tm.lastAttempt = now
	tm.consecutiveErrors = 0
	tm.lastError = ""
}

// RecordFailure records a failed run.
func (tm *TaskMonitor) RecordFailure(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lastAttempt = time.Now()
	tm.consecutiveErrors++
	if err != nil {
		tm.lastError = err.Error()
	}
}

// IsHealthy reports whether the task is working. A task that has not run
// yet is healthy. Unhealthy conditions:
//   - more than 3 consecutive failures
//   - last success older than the staleness window
func (tm *TaskMonitor) IsHealthy() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.healthyLocked()
}

func (tm *TaskMonitor) healthyLocked() bool {
	if tm.consecutiveErrors > maxConsecutiveErrors {
		return false
	}
	if tm.staleAfter > 0 && !tm.lastSuccess.IsZero() && time.Since(tm.lastSuccess) > tm.staleAfter {
		return false
	}
	return true
}

// TaskStatus is a task's state for health checks.
type TaskStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current task status.
func (tm *TaskMonitor) Status() TaskStatus {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	status := TaskStatus{
		Name:    tm.name,
		Healthy: tm.healthyLocked(),
	}

	if !tm.lastSuccess.IsZero() {
		status.LastSuccess = tm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(tm.lastSuccess).Round(time.Second).String()
	}
	if !tm.lastAttempt.IsZero() {
		status.LastAttempt = tm.lastAttempt.Format(time.RFC3339)
	}
	if tm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = tm.consecutiveErrors
		status.LastError = tm.lastError
	}
	return status
}
