package globalstate

import (
	"sync"
	"time"
)

// Lifecycle phases reported by a server.
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusStopping     = "stopping"
	StatusStopped      = "stopped"
	StatusFailed       = "failed"
)

// StatusManager holds a server's lifecycle phase. It uses an RWMutex to
// protect concurrent reads and writes of the status string.
type StatusManager struct {
	mu      sync.RWMutex
	status  string
	changed time.Time
}

// NewStatusManager returns a manager in the initializing phase.
func NewStatusManager() *StatusManager {
	return &StatusManager{status: StatusInitializing, changed: time.Now()}
}

// Set updates the status.
func (sm *StatusManager) Set(newStatus string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.status == newStatus {
		return
	}
	sm.status = newStatus
	sm.changed = time.Now()
}

// Get returns the current status.
func (sm *StatusManager) Get() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// Since returns how long the current status has been held.
func (sm *StatusManager) Since() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return time.Since(sm.changed)
}
