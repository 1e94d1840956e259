package gateway

import (
	"sync"
	"time"
)

// Instance statuses.
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusDegraded     = "degraded"
	StatusStopping     = "stopping"
)

// State tracks the lifecycle and connection counters of this instance.
type State struct {
	mu         sync.RWMutex
	startTime  time.Time
	instanceID string
	status     string

	activeConns   int64
	totalConns    int64
	rejectedConns int64
	totalErrors   int64
	deps          map[string]bool
	lastCheck     time.Time
}

// NewState creates a state tracker in the initializing status.
func NewState(instanceID string) *State {
	return &State{
		startTime:  time.Now(),
		instanceID: instanceID,
		status:     StatusInitializing,
		deps:       map[string]bool{},
	}
}

// UpdateStatus sets the instance status.
func (s *State) UpdateStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Status returns the current status.
func (s *State) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) connOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeConns++
	s.totalConns++
}

func (s *State) connClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeConns--
}

func (s *State) connRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedConns++
}

func (s *State) errored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalErrors++
}

// UpdateDependencies records the outcome of the latest dependency checks.
func (s *State) UpdateDependencies(deps map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps = deps
	s.lastCheck = time.Now()
}

// Snapshot returns the state as a JSON-friendly map.
func (s *State) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deps := make(map[string]bool, len(s.deps))
	for k, v := range s.deps {
		deps[k] = v
	}
	snap := map[string]interface{}{
		"instanceId":          s.instanceID,
		"startTime":           s.startTime.Format(time.RFC3339),
		"uptime":              time.Since(s.startTime).String(),
		"status":              s.status,
		"activeConnections":   s.activeConns,
		"totalConnections":    s.totalConns,
		"rejectedConnections": s.rejectedConns,
		"totalErrors":         s.totalErrors,
		"connections":         deps,
	}
	if !s.lastCheck.IsZero() {
		snap["lastCheck"] = s.lastCheck.Format(time.RFC3339)
	}
	return snap
}
