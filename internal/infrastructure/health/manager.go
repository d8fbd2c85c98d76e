package health

import (
	"sync"

	"logbid/internal/core"
)

// HealthManager aggregates liveness of the daemon's dependencies, the
// backend gateway and the realtime feed. Transitions are logged once
// per state change so a flapping feed does not flood the log on every
// probe.
type HealthManager struct {
	logger core.ILogger
	mu     sync.Mutex
	checks map[string]func() error
	wasUp  map[string]bool
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{
		checks: make(map[string]func() error),
		wasUp:  make(map[string]bool),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a health check for a component. Components start out
// assumed healthy; the first failing probe logs the transition.
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
	hm.wasUp[component] = true
}

// probe runs one check and logs state transitions. Caller holds mu.
func (hm *HealthManager) probe(component string, check func() error) error {
	err := check()
	up := err == nil
	if up != hm.wasUp[component] && hm.logger != nil {
		if up {
			hm.logger.Info("Component recovered", "check", component)
		} else {
			hm.logger.Warn("Component unhealthy", "check", component, "error", err)
		}
	}
	hm.wasUp[component] = up
	return err
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	status := make(map[string]string)
	for component, check := range hm.checks {
		if err := hm.probe(component, check); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered dependency is reachable
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	healthy := true
	for component, check := range hm.checks {
		if err := hm.probe(component, check); err != nil {
			healthy = false
		}
	}
	return healthy
}
