// Package health tracks the health of the update pipeline stages. The
// manager reports each stage outcome; repeated failures escalate a
// component from degraded to unhealthy.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/vrupdate/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// DefaultUnhealthyAfter is the consecutive failure count at which a
// component becomes unhealthy.
const DefaultUnhealthyAfter = 3

func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check stores the latest health result for a named component.
type Check struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	Message             string    `json:"message,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu             sync.RWMutex
	checks         map[string]Check
	unhealthyAfter int
}

// NewMonitor creates a monitor that marks a component unhealthy after
// unhealthyAfter consecutive failures (DefaultUnhealthyAfter when < 1).
func NewMonitor(unhealthyAfter int) *Monitor {
	if unhealthyAfter < 1 {
		unhealthyAfter = DefaultUnhealthyAfter
	}
	return &Monitor{
		checks:         make(map[string]Check),
		unhealthyAfter: unhealthyAfter,
	}
}

// Update records the health status for a named component. Invalid statuses
// are stored as Unhealthy.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("invalid health status, treating as unhealthy", logging.KeyComponent, name, "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.checks[name]
	failures := 0
	if status != Healthy {
		failures = prev.ConsecutiveFailures
	}
	m.set(name, status, message, failures)
}

// RecordSuccess marks a component healthy and resets its failure count.
func (m *Monitor) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(name, Healthy, "", 0)
}

// RecordFailure counts a failure for a component: degraded at first,
// unhealthy once the consecutive count reaches the threshold.
func (m *Monitor) RecordFailure(name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	failures := m.checks[name].ConsecutiveFailures + 1
	status := Degraded
	if failures >= m.unhealthyAfter {
		status = Unhealthy
	}
	m.set(name, status, msg, failures)
}

// set must be called with mu held.
func (m *Monitor) set(name string, status Status, message string, failures int) {
	prev, existed := m.checks[name]
	m.checks[name] = Check{
		Name:                name,
		Status:              status,
		Message:             message,
		ConsecutiveFailures: failures,
		UpdatedAt:           time.Now(),
	}
	if status != Healthy && (!existed || prev.Status != status) {
		log.Warn("component health changed", logging.KeyComponent, name, "status", string(status), "failures", failures, "message", message)
	} else if status == Healthy && existed && prev.Status != Healthy {
		log.Info("component recovered", logging.KeyComponent, name)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks, or Unknown
// when nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns a JSON-friendly map for the /healthz endpoint. Overall and
// components are read under one lock.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[c.Name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(m.overallLocked()),
		"components": components,
	}
}

// Unknown ranks worst: a component that cannot report is not trusted.
func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 2
	}
}
