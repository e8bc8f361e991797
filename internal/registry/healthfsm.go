package registry

import (
	"time"

	"github.com/lingua-io/scheduler/internal/model"
)

// HealthFSMConfig tunes the node health state machine (spec §4.2.1). It is
// modeled directly on [resilience.CircuitBreaker]'s three-state shape:
// Registering/Ready/Degraded play the role of closed/open/half-open, with
// Draining and Offline added as administrative and TTL exits that the
// breaker has no equivalent for.
type HealthFSMConfig struct {
	// HealthyHeartbeatsToReady is N in "N consecutive healthy heartbeats
	// promote Registering to Ready". Default 3.
	HealthyHeartbeatsToReady int

	// WarmupTimeout demotes a node stuck in Registering to Degraded.
	// Default 60s.
	WarmupTimeout time.Duration

	// FailureWindowSize is W, the size of the rolling heartbeat-outcome
	// window. Default 5.
	FailureWindowSize int

	// FailureCountInWindow is F: a failure window containing at least
	// this many failures demotes Ready to Degraded. Default 3.
	FailureCountInWindow int

	// ConsecutiveFailureThreshold is the alternate demotion trigger: this
	// many consecutive failures demotes Ready to Degraded regardless of
	// the window. Default 3.
	ConsecutiveFailureThreshold int

	// HeartbeatTimeout is the presence TTL; any state crosses to Offline
	// once this much time has elapsed since the last heartbeat. Default
	// 45s.
	HeartbeatTimeout time.Duration
}

// DefaultHealthFSMConfig returns the spec's documented defaults
// (heartbeat_interval_seconds=15, heartbeat_timeout_seconds=45,
// health_check_count=3, warmup_timeout_seconds=60,
// failure_threshold={window_size=5, failure_count=3, consecutive_failure_count=3}).
func DefaultHealthFSMConfig() HealthFSMConfig {
	return HealthFSMConfig{
		HealthyHeartbeatsToReady:    3,
		WarmupTimeout:               60 * time.Second,
		FailureWindowSize:           5,
		FailureCountInWindow:        3,
		ConsecutiveFailureThreshold: 3,
		HeartbeatTimeout:            45 * time.Second,
	}
}

func (c HealthFSMConfig) withDefaults() HealthFSMConfig {
	if c.HealthyHeartbeatsToReady <= 0 {
		c.HealthyHeartbeatsToReady = 3
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = 60 * time.Second
	}
	if c.FailureWindowSize <= 0 {
		c.FailureWindowSize = 5
	}
	if c.FailureCountInWindow <= 0 {
		c.FailureCountInWindow = 3
	}
	if c.ConsecutiveFailureThreshold <= 0 {
		c.ConsecutiveFailureThreshold = 3
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	return c
}

// HeartbeatHealthy evaluates a single heartbeat's pass/fail verdict per
// spec §4.2.1: a GPU must be present, GPU utilization must fall in
// [0, 100], and the node's installed services must report at least one
// Ready service.
func HeartbeatHealthy(n model.Node) bool {
	if !n.HasGPU() {
		return false
	}
	if n.Utilization.GPUPercent < 0 || n.Utilization.GPUPercent > 100 {
		return false
	}
	for _, s := range n.InstalledServices {
		if s.Status == model.ServiceRunReady {
			return true
		}
	}
	return false
}

// OnHeartbeat applies one heartbeat's outcome to the node's health FSM
// state, mutating its bookkeeping fields and status in place, and returns
// the resulting status. now is the heartbeat's arrival time.
func OnHeartbeat(cfg HealthFSMConfig, n *model.Node, healthy bool, now time.Time) model.NodeStatus {
	cfg = cfg.withDefaults()

	n.HeartbeatAt = now
	pushFailureWindow(n, cfg.FailureWindowSize, !healthy)
	if healthy {
		n.ConsecutiveHealthyHeartbeats++
		n.ConsecutiveFailures = 0
	} else {
		n.ConsecutiveHealthyHeartbeats = 0
		n.ConsecutiveFailures++
	}

	switch n.Status {
	case model.NodeRegistering:
		if n.ConsecutiveHealthyHeartbeats >= cfg.HealthyHeartbeatsToReady && hasAnyRunningService(n) {
			n.Status = model.NodeReady
		} else if now.Sub(n.RegisteredAt) > cfg.WarmupTimeout {
			n.Status = model.NodeDegraded
		}

	case model.NodeReady:
		if failuresInWindow(n) >= cfg.FailureCountInWindow || n.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold {
			n.Status = model.NodeDegraded
		}

	case model.NodeDegraded:
		if healthy && n.ConsecutiveFailures == 0 {
			n.Status = model.NodeReady
		}

	case model.NodeDraining, model.NodeOffline:
		// Administrative and TTL states only change via SetDraining /
		// CheckExpiry / explicit re-registration.
	}
	return n.Status
}

func hasAnyRunningService(n *model.Node) bool {
	for _, s := range n.InstalledServices {
		if s.Status == model.ServiceRunReady {
			return true
		}
	}
	return false
}

func pushFailureWindow(n *model.Node, windowSize int, failed bool) {
	n.RecentFailures = append(n.RecentFailures, failed)
	if len(n.RecentFailures) > windowSize {
		n.RecentFailures = n.RecentFailures[len(n.RecentFailures)-windowSize:]
	}
}

func failuresInWindow(n *model.Node) int {
	count := 0
	for _, f := range n.RecentFailures {
		if f {
			count++
		}
	}
	return count
}

// CheckExpiry applies the "Any → Offline" transition: if the node's last
// heartbeat is older than the configured timeout, it is marked Offline.
// Reports whether a transition occurred.
func CheckExpiry(cfg HealthFSMConfig, n *model.Node, now time.Time) bool {
	cfg = cfg.withDefaults()
	if n.Status == model.NodeOffline {
		return false
	}
	if now.Sub(n.HeartbeatAt) <= cfg.HeartbeatTimeout {
		return false
	}
	n.Status = model.NodeOffline
	n.Online = false
	return true
}

// SetDraining applies the administrative "Ready/Degraded → Draining"
// transition. Reports whether the transition was legal.
func SetDraining(n *model.Node) bool {
	if n.Status != model.NodeReady && n.Status != model.NodeDegraded {
		return false
	}
	n.Status = model.NodeDraining
	return true
}
