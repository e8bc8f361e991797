package config

import (
	"time"

	"github.com/lingua-io/scheduler/internal/failover"
	"github.com/lingua-io/scheduler/internal/pool"
	"github.com/lingua-io/scheduler/internal/registry"
	"github.com/lingua-io/scheduler/internal/resilience"
	"github.com/lingua-io/scheduler/internal/resultqueue"
	"github.com/lingua-io/scheduler/internal/room"
	"github.com/lingua-io/scheduler/internal/router"
	"github.com/lingua-io/scheduler/internal/session"
	"github.com/lingua-io/scheduler/internal/store"
)

// Keys builds the store key namespace named by store.key_prefix.
func (c Config) Keys() store.Keys {
	return store.Keys{Prefix: c.Store.KeyPrefix}
}

// RedisConfig builds the store gateway's connection config.
func (c Config) RedisConfig() store.RedisConfig {
	return store.RedisConfig{
		Mode:  c.Store.Mode,
		Addrs: c.Store.Addrs,
		Breaker: resilience.CircuitBreakerConfig{
			Name: "store",
		},
	}
}

// FailoverConfig builds the Timeout/Failover Manager's (C10) config.
func (c Config) FailoverConfig() failover.Config {
	jt := c.Scheduler.JobTimeout
	return failover.Config{
		PendingTimeout: time.Duration(jt.PendingTimeoutSeconds) * time.Second,
		JobTimeout:     time.Duration(c.Scheduler.JobTimeoutSeconds) * time.Second,
		ScanInterval:   time.Duration(jt.ScanIntervalMs) * time.Millisecond,
		MaxAttempts:    jt.FailoverMaxAttempts,
	}
}

// PoolConfig builds the Pool Manager's (C4) config.
func (c Config) PoolConfig() pool.Config {
	ap := c.Scheduler.Phase3.AutoPoolConfig
	return pool.Config{
		MinNodesPerPool: ap.MinNodesPerPool,
		MaxPools:        ap.MaxPools,
		RequireSemantic: ap.RequireSemantic,
		LockTTL:         time.Duration(c.Scheduler.TaskBinding.LeaseSeconds) * time.Second,
	}
}

// ResultQueueConfig builds the Result Queue's (C9) config.
func (c Config) ResultQueueConfig() resultqueue.Config {
	return resultqueue.Config{
		GapTimeout:   time.Duration(c.Scheduler.JobTimeoutSeconds) * time.Second,
		ScanInterval: time.Duration(c.Scheduler.JobTimeout.ScanIntervalMs) * time.Millisecond,
	}
}

// SessionConfig builds the Session Actor's (C8) config.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		PauseMs:       c.Scheduler.WebTaskSegmentation.PauseMs,
		MaxDurationMs: c.Scheduler.WebTaskSegmentation.MaxDurationMs,
	}
}

// RouterConfig builds the Cross-Instance Router's (C11) config.
func (c Config) RouterConfig() router.Config {
	s := c.Store
	return router.Config{
		PresenceTTL:      time.Duration(s.OwnerTTLSeconds) * time.Second,
		OwnerTTL:         time.Duration(s.OwnerTTLSeconds) * time.Second,
		StreamMaxLen:     s.StreamMaxLen,
		StreamBlock:      time.Duration(s.StreamBlockMs) * time.Millisecond,
		StreamCount:      s.StreamCount,
		ConsumerGroup:    s.ConsumerGroup,
		ReclaimMinIdle:   time.Duration(s.DLQMinIdleSeconds) * time.Second,
		DLQMaxDeliveries: s.DLQMaxDeliveries,
		DLQMinIdle:       time.Duration(s.DLQMinIdleSeconds) * time.Second,
	}
}

// RoomConfig builds the Room Fan-out's (C12) config. Spec §4.12's
// 30-minute silence timeout and 1-minute scan cadence have no named
// config.* knob in spec §6, so they stay the package's own defaults
// (room.Config's zero value triggers them via withDefaults).
func (c Config) RoomConfig() room.Config {
	return room.Config{}
}

// HealthFSMConfig builds the Node Registry's (C2) health state machine
// config.
func (c Config) HealthFSMConfig() registry.HealthFSMConfig {
	nh := c.Scheduler.NodeHealth
	return registry.HealthFSMConfig{
		HealthyHeartbeatsToReady:    nh.HealthCheckCount,
		WarmupTimeout:               time.Duration(nh.WarmupTimeoutSeconds) * time.Second,
		FailureWindowSize:           nh.FailureThreshold.WindowSize,
		FailureCountInWindow:        nh.FailureThreshold.FailureCount,
		ConsecutiveFailureThreshold: nh.FailureThreshold.ConsecutiveFailureCount,
		HeartbeatTimeout:            time.Duration(nh.HeartbeatTimeoutSeconds) * time.Second,
	}
}

// ModelNotAvailableTuning returns the (debounceWindow, rateLimitWindow,
// unavailableTTL, rateLimitMax) tuple jobs.NewAvailabilityTracker takes.
func (c Config) ModelNotAvailableTuning() (debounceWindow, rateLimitWindow, unavailableTTL time.Duration, rateLimitMax int) {
	mna := c.Scheduler.ModelNotAvailable
	return time.Duration(mna.DebounceWindowSeconds) * time.Second,
		time.Duration(mna.NodeRatelimitWindowSeconds) * time.Second,
		time.Duration(mna.UnavailableTTLSeconds) * time.Second,
		mna.NodeRatelimitMax
}

// ReservationTTL is the jobs.Dispatcher's zreserve_with_capacity lease.
func (c Config) ReservationTTL() time.Duration {
	return time.Duration(c.Scheduler.TaskBinding.ReservedTTLSeconds) * time.Second
}
