package config

// WithDefaults returns a copy of cfg with every recognized-but-unset
// option (spec §6) filled to its documented default. Load and
// LoadFromReader always apply this before returning.
func (c Config) WithDefaults() Config {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Scheduler.MaxConcurrentJobsPerNode == 0 {
		c.Scheduler.MaxConcurrentJobsPerNode = 4
	}
	if c.Scheduler.JobTimeoutSeconds == 0 {
		c.Scheduler.JobTimeoutSeconds = 30
	}
	if c.Scheduler.HeartbeatIntervalSeconds == 0 {
		c.Scheduler.HeartbeatIntervalSeconds = 15
	}

	c.Scheduler.JobTimeout = c.Scheduler.JobTimeout.withDefaults()
	c.Scheduler.LoadBalancer = c.Scheduler.LoadBalancer.withDefaults()
	c.Scheduler.NodeHealth = c.Scheduler.NodeHealth.withDefaults()
	c.Scheduler.ModelNotAvailable = c.Scheduler.ModelNotAvailable.withDefaults()
	c.Scheduler.TaskBinding = c.Scheduler.TaskBinding.withDefaults()
	c.Scheduler.WebTaskSegmentation = c.Scheduler.WebTaskSegmentation.withDefaults()
	c.Scheduler.Phase3 = c.Scheduler.Phase3.withDefaults()
	c.Scheduler.Observability = c.Scheduler.Observability.withDefaults()
	c.Store = c.Store.withDefaults()
	return c
}

func (j JobTimeoutConfig) withDefaults() JobTimeoutConfig {
	if j.PendingTimeoutSeconds == 0 {
		j.PendingTimeoutSeconds = 10
	}
	if j.FailoverMaxAttempts == 0 {
		j.FailoverMaxAttempts = 3
	}
	if j.ScanIntervalMs == 0 {
		j.ScanIntervalMs = 1000
	}
	// SendCancel is left alone here: a bool has no "unset" value distinct
	// from false. LoadFromReader seeds it to true before decoding, so a
	// loaded config has it false only when the file says so explicitly.
	return j
}

func (l LoadBalancerConfig) withDefaults() LoadBalancerConfig {
	if l.Strategy == "" {
		l.Strategy = "least_connections"
	}
	if l.ResourceThreshold == 0 {
		l.ResourceThreshold = 25.0
	}
	return l
}

func (n NodeHealthConfig) withDefaults() NodeHealthConfig {
	if n.HeartbeatIntervalSeconds == 0 {
		n.HeartbeatIntervalSeconds = 15
	}
	if n.HeartbeatTimeoutSeconds == 0 {
		n.HeartbeatTimeoutSeconds = 45
	}
	if n.HealthCheckCount == 0 {
		n.HealthCheckCount = 3
	}
	if n.WarmupTimeoutSeconds == 0 {
		n.WarmupTimeoutSeconds = 60
	}
	if n.FailureThreshold.WindowSize == 0 {
		n.FailureThreshold.WindowSize = 5
	}
	if n.FailureThreshold.FailureCount == 0 {
		n.FailureThreshold.FailureCount = 3
	}
	if n.FailureThreshold.ConsecutiveFailureCount == 0 {
		n.FailureThreshold.ConsecutiveFailureCount = 3
	}
	if n.StatusScanIntervalSeconds == 0 {
		n.StatusScanIntervalSeconds = 30
	}
	return n
}

func (m ModelNotAvailableConfig) withDefaults() ModelNotAvailableConfig {
	if m.UnavailableTTLSeconds == 0 {
		m.UnavailableTTLSeconds = 60
	}
	if m.DebounceWindowSeconds == 0 {
		m.DebounceWindowSeconds = 5
	}
	if m.NodeRatelimitWindowSeconds == 0 {
		m.NodeRatelimitWindowSeconds = 10
	}
	if m.NodeRatelimitMax == 0 {
		m.NodeRatelimitMax = 30
	}
	return m
}

func (t TaskBindingConfig) withDefaults() TaskBindingConfig {
	if t.LeaseSeconds == 0 {
		t.LeaseSeconds = 90
	}
	if t.ReservedTTLSeconds == 0 {
		t.ReservedTTLSeconds = 90
	}
	if t.SpreadWindowSeconds == 0 {
		t.SpreadWindowSeconds = 30
	}
	return t
}

func (w WebTaskSegmentationConfig) withDefaults() WebTaskSegmentationConfig {
	if w.PauseMs == 0 {
		w.PauseMs = 1000
	}
	if w.MaxDurationMs == 0 {
		w.MaxDurationMs = 20000
	}
	return w
}

func (p Phase3Config) withDefaults() Phase3Config {
	if p.Mode == "" {
		p.Mode = "two_level"
	}
	if p.PoolMatchScope == "" {
		p.PoolMatchScope = "core_only"
	}
	if p.PoolMatchMode == "" {
		p.PoolMatchMode = "contains"
	}
	p.AutoPoolConfig = p.AutoPoolConfig.withDefaults()
	return p
}

func (a AutoPoolConfig) withDefaults() AutoPoolConfig {
	if a.MinNodesPerPool == 0 {
		a.MinNodesPerPool = 1
	}
	if a.MaxPools == 0 {
		a.MaxPools = 50
	}
	return a
}

func (o ObservabilityConfig) withDefaults() ObservabilityConfig {
	if o.LockWaitWarnMs == 0 {
		o.LockWaitWarnMs = 10
	}
	if o.PathWarnMs == 0 {
		o.PathWarnMs = 50
	}
	return o
}

func (s StoreConfig) withDefaults() StoreConfig {
	if s.Mode == "" {
		s.Mode = "single"
	}
	if len(s.Addrs) == 0 {
		s.Addrs = []string{"127.0.0.1:6379"}
	}
	if s.KeyPrefix == "" {
		s.KeyPrefix = "lingua"
	}
	if s.OwnerTTLSeconds == 0 {
		s.OwnerTTLSeconds = 45
	}
	if s.StreamBlockMs == 0 {
		s.StreamBlockMs = 5000
	}
	if s.StreamCount == 0 {
		s.StreamCount = 64
	}
	if s.ConsumerGroup == "" {
		s.ConsumerGroup = "router"
	}
	if s.StreamMaxLen == 0 {
		s.StreamMaxLen = 10000
	}
	if s.DLQMaxDeliveries == 0 {
		s.DLQMaxDeliveries = 5
	}
	if s.DLQMinIdleSeconds == 0 {
		s.DLQMinIdleSeconds = 30
	}
	if s.NodeSnapshotTTLSeconds == 0 {
		s.NodeSnapshotTTLSeconds = 30
	}
	if s.NodeSnapshotRefreshIntervalSeconds == 0 {
		s.NodeSnapshotRefreshIntervalSeconds = 10
	}
	return s
}
