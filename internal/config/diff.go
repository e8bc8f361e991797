package config

// Diff describes what changed between two configs. Only fields safe to
// apply without a process restart are tracked — server bind address,
// store topology, and phase3 pool topology all require a restart and
// are deliberately left out.
type Diff struct {
	LoadBalancerChanged bool
	NewLoadBalancer     LoadBalancerConfig

	NodeHealthChanged bool
	NewNodeHealth     NodeHealthConfig

	ModelNotAvailableChanged bool
	NewModelNotAvailable     ModelNotAvailableConfig

	ObservabilityChanged bool
	NewObservability     ObservabilityConfig
}

// Changed reports whether any tracked field differs.
func (d Diff) Changed() bool {
	return d.LoadBalancerChanged || d.NodeHealthChanged || d.ModelNotAvailableChanged || d.ObservabilityChanged
}

// DiffConfigs compares old and new and returns what changed among the
// hot-reloadable fields.
func DiffConfigs(old, new *Config) Diff {
	var d Diff
	if old.Scheduler.LoadBalancer != new.Scheduler.LoadBalancer {
		d.LoadBalancerChanged = true
		d.NewLoadBalancer = new.Scheduler.LoadBalancer
	}
	if old.Scheduler.NodeHealth != new.Scheduler.NodeHealth {
		d.NodeHealthChanged = true
		d.NewNodeHealth = new.Scheduler.NodeHealth
	}
	if old.Scheduler.ModelNotAvailable != new.Scheduler.ModelNotAvailable {
		d.ModelNotAvailableChanged = true
		d.NewModelNotAvailable = new.Scheduler.ModelNotAvailable
	}
	if old.Scheduler.Observability != new.Scheduler.Observability {
		d.ObservabilityChanged = true
		d.NewObservability = new.Scheduler.Observability
	}
	return d
}
