// Package config provides the configuration schema, loader, and
// hot-reload watcher for the scheduler.
package config

// Config is the root configuration structure, loaded from a TOML file
// (default `./config.toml`, per spec §6's CLI contract).
type Config struct {
	Server    ServerConfig    `toml:"server"`
	ModelHub  ModelHubConfig  `toml:"model_hub"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Store     StoreConfig     `toml:"store"`
}

// ServerConfig holds the listener address the scheduler's client and
// node endpoints bind to.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ModelHubConfig names the catalog service used to resolve service/model
// availability, with a local file fallback for offline operation.
type ModelHubConfig struct {
	BaseURL     string `toml:"base_url"`
	StoragePath string `toml:"storage_path"`
}

// SchedulerConfig is the root of every scheduling-behavior knob.
type SchedulerConfig struct {
	MaxConcurrentJobsPerNode int `toml:"max_concurrent_jobs_per_node"`
	JobTimeoutSeconds        int `toml:"job_timeout_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`

	JobTimeout          JobTimeoutConfig          `toml:"job_timeout"`
	LoadBalancer        LoadBalancerConfig        `toml:"load_balancer"`
	NodeHealth          NodeHealthConfig          `toml:"node_health"`
	ModelNotAvailable   ModelNotAvailableConfig   `toml:"model_not_available"`
	TaskBinding         TaskBindingConfig         `toml:"task_binding"`
	WebTaskSegmentation WebTaskSegmentationConfig `toml:"web_task_segmentation"`
	Phase3              Phase3Config              `toml:"phase3"`
	CoreServices        CoreServicesConfig        `toml:"core_services"`
	Observability       ObservabilityConfig       `toml:"observability"`
}

// JobTimeoutConfig tunes the Timeout/Failover Manager's scan (C10).
type JobTimeoutConfig struct {
	PendingTimeoutSeconds int  `toml:"pending_timeout_seconds"`
	FailoverMaxAttempts   int  `toml:"failover_max_attempts"`
	ScanIntervalMs        int  `toml:"scan_interval_ms"`
	SendCancel            bool `toml:"send_cancel"`
}

// LoadBalancerConfig selects the selector's node-scoring strategy.
type LoadBalancerConfig struct {
	Strategy          string  `toml:"strategy"` // "least_connections" | ...
	ResourceThreshold float64 `toml:"resource_threshold"`
}

// FailureThresholdConfig configures the node health FSM's demotion
// triggers (spec §4.2.1).
type FailureThresholdConfig struct {
	WindowSize              int `toml:"window_size"`
	FailureCount            int `toml:"failure_count"`
	ConsecutiveFailureCount int `toml:"consecutive_failure_count"`
}

// NodeHealthConfig tunes the Node Registry's health state machine (C2).
type NodeHealthConfig struct {
	HeartbeatIntervalSeconds int                    `toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int                    `toml:"heartbeat_timeout_seconds"`
	HealthCheckCount         int                    `toml:"health_check_count"`
	WarmupTimeoutSeconds     int                    `toml:"warmup_timeout_seconds"`
	FailureThreshold         FailureThresholdConfig `toml:"failure_threshold"`
	StatusScanIntervalSeconds int                   `toml:"status_scan_interval_seconds"`
}

// ModelNotAvailableConfig tunes the debounce/rate-limit/TTL triple that
// governs MODEL_NOT_AVAILABLE handling (spec §4.7.3).
type ModelNotAvailableConfig struct {
	UnavailableTTLSeconds      int `toml:"unavailable_ttl_seconds"`
	DebounceWindowSeconds      int `toml:"debounce_window_seconds"`
	NodeRatelimitWindowSeconds int `toml:"node_ratelimit_window_seconds"`
	NodeRatelimitMax           int `toml:"node_ratelimit_max"`
}

// TaskBindingConfig tunes job-to-node reservation leases (C7's
// zreserve_with_capacity) and the spread-across-nodes failover policy.
type TaskBindingConfig struct {
	LeaseSeconds        int  `toml:"lease_seconds"`
	ReservedTTLSeconds  int  `toml:"reserved_ttl_seconds"`
	SpreadEnabled       bool `toml:"spread_enabled"`
	SpreadWindowSeconds int  `toml:"spread_window_seconds"`
}

// WebTaskSegmentationConfig tunes how a long browser-originated
// utterance is segmented into chunked jobs.
type WebTaskSegmentationConfig struct {
	PauseMs       int64 `toml:"pause_ms"`
	MaxDurationMs int64 `toml:"max_duration_ms"`
}

// AutoPoolConfig tunes automatic language-pool generation when
// Phase3Config.AutoGenerateLanguagePools is set.
type AutoPoolConfig struct {
	MinNodesPerPool int  `toml:"min_nodes_per_pool"`
	MaxPools        int  `toml:"max_pools"`
	RequireSemantic bool `toml:"require_semantic"`
	EnableMixedPools bool `toml:"enable_mixed_pools"`
}

// PoolDefinition statically declares one pool when Phase3Config.Pools is
// populated directly instead of auto-generated.
type PoolDefinition struct {
	ID        int      `toml:"id"`
	Name      string   `toml:"name"`
	Services  []string `toml:"services"`
	Languages []string `toml:"languages"`
}

// Phase3Config switches on the two-level pool/node selector (C4/C5) and
// tunes its pool-matching semantics.
type Phase3Config struct {
	Enabled                   bool             `toml:"enabled"`
	Mode                      string           `toml:"mode"` // "two_level"
	PoolCount                 int              `toml:"pool_count"`
	HashSeed                  uint64           `toml:"hash_seed"`
	Pools                     []PoolDefinition `toml:"pools"`
	PoolMatchScope            string           `toml:"pool_match_scope"` // "core_only" | "all_required"
	PoolMatchMode             string           `toml:"pool_match_mode"`  // "contains" | "exact"
	StrictPoolEligibility     bool             `toml:"strict_pool_eligibility"`
	EnableSessionAffinity     bool             `toml:"enable_session_affinity"`
	FallbackScanAllPools      bool             `toml:"fallback_scan_all_pools"`
	TenantOverrides           map[string]int   `toml:"tenant_overrides"`
	AutoGenerateLanguagePools bool             `toml:"auto_generate_language_pools"`
	AutoPoolConfig            AutoPoolConfig   `toml:"auto_pool_config"`
}

// CoreServicesConfig names the three pipeline service ids the
// "core_only" pool match scope checks against.
type CoreServicesConfig struct {
	ASRServiceID string `toml:"asr_service_id"`
	NMTServiceID string `toml:"nmt_service_id"`
	TTSServiceID string `toml:"tts_service_id"`
}

// ObservabilityConfig tunes the warn-threshold instrumentation carried
// from the teacher's resilience/observe packages.
type ObservabilityConfig struct {
	LockWaitWarnMs int64 `toml:"lock_wait_warn_ms"`
	PathWarnMs     int64 `toml:"path_warn_ms"`
}

// StoreConfig configures the external store gateway (C1) — connection
// topology, key namespace, and the stream/DLQ/snapshot tuning the Router
// and Node Registry depend on.
type StoreConfig struct {
	Mode      string   `toml:"mode"` // "single" | "cluster"
	Addrs     []string `toml:"addrs"`
	KeyPrefix string   `toml:"key_prefix"`

	OwnerTTLSeconds int `toml:"owner_ttl_seconds"`

	StreamBlockMs    int   `toml:"stream_block_ms"`
	StreamCount      int64 `toml:"stream_count"`
	ConsumerGroup    string `toml:"consumer_group"`
	StreamMaxLen     int64 `toml:"stream_maxlen"`
	DLQMaxDeliveries int64 `toml:"dlq_max_deliveries"`
	DLQMinIdleSeconds int  `toml:"dlq_min_idle_seconds"`

	NodeSnapshotTTLSeconds             int `toml:"node_snapshot_ttl_seconds"`
	NodeSnapshotRefreshIntervalSeconds int `toml:"node_snapshot_refresh_interval_seconds"`
}
