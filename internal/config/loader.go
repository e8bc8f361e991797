package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
)

var validLoadBalancerStrategies = map[string]bool{
	"least_connections": true,
	"round_robin":        true,
	"random":             true,
	"weighted_resource":  true,
}

var validPoolMatchScopes = map[string]bool{"core_only": true, "all_required": true}
var validPoolMatchModes = map[string]bool{"contains": true, "exact": true}
var validStoreModes = map[string]bool{"single": true, "cluster": true}

// Load reads the TOML configuration file at path, applies defaults, and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes TOML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	// send_cancel defaults to true; seeding it before decoding means only
	// an explicit false in the file turns it off.
	cfg.Scheduler.JobTimeout.SendCancel = true
	dec := toml.NewDecoder(bytesReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode toml: %w", err)
	}
	*cfg = cfg.WithDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, returning
// a joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Store.Mode != "" && !validStoreModes[cfg.Store.Mode] {
		errs = append(errs, fmt.Errorf("store.mode %q is invalid; valid values: single, cluster", cfg.Store.Mode))
	}

	lb := cfg.Scheduler.LoadBalancer
	if lb.Strategy != "" && !validLoadBalancerStrategies[lb.Strategy] {
		errs = append(errs, fmt.Errorf("scheduler.load_balancer.strategy %q is invalid", lb.Strategy))
	}
	if lb.ResourceThreshold < 0 || lb.ResourceThreshold > 100 {
		errs = append(errs, fmt.Errorf("scheduler.load_balancer.resource_threshold %.2f is out of range [0, 100]", lb.ResourceThreshold))
	}

	p3 := cfg.Scheduler.Phase3
	if p3.PoolMatchScope != "" && !validPoolMatchScopes[p3.PoolMatchScope] {
		errs = append(errs, fmt.Errorf("scheduler.phase3.pool_match_scope %q is invalid; valid values: core_only, all_required", p3.PoolMatchScope))
	}
	if p3.PoolMatchMode != "" && !validPoolMatchModes[p3.PoolMatchMode] {
		errs = append(errs, fmt.Errorf("scheduler.phase3.pool_match_mode %q is invalid; valid values: contains, exact", p3.PoolMatchMode))
	}
	if p3.Enabled && !p3.AutoGenerateLanguagePools && len(p3.Pools) == 0 {
		errs = append(errs, errors.New("scheduler.phase3.enabled requires either pools or auto_generate_language_pools"))
	}
	seenPoolIDs := make(map[int]bool, len(p3.Pools))
	for i, pool := range p3.Pools {
		if pool.Name == "" {
			errs = append(errs, fmt.Errorf("scheduler.phase3.pools[%d].name is required", i))
		}
		if seenPoolIDs[pool.ID] {
			errs = append(errs, fmt.Errorf("scheduler.phase3.pools[%d].id %d is a duplicate", i, pool.ID))
		}
		seenPoolIDs[pool.ID] = true
	}

	if cfg.Scheduler.TaskBinding.LeaseSeconds <= 0 {
		errs = append(errs, errors.New("scheduler.task_binding.lease_seconds must be positive"))
	}

	return errors.Join(errs...)
}

type bytesReaderImpl struct {
	data []byte
	pos  int
}

func bytesReader(b []byte) io.Reader {
	return &bytesReaderImpl{data: b}
}

func (r *bytesReaderImpl) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
