// Package pool implements the Pool Manager (C4): derives language-set
// pools from node capabilities, maintains pool membership, and serializes
// pool-config writes across instances via a leader-election lock.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/registry"
	"github.com/lingua-io/scheduler/internal/store"
)

// Config tunes pool auto-generation (spec §4.4).
type Config struct {
	MinNodesPerPool int
	MaxPools        int
	RequireSemantic bool
	LockTTL         time.Duration // leader-election lock lease
}

func (c Config) withDefaults() Config {
	if c.MinNodesPerPool <= 0 {
		c.MinNodesPerPool = 1
	}
	if c.MaxPools <= 0 {
		c.MaxPools = 32
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	return c
}

// configDoc is the published pool configuration's wire shape: a single
// versioned value consumers cache locally (spec §4.4's "Pool configuration
// is published as a single value with a version number").
type configDoc struct {
	Version int           `json:"version"`
	Pools   []model.Pool  `json:"pools"`
}

// Manager owns the set of known pools and keeps membership in step with
// registry changes. Leader election for pool-config writes is a
// try_set_nx_ex on a well-known key, the same retry/lease shape the
// teacher's config.Watcher polling loop uses.
type Manager struct {
	cfg   Config
	store store.Store
	keys  store.Keys
	reg   *registry.Registry

	mu      sync.RWMutex
	pools   map[int]model.Pool
	version int

	sf       singleflight.Group
	instance string // identity used as the lock value for safe release
}

// New creates a Manager backed by st, reading/writing pool membership and
// configuration through the given keys.
func New(cfg Config, st store.Store, keys store.Keys, reg *registry.Registry, instanceID string) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		store:    st,
		keys:     keys,
		reg:      reg,
		pools:    make(map[int]model.Pool),
		instance: instanceID,
	}
}

// LoadConfig reads the currently published pool configuration from the
// store and caches it locally. Call at startup and whenever a dynamic
// creation notices a version bump.
func (m *Manager) LoadConfig(ctx context.Context) error {
	raw, found, err := m.store.Get(ctx, m.keys.PoolConfig())
	if err != nil {
		return fmt.Errorf("pool: load config: %w", err)
	}
	if !found {
		return nil
	}
	var doc configDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("pool: decode config: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.Version <= m.version {
		return nil
	}
	m.version = doc.Version
	m.pools = make(map[int]model.Pool, len(doc.Pools))
	for _, p := range doc.Pools {
		m.pools[p.ID] = p
	}
	return nil
}

// Pools returns a snapshot of every known pool.
func (m *Manager) Pools() []model.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// AutoGenerate computes the auto-formed pool set from the registry's
// current snapshot (spec §4.4's "Auto-generation") and publishes it if it
// differs from the cached configuration. Concurrent calls triggered by
// concurrent heartbeats collapse into one attempt via singleflight before
// any of them touch the distributed lock.
func (m *Manager) AutoGenerate(ctx context.Context) error {
	_, err, _ := m.sf.Do("auto-generate", func() (any, error) {
		return nil, m.autoGenerateLocked(ctx)
	})
	return err
}

func (m *Manager) autoGenerateLocked(ctx context.Context) error {
	snap := m.reg.Snapshot()

	groups := make(map[string][]string) // canonical lang-set key -> node ids
	langSetOf := make(map[string][]string)
	for _, n := range snap.Nodes {
		if !eligibleForAutoPool(n, m.cfg.RequireSemantic) {
			continue
		}
		langs := sortedLangs(n.Capabilities.SemanticLanguages)
		if len(langs) == 0 {
			continue
		}
		key := strings.Join(langs, "-")
		groups[key] = append(groups[key], n.NodeID)
		langSetOf[key] = langs
	}

	type candidate struct {
		key     string
		members []string
	}
	var candidates []candidate
	for key, members := range groups {
		if len(members) >= m.cfg.MinNodesPerPool {
			candidates = append(candidates, candidate{key: key, members: members})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i].members) > len(candidates[j].members) })
	if len(candidates) > m.cfg.MaxPools {
		candidates = candidates[:m.cfg.MaxPools]
	}

	locked, token, err := m.acquireConfigLock(ctx)
	if err != nil {
		return err
	}
	if !locked {
		// Another instance is publishing; read back its result shortly.
		time.Sleep(50 * time.Millisecond)
		return m.LoadConfig(ctx)
	}
	defer m.releaseConfigLock(ctx, token)

	m.mu.Lock()
	nextID := 1
	for id := range m.pools {
		if id >= nextID {
			nextID = id + 1
		}
	}
	newPools := make(map[int]model.Pool, len(candidates))
	for _, c := range candidates {
		id := m.findPoolIDByLangKey(c.key)
		if id == 0 {
			id = nextID
			nextID++
		}
		newPools[id] = model.Pool{
			ID:            id,
			Name:          c.key,
			RequiredTypes: defaultRequiredTypes(m.cfg.RequireSemantic),
			SemanticLangs: setOf(langSetOf[c.key]),
			NMT: model.NMTCapability{
				Rule:      model.NMTAnyToAny,
				Languages: setOf(langSetOf[c.key]),
			},
			Manual:  false,
			Version: int64(m.version + 1),
		}
	}
	m.pools = newPools
	m.version++
	doc := configDoc{Version: m.version, Pools: mapValues(m.pools)}
	m.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pool: marshal config: %w", err)
	}
	if err := m.store.Set(ctx, m.keys.PoolConfig(), string(data), 0); err != nil {
		return fmt.Errorf("pool: publish config: %w", err)
	}
	return m.syncMembership(ctx, snap)
}

func (m *Manager) findPoolIDByLangKey(key string) int {
	for id, p := range m.pools {
		if p.Name == key && !p.Manual {
			return id
		}
	}
	return 0
}

func eligibleForAutoPool(n model.Node, requireSemantic bool) bool {
	required := []model.ServiceType{model.ServiceASR, model.ServiceNMT, model.ServiceTTS}
	if requireSemantic {
		required = append(required, model.ServiceSemantic)
	}
	for _, kind := range required {
		if !n.HasRunningService(kind) {
			return false
		}
	}
	return true
}

func defaultRequiredTypes(requireSemantic bool) map[model.ServiceType]struct{} {
	types := map[model.ServiceType]struct{}{
		model.ServiceASR: {}, model.ServiceNMT: {}, model.ServiceTTS: {},
	}
	if requireSemantic {
		types[model.ServiceSemantic] = struct{}{}
	}
	return types
}

func sortedLangs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func setOf(langs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(langs))
	for _, l := range langs {
		out[l] = struct{}{}
	}
	return out
}

func mapValues(m map[int]model.Pool) []model.Pool {
	out := make([]model.Pool, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// acquireConfigLock attempts the leader-election lock that serializes
// pool-config writes across instances (spec §4.4). token is the value to
// present back to releaseConfigLock.
func (m *Manager) acquireConfigLock(ctx context.Context) (bool, string, error) {
	token := m.instance + ":" + fmt.Sprint(time.Now().UnixNano())
	ok, err := m.store.SetNXEX(ctx, m.keys.PoolConfigLock(), token, m.cfg.LockTTL)
	if err != nil {
		return false, "", fmt.Errorf("pool: acquire lock: %w", err)
	}
	return ok, token, nil
}

func (m *Manager) releaseConfigLock(ctx context.Context, token string) {
	_, _ = m.store.SetIfValueMatchesDel(ctx, m.keys.PoolConfigLock(), token)
}

// syncMembership implements "Membership update": diff each node's
// desired pool set against the store's member sets, add/remove as needed.
func (m *Manager) syncMembership(ctx context.Context, snap *registry.Snapshot) error {
	m.mu.RLock()
	pools := mapValues(m.pools)
	m.mu.RUnlock()

	for _, n := range snap.Nodes {
		desired := desiredPools(n, pools)
		for _, p := range pools {
			_, wants := desired[p.ID]
			if wants {
				if err := m.store.SAdd(ctx, m.keys.PoolMembers(p.ID), n.NodeID); err != nil {
					return err
				}
			} else {
				if err := m.store.SRem(ctx, m.keys.PoolMembers(p.ID), n.NodeID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// desiredPools implements the invariant "for a node with Semantic-set S,
// desired_pools(node) = { p : p.language_set == S } in auto mode."
func desiredPools(n model.Node, pools []model.Pool) map[int]struct{} {
	out := make(map[int]struct{})
	nodeSet := n.Capabilities.SemanticLanguages
	for _, p := range pools {
		if p.Manual {
			continue
		}
		if sameSet(nodeSet, p.SemanticLangs) {
			out[p.ID] = struct{}{}
		}
	}
	return out
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Members returns the current member node ids of pool id, read fresh from
// the store (spec §4.5 Step B: "pool members (freshly read)").
func (m *Manager) Members(ctx context.Context, poolID int) ([]string, error) {
	return m.store.SMembers(ctx, m.keys.PoolMembers(poolID))
}
