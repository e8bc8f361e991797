// Package registry implements the Node Registry (C2): the source of
// truth for node identity, capability, health, and pool membership, and
// the immutable snapshot the Selector reads from.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lingua-io/scheduler/internal/langindex"
	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/store"
)

// Snapshot is an immutable, copy-on-write view of the registry's nodes at
// one point in time, safe to read without holding any lock — grounded on
// orchestrator.Orchestrator.ActiveAgents's snapshot-under-RLock idiom.
type Snapshot struct {
	Generation uint64
	Nodes      map[string]model.Node
}

// ByID returns the node with the given id and whether it was present.
func (s *Snapshot) ByID(nodeID string) (model.Node, bool) {
	n, ok := s.Nodes[nodeID]
	return n, ok
}

// Registry holds the per-instance view of every known node and writes
// through to the external store so other instances converge on the same
// state via heartbeats and store reads.
type Registry struct {
	mu         sync.RWMutex
	nodes      map[string]*model.Node
	generation uint64

	store        store.Store
	keys         store.Keys
	index        *langindex.Index
	healthCfg    HealthFSMConfig
	presenceTTL  time.Duration
	newID        func() string
}

// Option configures a [Registry] during construction.
type Option func(*Registry)

// WithHealthConfig overrides the default health FSM tuning.
func WithHealthConfig(cfg HealthFSMConfig) Option {
	return func(r *Registry) { r.healthCfg = cfg }
}

// WithPresenceTTL overrides how long a node's store-side presence key
// lives without a heartbeat refresh. Default 45s (matches the health FSM
// heartbeat timeout).
func WithPresenceTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.presenceTTL = ttl }
}

// New creates a [Registry] backed by st, publishing capability changes
// into idx so C3 stays in lock step (spec §4.3's "kept in lock step with
// node updates").
func New(st store.Store, keys store.Keys, idx *langindex.Index, opts ...Option) *Registry {
	r := &Registry{
		nodes:       make(map[string]*model.Node),
		store:       st,
		keys:        keys,
		index:       idx,
		healthCfg:   DefaultHealthFSMConfig(),
		presenceTTL: 45 * time.Second,
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register implements the `register` operation: if nodeID is empty one is
// minted, and a node hash is persisted with initial status Registering.
func (r *Registry) Register(ctx context.Context, nodeID string, caps model.LanguageCapabilities, hw model.Hardware, maxConcurrency int, acceptPublic bool) (string, model.NodeStatus, error) {
	if nodeID == "" {
		nodeID = r.newID()
	}
	now := time.Now()

	n := &model.Node{
		NodeID:           nodeID,
		Capabilities:     caps,
		Hardware:         hw,
		MaxConcurrency:   maxConcurrency,
		Status:           model.NodeRegistering,
		RegisteredAt:     now,
		HeartbeatAt:      now,
		AcceptPublicJobs: acceptPublic,
		Online:           true,
		ReservedJobIDs:   make(map[string]struct{}),
		PoolIDs:          make(map[int]struct{}),
	}

	r.mu.Lock()
	r.nodes[nodeID] = n
	r.generation++
	r.mu.Unlock()

	r.reindex(n)
	if err := r.persist(ctx, n); err != nil {
		return nodeID, model.NodeRegistering, err
	}
	return nodeID, model.NodeRegistering, nil
}

// HeartbeatInput carries the mutable fields a heartbeat refreshes, per
// spec §4.2's `heartbeat` operation.
type HeartbeatInput struct {
	Utilization       model.Utilization
	InstalledServices []model.InstalledService
	CurrentJobs       int
	Capabilities      *model.LanguageCapabilities // nil if unchanged
}

// Heartbeat implements the `heartbeat` operation: refreshes presence,
// updates mutable fields, re-indexes the node's languages if capabilities
// changed, and evaluates the health FSM. Pool membership is not touched. Returns the node's status after
// evaluation, or (false) if nodeID is unknown.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, in HeartbeatInput) (model.NodeStatus, bool, error) {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return "", false, nil
	}

	n.Utilization = in.Utilization
	n.InstalledServices = in.InstalledServices
	n.CurrentJobs = in.CurrentJobs
	capsChanged := in.Capabilities != nil
	if capsChanged {
		n.Capabilities = *in.Capabilities
	}

	now := time.Now()
	healthy := HeartbeatHealthy(*n)
	status := OnHeartbeat(r.healthCfg, n, healthy, now)
	r.generation++
	nodeCopy := n.Clone()
	r.mu.Unlock()

	if capsChanged {
		r.reindex(&nodeCopy)
	}
	if err := r.persist(ctx, &nodeCopy); err != nil {
		return status, true, err
	}
	return status, true, nil
}

// Drain applies the administrative Ready/Degraded → Draining transition.
func (r *Registry) Drain(ctx context.Context, nodeID string) (bool, error) {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	applied := SetDraining(n)
	r.generation++
	nodeCopy := n.Clone()
	r.mu.Unlock()

	if !applied {
		return false, nil
	}
	return true, r.persist(ctx, &nodeCopy)
}

// ExpireStale scans every node and applies the "Any → Offline" transition
// to those whose presence has lapsed, returning the set of node ids that
// transitioned. Intended to be called periodically by a background loop
// (spec §4.2.1's TTL exit is store-driven in the distributed case, but a
// local scan keeps this instance's view honest between heartbeats).
func (r *Registry) ExpireStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, n := range r.nodes {
		if CheckExpiry(r.healthCfg, n, now) {
			expired = append(expired, id)
			r.index.RemoveNode(id)
			r.generation++
		}
	}
	return expired
}

// Remove deletes a node from the registry entirely (used once its offline
// record has been reaped past the retention window).
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	r.generation++
	r.mu.Unlock()
	r.index.RemoveNode(nodeID)
}

// Snapshot returns a copy-on-write view of every known node, safe to read
// without holding the registry's lock — spec §4.2's "must be consistent
// within itself."
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]model.Node, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n.Clone()
	}
	return &Snapshot{Generation: r.generation, Nodes: out}
}

func (r *Registry) reindex(n *model.Node) {
	var nmt *langindex.NMTNodeCapability
	if n.Capabilities.NMT.Rule != "" {
		nmt = &langindex.NMTNodeCapability{
			NodeID:    n.NodeID,
			Rule:      string(n.Capabilities.NMT.Rule),
			Languages: n.Capabilities.NMT.Languages,
			Pairs:     toPairSet(n.Capabilities.NMT.Pairs),
			Blocked:   toPairSet(n.Capabilities.NMT.Blocked),
		}
	}
	r.index.UpdateNode(n.NodeID, n.Capabilities.ASRLanguages, n.Capabilities.TTSLanguages, n.Capabilities.SemanticLanguages, nmt)
}

func toPairSet(in map[model.LangPair]struct{}) map[[2]string]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[[2]string]struct{}, len(in))
	for p := range in {
		out[[2]string{p.Src, p.Tgt}] = struct{}{}
	}
	return out
}

// nodeRecord is the JSON shape persisted to the store's node snapshot key.
// Kept separate from [model.Node] so the wire representation can evolve
// independently of the in-memory shape (e.g. maps serialize as objects).
type nodeRecord struct {
	NodeID           string                    `json:"node_id"`
	Status           model.NodeStatus          `json:"status"`
	MaxConcurrency   int                       `json:"max_concurrency"`
	CurrentJobs      int                       `json:"current_jobs"`
	AcceptPublicJobs bool                      `json:"accept_public_jobs"`
	HeartbeatAtMs    int64                     `json:"heartbeat_at_ms"`
	RegisteredAtMs   int64                     `json:"registered_at_ms"`
	PoolIDs          []int                     `json:"pool_ids"`
}

func (r *Registry) persist(ctx context.Context, n *model.Node) error {
	rec := nodeRecord{
		NodeID:           n.NodeID,
		Status:           n.Status,
		MaxConcurrency:   n.MaxConcurrency,
		CurrentJobs:      n.CurrentJobs,
		AcceptPublicJobs: n.AcceptPublicJobs,
		HeartbeatAtMs:    n.HeartbeatAt.UnixMilli(),
		RegisteredAtMs:   n.RegisteredAt.UnixMilli(),
	}
	for id := range n.PoolIDs {
		rec.PoolIDs = append(rec.PoolIDs, id)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal node %s: %w", n.NodeID, err)
	}
	if err := r.store.Set(ctx, r.keys.NodeSnapshot(n.NodeID), string(data), r.presenceTTL); err != nil {
		return fmt.Errorf("registry: persist node %s: %w", n.NodeID, err)
	}
	return nil
}
