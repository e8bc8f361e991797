// Package selector implements the two-level worker selector (C5): pool
// choice, then node choice within the pool, with exclusion-reason
// accounting for observability when nothing is eligible.
package selector

import (
	"context"
	"hash/fnv"
	"sort"

	"github.com/lingua-io/scheduler/internal/langindex"
	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/registry"
	"github.com/lingua-io/scheduler/internal/schederr"
)

// ExcludeReason enumerates why a candidate node was rejected (spec §4.5
// Step B's table) — kept for the NO_AVAILABLE_NODE observability payload.
type ExcludeReason string

const (
	ReasonStatusNotReady           ExcludeReason = "status_not_ready"
	ReasonOffline                  ExcludeReason = "offline"
	ReasonNotInPublicPool          ExcludeReason = "not_in_public_pool"
	ReasonGPUUnavailable           ExcludeReason = "gpu_unavailable"
	ReasonModelNotAvailable        ExcludeReason = "model_not_available"
	ReasonLangPairUnsupported      ExcludeReason = "lang_pair_unsupported"
	ReasonASRLangUnsupported       ExcludeReason = "asr_lang_unsupported"
	ReasonTTSLangUnsupported       ExcludeReason = "tts_lang_unsupported"
	ReasonSrcAutoNoCandidate       ExcludeReason = "src_auto_no_candidate"
	ReasonCapacityExceeded         ExcludeReason = "capacity_exceeded"
	ReasonResourceThresholdExceeded ExcludeReason = "resource_threshold_exceeded"
)

// Request is one routing request to the selector.
type Request struct {
	RoutingKey         string
	SrcLang            string // "auto" allowed
	TgtLang            string
	RequiredServices   map[model.ServiceType]struct{}
	MatchScope         model.PoolMatchScope
	MatchMode          model.PoolMatchMode
	RequirePublic      bool
	PreferredNodeID    string
	PreferredPoolID    int
	HasPreferredPool   bool
	ExcludeNodeID      string // spread policy / failover exclusion
	TenantPoolOverride int
	HasTenantOverride  bool
	StrictPoolEligibility bool
	FallbackScanAllPools  bool
	SessionAffinity       bool
	ResourceThresholds    ResourceThresholds
}

// ResourceThresholds caps utilization percentages a node may report before
// being excluded (spec's "ResourceThresholdExceeded").
type ResourceThresholds struct {
	CPUPercent    float64
	GPUPercent    float64
	MemoryPercent float64
}

func (t ResourceThresholds) exceeded(u model.Utilization) bool {
	if t.CPUPercent > 0 && u.CPUPercent >= t.CPUPercent {
		return true
	}
	if t.GPUPercent > 0 && u.GPUPercent >= t.GPUPercent {
		return true
	}
	if t.MemoryPercent > 0 && u.MemoryPercent >= t.MemoryPercent {
		return true
	}
	return false
}

// ModelAvailabilityChecker reports whether (nodeID, serviceID) was recently
// flagged MODEL_NOT_AVAILABLE (spec §4.7.3) — implemented by the job
// dispatcher's debounce/rate-limit state.
type ModelAvailabilityChecker interface {
	IsUnavailable(ctx context.Context, nodeID string, requiredServices map[model.ServiceType]struct{}) bool
}

// PoolSource provides candidate pools and their fresh membership — the
// Pool Manager in production use.
type PoolSource interface {
	Pools() []model.Pool
	Members(ctx context.Context, poolID int) ([]string, error)
}

// Decision is the selector's successful result.
type Decision struct {
	PoolID int
	NodeID string
}

// Selector is a pure function core over an immutable registry snapshot —
// no locks held during selection (spec §4.5).
type Selector struct {
	pools PoolSource
	index *langindex.Index
	avail ModelAvailabilityChecker
}

// New creates a Selector reading pool membership from pools, language
// coverage from idx, and model availability from avail (pass nil to skip
// that filter, e.g. in tests).
func New(pools PoolSource, idx *langindex.Index, avail ModelAvailabilityChecker) *Selector {
	return &Selector{pools: pools, index: idx, avail: avail}
}

// Select implements the two-level selection algorithm.
func (s *Selector) Select(ctx context.Context, req Request, snap *registry.Snapshot) (Decision, error) {
	candidates := s.candidatePools(req)
	if len(candidates) == 0 {
		if req.StrictPoolEligibility {
			return Decision{}, schederr.New(schederr.CodeNoPoolForLangPair, "no pool matches language pair")
		}
		candidates = s.pools.Pools()
	}
	if len(candidates) == 0 {
		return Decision{}, schederr.New(schederr.CodeNoPoolForLangPair, "no pools configured")
	}

	order := s.probeOrder(req, candidates)

	reasonCounts := make(map[ExcludeReason]int)
	for _, p := range order {
		members, err := s.pools.Members(ctx, p.ID)
		if err != nil {
			return Decision{}, err
		}
		nodeID, ok := s.chooseNode(ctx, req, snap, members, reasonCounts)
		if ok {
			return Decision{PoolID: p.ID, NodeID: nodeID}, nil
		}
	}

	return Decision{}, schederr.New(schederr.CodeNoAvailableNode, "no available node").
		WithDetails(map[string]any{"top_exclude_reason": topReason(reasonCounts)})
}

// candidatePools implements Step A's pool-candidate computation.
func (s *Selector) candidatePools(req Request) []model.Pool {
	var out []model.Pool
	for _, p := range s.pools.Pools() {
		if !langMatch(req, p) {
			continue
		}
		if !serviceMatch(req, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func langMatch(req Request, p model.Pool) bool {
	if req.SrcLang == "auto" {
		return p.Contains(req.TgtLang)
	}
	return p.Contains(req.SrcLang) && p.Contains(req.TgtLang)
}

func serviceMatch(req Request, p model.Pool) bool {
	var scope map[model.ServiceType]struct{}
	switch req.MatchScope {
	case model.PoolMatchCoreOnly:
		scope = map[model.ServiceType]struct{}{
			model.ServiceASR: {}, model.ServiceNMT: {}, model.ServiceTTS: {},
		}
	default: // all_required
		scope = req.RequiredServices
	}
	switch req.MatchMode {
	case model.PoolMatchExact:
		if len(scope) != len(p.RequiredTypes) {
			return false
		}
		fallthrough
	default: // contains
		for kind := range scope {
			if _, ok := p.RequiredTypes[kind]; !ok {
				return false
			}
		}
		return true
	}
}

// probeOrder picks the preferred pool (tenant override, else consistent
// hash on routing key) and produces the probe ring.
func (s *Selector) probeOrder(req Request, candidates []model.Pool) []model.Pool {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	preferredIdx := 0
	switch {
	case req.HasTenantOverride:
		for i, p := range candidates {
			if p.ID == req.TenantPoolOverride {
				preferredIdx = i
				break
			}
		}
	case req.HasPreferredPool:
		for i, p := range candidates {
			if p.ID == req.PreferredPoolID {
				preferredIdx = i
				break
			}
		}
	case req.SessionAffinity:
		preferredIdx = int(hashKey(req.RoutingKey) % uint32(len(candidates)))
	default:
		preferredIdx = int(hashKey(req.RoutingKey) % uint32(len(candidates)))
	}

	if !req.FallbackScanAllPools {
		return []model.Pool{candidates[preferredIdx]}
	}

	ring := make([]model.Pool, 0, len(candidates))
	for i := 0; i < len(candidates); i++ {
		ring = append(ring, candidates[(preferredIdx+i)%len(candidates)])
	}
	return ring
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// chooseNode implements Step B: filter pool members by exclusion reason,
// rank survivors, and return the top choice.
func (s *Selector) chooseNode(ctx context.Context, req Request, snap *registry.Snapshot, members []string, reasonCounts map[ExcludeReason]int) (string, bool) {
	type candidate struct {
		node         model.Node
		asrCandidate bool
	}
	var survivors []candidate

	for _, id := range members {
		if id == req.ExcludeNodeID {
			continue
		}
		n, ok := snap.ByID(id)
		if !ok {
			continue
		}
		if reason, excluded := s.exclusionReason(ctx, req, n); excluded {
			reasonCounts[reason]++
			continue
		}
		survivors = append(survivors, candidate{node: n, asrCandidate: req.SrcLang == "auto"})
	}

	if len(survivors) == 0 {
		return "", false
	}

	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i].node, survivors[j].node
		if a.EffectiveLoad() != b.EffectiveLoad() {
			return a.EffectiveLoad() < b.EffectiveLoad()
		}
		if a.Utilization.GPUPercent != b.Utilization.GPUPercent {
			return a.Utilization.GPUPercent < b.Utilization.GPUPercent
		}
		if req.SrcLang == "auto" {
			return len(a.Capabilities.ASRLanguages) > len(b.Capabilities.ASRLanguages)
		}
		return false
	})

	if req.PreferredNodeID != "" {
		for _, c := range survivors {
			if c.node.NodeID == req.PreferredNodeID {
				return c.node.NodeID, true
			}
		}
	}
	return survivors[0].node.NodeID, true
}

func (s *Selector) exclusionReason(ctx context.Context, req Request, n model.Node) (ExcludeReason, bool) {
	if n.Status != model.NodeReady {
		return ReasonStatusNotReady, true
	}
	if !n.Online {
		return ReasonOffline, true
	}
	if req.RequirePublic && !n.AcceptPublicJobs {
		return ReasonNotInPublicPool, true
	}
	if !n.HasGPU() {
		return ReasonGPUUnavailable, true
	}
	if s.avail != nil && s.avail.IsUnavailable(ctx, n.NodeID, req.RequiredServices) {
		return ReasonModelNotAvailable, true
	}
	for kind := range req.RequiredServices {
		if !n.HasRunningService(kind) {
			return ReasonModelNotAvailable, true
		}
	}
	if req.SrcLang != "auto" {
		if _, ok := n.Capabilities.ASRLanguages[req.SrcLang]; !ok {
			if needsService(req, model.ServiceASR) {
				return ReasonASRLangUnsupported, true
			}
		}
	} else {
		if needsService(req, model.ServiceASR) && !hasAnyReadyASR(n) {
			return ReasonSrcAutoNoCandidate, true
		}
	}
	if needsService(req, model.ServiceTTS) {
		if _, ok := n.Capabilities.TTSLanguages[req.TgtLang]; !ok {
			return ReasonTTSLangUnsupported, true
		}
	}
	if needsService(req, model.ServiceNMT) && req.SrcLang != "auto" {
		if !s.nmtCovers(n.NodeID, req.SrcLang, req.TgtLang) {
			return ReasonLangPairUnsupported, true
		}
	}
	if n.EffectiveLoad() >= n.MaxConcurrency {
		return ReasonCapacityExceeded, true
	}
	if req.ResourceThresholds.exceeded(n.Utilization) {
		return ReasonResourceThresholdExceeded, true
	}
	return "", false
}

func needsService(req Request, kind model.ServiceType) bool {
	_, ok := req.RequiredServices[kind]
	return ok
}

func hasAnyReadyASR(n model.Node) bool {
	return n.HasRunningService(model.ServiceASR)
}

func (s *Selector) nmtCovers(nodeID, src, tgt string) bool {
	for _, id := range s.index.FindNodesForNMTPair(src, tgt) {
		if id == nodeID {
			return true
		}
	}
	return false
}

func topReason(counts map[ExcludeReason]int) string {
	var best ExcludeReason
	max := 0
	for r, c := range counts {
		if c > max {
			max = c
			best = r
		}
	}
	return string(best)
}
