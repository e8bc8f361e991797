// Package model defines the scheduler's shared data model: Node, Pool,
// Session, Job, Room, and their supporting value types, per the system's
// data model specification. Types here are plain value/struct types with
// no behaviour beyond small, pure helpers — the stateful machinery that
// operates on them lives in the component packages (registry, pool,
// selector, jobs, session, room).
package model

import "time"

// ServiceType enumerates the kinds of inference service a node can host.
type ServiceType string

const (
	ServiceASR      ServiceType = "asr"
	ServiceNMT      ServiceType = "nmt"
	ServiceTTS      ServiceType = "tts"
	ServiceSemantic ServiceType = "semantic"
	ServiceTone     ServiceType = "tone"
)

// ServiceRunStatus is the lifecycle status of a single installed service.
type ServiceRunStatus string

const (
	ServiceRunStarting ServiceRunStatus = "starting"
	ServiceRunReady    ServiceRunStatus = "ready"
	ServiceRunFailed   ServiceRunStatus = "failed"
	ServiceRunStopped  ServiceRunStatus = "stopped"
)

// DeviceType is the hardware a service runs on.
type DeviceType string

const (
	DeviceCPU DeviceType = "cpu"
	DeviceGPU DeviceType = "gpu"
)

// InstalledService describes one service a node has installed.
type InstalledService struct {
	Kind    ServiceType      `json:"kind"`
	ID      string           `json:"id"`
	Version string           `json:"version"`
	Device  DeviceType       `json:"device"`
	Status  ServiceRunStatus `json:"status"`
}

// NMTRule is the shape of an NMT capability's coverage rule. Rules are
// evaluated lazily (never expanded into pair sets) per the data model's
// rationale: any-to-any over 100 languages would create 10,000 entries
// per node.
type NMTRule string

const (
	NMTAnyToAny       NMTRule = "any_to_any"
	NMTAnyToEn        NMTRule = "any_to_en"
	NMTEnToAny        NMTRule = "en_to_any"
	NMTSpecificPairs  NMTRule = "specific_pairs"
)

// LangPair is an ordered (source, target) language pair.
type LangPair struct {
	Src string
	Tgt string
}

// NMTCapability is a single node's NMT coverage descriptor: a rule plus
// the language set it applies over, plus any explicitly blocked pairs.
type NMTCapability struct {
	Rule      NMTRule
	Languages map[string]struct{}
	Pairs     map[LangPair]struct{} // populated only when Rule == NMTSpecificPairs
	Blocked   map[LangPair]struct{}
}

// Covers reports whether this capability covers the (src, tgt) pair,
// honoring blocked pairs. src/tgt must already be normalized.
func (c NMTCapability) Covers(src, tgt string) bool {
	if _, blocked := c.Blocked[LangPair{Src: src, Tgt: tgt}]; blocked {
		return false
	}
	switch c.Rule {
	case NMTAnyToAny:
		_, okSrc := c.Languages[src]
		_, okTgt := c.Languages[tgt]
		return okSrc && okTgt
	case NMTAnyToEn:
		_, okSrc := c.Languages[src]
		return okSrc && tgt == "en"
	case NMTEnToAny:
		_, okTgt := c.Languages[tgt]
		return src == "en" && okTgt
	case NMTSpecificPairs:
		_, ok := c.Pairs[LangPair{Src: src, Tgt: tgt}]
		return ok
	default:
		return false
	}
}

// LanguageCapabilities holds a node's advertised language coverage across
// the three indexed service kinds plus its NMT descriptor.
type LanguageCapabilities struct {
	ASRLanguages      map[string]struct{}
	TTSLanguages      map[string]struct{}
	SemanticLanguages map[string]struct{}
	NMT               NMTCapability
}

// Hardware is a node's static hardware summary.
type Hardware struct {
	CPUCores int
	MemoryMB int
	GPUs     []string
}

// Utilization is a node's live resource usage, as a percentage in [0, 100].
type Utilization struct {
	CPUPercent    float64
	GPUPercent    float64
	MemoryPercent float64
}

// NodeStatus is the node health FSM state (spec §4.2.1).
type NodeStatus string

const (
	NodeRegistering NodeStatus = "registering"
	NodeReady       NodeStatus = "ready"
	NodeDegraded    NodeStatus = "degraded"
	NodeDraining    NodeStatus = "draining"
	NodeOffline     NodeStatus = "offline"
)

// Node is the full node record held by the Node Registry.
type Node struct {
	NodeID             string
	InstalledServices  []InstalledService
	Capabilities       LanguageCapabilities
	Hardware           Hardware
	Utilization        Utilization
	MaxConcurrency     int
	CurrentJobs        int
	ReservedJobIDs      map[string]struct{}
	Status             NodeStatus
	HeartbeatAt        time.Time
	RegisteredAt       time.Time
	AcceptPublicJobs   bool
	PoolIDs            map[int]struct{}
	Online             bool

	// Health-FSM bookkeeping (not persisted verbatim — recomputed from
	// the heartbeat history kept by the registry, but the last evaluation
	// is cached here for the snapshot consumer).
	ConsecutiveHealthyHeartbeats int
	ConsecutiveFailures          int
	RecentFailures               []bool // ring of last W heartbeat outcomes
}

// EffectiveLoad implements invariant I3: max(current_jobs, |reserved|).
func (n Node) EffectiveLoad() int {
	if len(n.ReservedJobIDs) > n.CurrentJobs {
		return len(n.ReservedJobIDs)
	}
	return n.CurrentJobs
}

// HasGPU reports whether the node has at least one GPU (invariant I4).
func (n Node) HasGPU() bool {
	return len(n.Hardware.GPUs) > 0
}

// HasRunningService reports whether the node has at least one service of
// the given kind in the Ready run state.
func (n Node) HasRunningService(kind ServiceType) bool {
	for _, s := range n.InstalledServices {
		if s.Kind == kind && s.Status == ServiceRunReady {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy of n suitable for handing out of a
// registry snapshot without letting callers mutate internal maps/slices.
func (n Node) Clone() Node {
	cp := n
	cp.InstalledServices = append([]InstalledService(nil), n.InstalledServices...)
	cp.Hardware.GPUs = append([]string(nil), n.Hardware.GPUs...)
	cp.ReservedJobIDs = cloneSet(n.ReservedJobIDs)
	cp.PoolIDs = clonePoolSet(n.PoolIDs)
	cp.Capabilities.ASRLanguages = cloneSet(n.Capabilities.ASRLanguages)
	cp.Capabilities.TTSLanguages = cloneSet(n.Capabilities.TTSLanguages)
	cp.Capabilities.SemanticLanguages = cloneSet(n.Capabilities.SemanticLanguages)
	cp.RecentFailures = append([]bool(nil), n.RecentFailures...)
	return cp
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func clonePoolSet(in map[int]struct{}) map[int]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[int]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
