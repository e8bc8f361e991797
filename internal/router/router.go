// Package router implements the Cross-Instance Router (C11): each
// scheduler instance holds a stable identity and a TTL-bound presence
// lease, advertises ownership of the nodes and sessions it has a live
// local connection to, and forwards messages for entities owned
// elsewhere through that owner's inbox stream instead of dropping them.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lingua-io/scheduler/internal/schederr"
	"github.com/lingua-io/scheduler/internal/store"
)

// Config tunes presence/ownership leases, the inbox stream, and the
// reclaim/DLQ cadence.
type Config struct {
	PresenceTTL  time.Duration
	OwnerTTL     time.Duration
	StreamMaxLen int64
	StreamBlock  time.Duration
	StreamCount  int64
	ConsumerGroup string

	ReclaimInterval  time.Duration // XAUTOCLAIM + DLQ sweep cadence (spec: 5s)
	ReclaimMinIdle   time.Duration
	DLQMaxDeliveries int64
	DLQMinIdle       time.Duration
}

func (c Config) withDefaults() Config {
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	if c.OwnerTTL <= 0 {
		c.OwnerTTL = 45 * time.Second
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 10000
	}
	if c.StreamBlock <= 0 {
		c.StreamBlock = 5 * time.Second
	}
	if c.StreamCount <= 0 {
		c.StreamCount = 64
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "router"
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 5 * time.Second
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = 5 * time.Second
	}
	if c.DLQMaxDeliveries <= 0 {
		c.DLQMaxDeliveries = 5
	}
	if c.DLQMinIdle <= 0 {
		c.DLQMinIdle = 30 * time.Second
	}
	return c
}

// LocalDeliverer hands a routed message to whatever local connection
// owns the target node or session. Implemented by the transport layer;
// kept as an interface so the router has no direct dependency on
// connection framing, the same split as jobs.Assigner/jobs.Canceller.
type LocalDeliverer interface {
	DeliverToNode(ctx context.Context, nodeID, kind string, payload []byte) error
	DeliverToSession(ctx context.Context, sessionID, kind string, payload []byte) error
}

// envelope is the wire shape of one inbox/DLQ stream entry.
type envelope struct {
	Kind            string          `json:"kind"`
	TargetNodeID    string          `json:"target_node_id,omitempty"`
	TargetSessionID string          `json:"target_session_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// Router resolves node/session ownership and forwards messages that
// target an entity owned by another instance through that instance's
// inbox stream (spec §4.11).
type Router struct {
	instanceID string
	store      store.Store
	keys       store.Keys
	cfg        Config
	local      LocalDeliverer
	consumer   string

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a Router. instanceID must be stable for this process's
// lifetime (it need not survive a restart — ownership leases simply
// expire and get re-claimed under a new id).
func New(instanceID string, st store.Store, keys store.Keys, local LocalDeliverer, cfg Config) *Router {
	return &Router{
		instanceID: instanceID,
		store:      st,
		keys:       keys,
		cfg:        cfg.withDefaults(),
		local:      local,
		consumer:   instanceID,
		done:       make(chan struct{}),
	}
}

// Init ensures this instance's inbox consumer group exists before any
// other instance can XADD to it (spec §4.11: "Consumer-group creation
// must precede any XADD from other instances").
func (r *Router) Init(ctx context.Context) error {
	return r.store.XGroupCreate(ctx, r.keys.InstanceInbox(r.instanceID), r.cfg.ConsumerGroup, true)
}

// RenewPresence refreshes this instance's presence lease. Callers run
// this on a ticker faster than PresenceTTL.
func (r *Router) RenewPresence(ctx context.Context) error {
	return r.store.Set(ctx, r.keys.SchedulerPresence(r.instanceID), "1", r.cfg.PresenceTTL)
}

// ClaimNode records this instance as the owner of nodeID, set on first
// successful registration per spec §4.11. Callers must re-claim
// periodically (faster than OwnerTTL) to keep the lease alive for as
// long as the node stays connected.
func (r *Router) ClaimNode(ctx context.Context, nodeID string) error {
	return r.store.Set(ctx, r.keys.NodeOwner(nodeID), r.instanceID, r.cfg.OwnerTTL)
}

// ReleaseNode clears ownership on disconnect, but only if this instance
// still holds it — a delayed disconnect handler must not clear a newer
// instance's claim on the same node id.
func (r *Router) ReleaseNode(ctx context.Context, nodeID string) error {
	_, err := r.store.SetIfValueMatchesDel(ctx, r.keys.NodeOwner(nodeID), r.instanceID)
	return err
}

// ClaimSession and ReleaseSession mirror ClaimNode/ReleaseNode for
// session ownership.
func (r *Router) ClaimSession(ctx context.Context, sessionID string) error {
	return r.store.Set(ctx, r.keys.SessionOwner(sessionID), r.instanceID, r.cfg.OwnerTTL)
}

func (r *Router) ReleaseSession(ctx context.Context, sessionID string) error {
	_, err := r.store.SetIfValueMatchesDel(ctx, r.keys.SessionOwner(sessionID), r.instanceID)
	return err
}

// RouteToNode delivers payload to nodeID: locally if this instance owns
// it, otherwise via the owning instance's inbox stream. Returns
// schederr.ErrNotFound if no instance currently owns nodeID (it has
// disconnected and its ownership lease has expired).
func (r *Router) RouteToNode(ctx context.Context, nodeID, kind string, payload []byte) error {
	return r.route(ctx, r.keys.NodeOwner(nodeID), envelope{Kind: kind, TargetNodeID: nodeID, Payload: payload})
}

// RouteToSession mirrors RouteToNode for session-bound messages, e.g. a
// translation_result forwarded back to a session's owning instance.
func (r *Router) RouteToSession(ctx context.Context, sessionID, kind string, payload []byte) error {
	return r.route(ctx, r.keys.SessionOwner(sessionID), envelope{Kind: kind, TargetSessionID: sessionID, Payload: payload})
}

func (r *Router) route(ctx context.Context, ownerKey string, env envelope) error {
	owner, found, err := r.store.Get(ctx, ownerKey)
	if err != nil {
		return err
	}
	if !found {
		return schederr.ErrNotFound
	}
	if owner == r.instanceID {
		return r.deliverLocal(ctx, env)
	}
	return r.forward(ctx, owner, env)
}

func (r *Router) deliverLocal(ctx context.Context, env envelope) error {
	if env.TargetNodeID != "" {
		return r.local.DeliverToNode(ctx, env.TargetNodeID, env.Kind, env.Payload)
	}
	return r.local.DeliverToSession(ctx, env.TargetSessionID, env.Kind, env.Payload)
}

func (r *Router) forward(ctx context.Context, ownerInstanceID string, env envelope) error {
	fields, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = r.store.XAddMaxLen(ctx, r.keys.InstanceInbox(ownerInstanceID), r.cfg.StreamMaxLen, fields)
	return err
}

func encodeEnvelope(env envelope) (map[string]string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("router: encode envelope: %w", err)
	}
	return map[string]string{"envelope": string(data)}, nil
}

func decodeEnvelope(fields map[string]string) (envelope, error) {
	var env envelope
	raw, ok := fields["envelope"]
	if !ok {
		return env, fmt.Errorf("router: entry missing envelope field")
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return env, fmt.Errorf("router: decode envelope: %w", err)
	}
	return env, nil
}
