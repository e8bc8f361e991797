package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/lingua-io/scheduler/internal/store"
)

func (r *Router) reclaimLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.reclaimOnce(ctx)
			r.dlqSweepOnce(ctx)
		}
	}
}

// reclaimOnce runs XAUTOCLAIM over this instance's own inbox, picking up
// entries left pending beyond ReclaimMinIdle by a consumer that died
// before acking (spec §4.11: "reclaims messages pending beyond 5s from
// dead peers"), and retries local delivery for each.
func (r *Router) reclaimOnce(ctx context.Context) {
	stream := r.keys.InstanceInbox(r.instanceID)
	entries, _, err := r.store.XAutoClaim(ctx, stream, r.cfg.ConsumerGroup, r.consumer, r.cfg.ReclaimMinIdle, "0-0", r.cfg.StreamCount)
	if err != nil {
		slog.Warn("router: xautoclaim", "error", err)
		return
	}
	for _, e := range entries {
		r.handleEntry(ctx, stream, e)
	}
}

// dlqSweepOnce moves entries that have exceeded both the delivery-count
// and idle-time thresholds to this instance's DLQ stream. XCLAIM first
// takes ownership so a message actively being retried by another
// consumer is not yanked mid-delivery (spec §4.11).
func (r *Router) dlqSweepOnce(ctx context.Context) {
	stream := r.keys.InstanceInbox(r.instanceID)
	pending, err := r.store.XPending(ctx, stream, r.cfg.ConsumerGroup, r.cfg.DLQMinIdle, r.cfg.StreamCount)
	if err != nil {
		slog.Warn("router: xpending", "error", err)
		return
	}
	var toMove []string
	for _, p := range pending {
		if shouldDeadLetter(p, r.cfg) {
			toMove = append(toMove, p.ID)
		}
	}
	if len(toMove) == 0 {
		return
	}
	claimed, err := r.store.XClaim(ctx, stream, r.cfg.ConsumerGroup, r.consumer, r.cfg.DLQMinIdle, toMove...)
	if err != nil {
		slog.Warn("router: xclaim for dlq", "error", err)
		return
	}
	for _, e := range claimed {
		if _, err := r.store.XAddMaxLen(ctx, r.keys.InstanceDLQ(r.instanceID), r.cfg.StreamMaxLen, e.Fields); err != nil {
			slog.Warn("router: dlq xadd", "id", e.ID, "error", err)
			continue
		}
		r.ackAndDelete(ctx, stream, e.ID)
	}
}

// shouldDeadLetter is the pure decision spec §4.11 names: delivery count
// over dlq_max_deliveries AND idle time past dlq_min_idle_ms.
func shouldDeadLetter(p store.PendingEntry, cfg Config) bool {
	return p.DeliveryCount > cfg.DLQMaxDeliveries && p.IdleTime >= cfg.DLQMinIdle
}
