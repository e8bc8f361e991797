package router

import (
	"context"
	"log/slog"

	"github.com/lingua-io/scheduler/internal/store"
)

// Start begins the inbox worker loop and the periodic reclaim/DLQ sweep
// loop in background goroutines. Call Init first so the inbox's
// consumer group exists before any peer can XADD to it.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.inboxLoop(ctx)
	go r.reclaimLoop(ctx)
}

// Stop halts both loops. Safe to call multiple times.
func (r *Router) Stop() {
	r.stopped.Do(func() { close(r.done) })
	r.wg.Wait()
}

// inboxLoop implements spec §4.11's worker loop: XREADGROUP ... BLOCK
// stream_block_ms COUNT stream_count, deliver locally, ack and delete.
func (r *Router) inboxLoop(ctx context.Context) {
	defer r.wg.Done()
	stream := r.keys.InstanceInbox(r.instanceID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}
		entries, err := r.store.XReadGroup(ctx, stream, r.cfg.ConsumerGroup, r.consumer, r.cfg.StreamBlock, r.cfg.StreamCount)
		if err != nil {
			slog.Warn("router: read inbox", "error", err)
			continue
		}
		for _, e := range entries {
			r.handleEntry(ctx, stream, e)
		}
	}
}

// handleEntry decodes one stream entry and attempts local delivery. A
// malformed envelope is dropped outright (it can never succeed); a
// delivery failure leaves the entry pending so the reclaim loop's
// XAUTOCLAIM picks it up for retry once it has aged past ReclaimMinIdle.
func (r *Router) handleEntry(ctx context.Context, stream string, e store.StreamEntry) {
	env, err := decodeEnvelope(e.Fields)
	if err != nil {
		slog.Warn("router: drop malformed inbox entry", "id", e.ID, "error", err)
		r.ackAndDelete(ctx, stream, e.ID)
		return
	}
	if err := r.deliverLocal(ctx, env); err != nil {
		slog.Warn("router: local delivery failed, left pending for reclaim", "id", e.ID, "kind", env.Kind, "error", err)
		return
	}
	r.ackAndDelete(ctx, stream, e.ID)
}

func (r *Router) ackAndDelete(ctx context.Context, stream, id string) {
	if err := r.store.XAck(ctx, stream, r.cfg.ConsumerGroup, id); err != nil {
		slog.Warn("router: xack", "id", id, "error", err)
	}
	if err := r.store.XDel(ctx, stream, id); err != nil {
		slog.Warn("router: xdel", "id", id, "error", err)
	}
}
