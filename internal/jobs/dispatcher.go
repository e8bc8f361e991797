package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/registry"
	"github.com/lingua-io/scheduler/internal/schederr"
	"github.com/lingua-io/scheduler/internal/selector"
	"github.com/lingua-io/scheduler/internal/store"
)

// Assigner sends a JobAssign to a node, routing cross-instance via C11 if
// the node is owned by another scheduler instance. Implemented by the
// router/transport layer; kept as an interface here so the dispatcher has
// no direct dependency on transport framing.
type Assigner interface {
	AssignJob(ctx context.Context, nodeID string, j *model.Job) error
}

// Canceller sends a best-effort job_cancel to a node that no longer owns
// a job, per spec §4.10's failover sequence. Implemented by the
// router/transport layer; nil disables cancellation (the old node's
// result, if it ever arrives, is simply ignored by the then-reassigned
// job's FSM shadow).
type Canceller interface {
	CancelJob(ctx context.Context, nodeID, jobID string) error
}

// Dispatcher implements §4.7.2's dispatch sequence: select a node,
// reserve capacity, persist the assignment, send it, and mark the job
// dispatched on acknowledgement. It also implements §4.10's
// dispatched/processing failover reassignment.
type Dispatcher struct {
	repo      *Repository
	shadow    *ShadowWriter
	sel       *selector.Selector
	reg       *registry.Registry
	assigner  Assigner
	canceller Canceller
	store     store.Store
	keys      store.Keys

	reservationTTL time.Duration
	maxConcurrency int
}

// NewDispatcher wires a Dispatcher over its collaborators. canceller may
// be nil if job_cancel delivery is not yet available (e.g. before the
// router/transport layer is wired).
func NewDispatcher(repo *Repository, shadow *ShadowWriter, sel *selector.Selector, reg *registry.Registry, assigner Assigner, canceller Canceller, st store.Store, keys store.Keys, reservationTTL time.Duration) *Dispatcher {
	if reservationTTL <= 0 {
		reservationTTL = 30 * time.Second
	}
	return &Dispatcher{
		repo: repo, shadow: shadow, sel: sel, reg: reg, assigner: assigner, canceller: canceller,
		store: st, keys: keys, reservationTTL: reservationTTL,
	}
}

// Dispatch runs the full sequence for a freshly created or re-submitted
// job: Select, zreserve_with_capacity, persist, send, mark dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, j *model.Job, req selector.Request) error {
	snap := d.reg.Snapshot()
	dec, err := d.sel.Select(ctx, req, snap)
	if err != nil {
		j.Status = model.JobFailed
		_ = d.repo.Put(ctx, j)
		return err
	}

	node, ok := snap.ByID(dec.NodeID)
	if !ok {
		return schederr.ErrNotFound
	}

	reserved, err := d.store.ZReserveWithCapacity(ctx, d.keys.NodeReserved(dec.NodeID), node.CurrentJobs, node.MaxConcurrency, j.JobID, d.reservationTTL)
	if err != nil {
		return fmt.Errorf("jobs: reserve capacity: %w", err)
	}
	if !reserved {
		j.Status = model.JobFailed
		_ = d.repo.Put(ctx, j)
		return schederr.New(schederr.CodeNodeOverloaded, "node capacity exhausted between select and reserve")
	}

	return d.commitDispatch(ctx, j, dec.NodeID)
}

// Failover implements §4.10's dispatched/processing reassignment: select
// a replacement node, CAS the job's attempt id via FailoverReassign
// (a no-op, reported as schederr.ErrStale, if another instance already
// reassigned it), reserve capacity on the new node (marking the job
// Failed if none is left), then emit a best-effort job_cancel to the old
// node and release its reservation, and finally dispatch to the new node
// under the new attempt id.
func (d *Dispatcher) Failover(ctx context.Context, j *model.Job, req selector.Request) error {
	snap := d.reg.Snapshot()
	dec, err := d.sel.Select(ctx, req, snap)
	if err != nil {
		return err
	}
	node, ok := snap.ByID(dec.NodeID)
	if !ok {
		return schederr.ErrNotFound
	}

	oldNodeID := j.AssignedNodeID
	newAttemptID, err := d.repo.FailoverReassign(ctx, j.JobID, dec.NodeID, j.DispatchAttemptID, d.reservationTTL)
	if err != nil {
		return err // schederr.ErrStale: another instance already reassigned this job
	}

	// FailoverReassign already CAS'd the store's attempt id and node
	// fields forward; mirror that onto j immediately so every Put on
	// every exit path below persists the already-committed state instead
	// of reverting it to the pre-CAS values.
	j.DispatchAttemptID = newAttemptID
	j.AssignedNodeID = dec.NodeID

	reserved, err := d.store.ZReserveWithCapacity(ctx, d.keys.NodeReserved(dec.NodeID), node.CurrentJobs, node.MaxConcurrency, j.JobID, d.reservationTTL)
	if err != nil {
		return fmt.Errorf("jobs: reserve capacity: %w", err)
	}
	if !reserved {
		j.Status = model.JobFailed
		_ = d.repo.Put(ctx, j)
		return schederr.New(schederr.CodeNodeOverloaded, "node capacity exhausted during failover reassignment")
	}

	if oldNodeID != "" {
		if d.canceller != nil {
			_ = d.canceller.CancelJob(ctx, oldNodeID, j.JobID)
		}
		_ = d.store.ZRem(ctx, d.keys.NodeReserved(oldNodeID), j.JobID)
	}

	// FailoverAttempts is the caller's retry budget (spec §4.10's
	// failover_max_attempts); Failover only performs the reassignment, the
	// Timeout/Failover Manager owns incrementing and checking it so a
	// Select failure before this point still consumes an attempt.
	return d.commitDispatch(ctx, j, dec.NodeID)
}

// commitDispatch persists the assignment, sends it, and marks the job
// dispatched — the tail shared by Dispatch and Failover once a node has
// been selected and reserved.
func (d *Dispatcher) commitDispatch(ctx context.Context, j *model.Job, nodeID string) error {
	j.AssignedNodeID = nodeID
	j.Status = model.JobAssigned
	if err := d.repo.Put(ctx, j); err != nil {
		return err
	}
	if err := d.shadow.Transition(ctx, j.JobID, j.DispatchAttemptID, model.ShadowCreated); err != nil && !errors.Is(err, schederr.ErrStale) {
		return err
	}

	if err := d.assigner.AssignJob(ctx, nodeID, j); err != nil {
		// Step 5: release the reservation and mark Failed, or retry if
		// budget remains (handled by the failover manager's resubmit path).
		_ = d.store.ZRem(ctx, d.keys.NodeReserved(nodeID), j.JobID)
		j.Status = model.JobFailed
		_ = d.repo.Put(ctx, j)
		return fmt.Errorf("jobs: assign to node %s: %w", nodeID, err)
	}

	if err := d.repo.MarkDispatched(ctx, j.JobID, time.Now(), d.reservationTTL); err != nil {
		if errors.Is(err, schederr.ErrStale) {
			return nil // another caller already marked this dispatched
		}
		return err
	}
	j.DispatchedToNode = true
	j.DispatchedAtMs = time.Now().UnixMilli()
	j.Status = model.JobDispatched
	if err := d.repo.Put(ctx, j); err != nil {
		return err
	}
	if err := d.shadow.Transition(ctx, j.JobID, j.DispatchAttemptID, model.ShadowDispatched); err != nil && !errors.Is(err, schederr.ErrStale) {
		return err
	}
	return nil
}

// CreateJob implements §4.7.1's creation step on top of the repository's
// idempotent CreateOrGet, returning the job and whether it was newly
// created (false means an existing job satisfied this request).
func (d *Dispatcher) CreateJob(ctx context.Context, keyInput model.JobKeyInput, build func(jobID string) *model.Job) (*model.Job, bool, error) {
	jobKey := JobKey(keyInput)
	return d.repo.CreateOrGet(ctx, jobKey, build)
}
