package jobs

import (
	"context"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/schederr"
	"github.com/lingua-io/scheduler/internal/store"
)

// ShadowWriter writes the minimal cross-instance FSM shadow (spec
// §4.7.4): CREATED → DISPATCHED → ACCEPTED → RUNNING → FINISHED →
// RELEASED, keyed by job id, guarded by dispatch-attempt-id CAS so a
// stale attempt's late message cannot regress a newer attempt's state.
type ShadowWriter struct {
	store store.Store
	keys  store.Keys
	ttl   time.Duration
}

// NewShadowWriter creates a ShadowWriter with the repository's job TTL.
func NewShadowWriter(st store.Store, keys store.Keys, ttl time.Duration) *ShadowWriter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ShadowWriter{store: st, keys: keys, ttl: ttl}
}

// Transition applies a shadow state change for jobID under attemptID.
// Returns schederr.ErrStale if a newer attempt has already written state.
func (w *ShadowWriter) Transition(ctx context.Context, jobID string, attemptID int, state model.FSMShadowState) error {
	code, err := w.store.FSMShadowTransition(ctx, w.keys.JobFSM(jobID), attemptID, string(state), w.ttl)
	if err != nil {
		return err
	}
	if code == 0 {
		return schederr.ErrStale
	}
	return nil
}
