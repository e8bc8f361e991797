// Package jobs implements the Job Repository (C6) and Job Dispatcher
// (C7): persistence of job records, idempotent creation keyed by a
// deterministic job key, slot reservation and dispatch, and the FSM
// shadow cross-instance consumers use to distinguish "already finished"
// from "still pending" without loading the full job.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/schederr"
	"github.com/lingua-io/scheduler/internal/store"
)

// Repository persists Job records in the store: a hash of scalar fields
// plus a JSON blob for full reads, per spec §4.6.
type Repository struct {
	store store.Store
	keys  store.Keys
	ttl   time.Duration
}

// NewRepository creates a Repository with the given job record TTL
// (spec §3: "Job entry has a long TTL (hour-scale)").
func NewRepository(st store.Store, keys store.Keys, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Repository{store: st, keys: keys, ttl: ttl}
}

// JobKey computes the deterministic idempotency key for a job creation
// request (spec §4.7.1): hash(tenant_id, session, utterance_index,
// job_type, tgt_lang, feature_flags).
func JobKey(in model.JobKeyInput) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%v", in.TenantID, in.SessionID, in.UtteranceIndex, in.JobType, in.TgtLang, in.Features)
	return hex.EncodeToString(h.Sum(nil))
}

// RequestID computes a job's deterministic request id.
func RequestID(sessionID string, utteranceIndex int, tgtLang, traceID string) string {
	return fmt.Sprintf("%s:%d:%s:%s", sessionID, utteranceIndex, tgtLang, traceID)
}

// jobRecord is the JSON blob persisted alongside the job hash.
type jobRecord struct {
	JobID             string            `json:"job_id"`
	RequestID         string            `json:"request_id"`
	SourceSession     string            `json:"source_session"`
	UtteranceIndex    int               `json:"utterance_index"`
	SrcLang           string            `json:"src_lang"`
	TgtLang           string            `json:"tgt_lang"`
	Pipeline          model.Pipeline    `json:"pipeline"`
	AudioFormat       string            `json:"audio_format"`
	SampleRate        int               `json:"sample_rate"`
	AssignedNodeID    string            `json:"assigned_node_id"`
	DispatchAttemptID int               `json:"dispatch_attempt_id"`
	DispatchedToNode  bool              `json:"dispatched_to_node"`
	DispatchedAtMs    int64             `json:"dispatched_at_ms"`
	Status            model.JobStatus   `json:"status"`
	FailoverAttempts  int               `json:"failover_attempts"`
	TargetSessions    []string          `json:"target_sessions,omitempty"`
	FirstChunkAtMs    int64             `json:"first_chunk_at_ms"`
	CreatedAtMs       int64             `json:"created_at_ms"`
}

func toRecord(j *model.Job) jobRecord {
	return jobRecord{
		JobID: j.JobID, RequestID: j.RequestID, SourceSession: j.SourceSession,
		UtteranceIndex: j.UtteranceIndex, SrcLang: j.SrcLang, TgtLang: j.TgtLang,
		Pipeline: j.Pipeline, AudioFormat: j.AudioFormat, SampleRate: j.SampleRate,
		AssignedNodeID: j.AssignedNodeID, DispatchAttemptID: j.DispatchAttemptID,
		DispatchedToNode: j.DispatchedToNode, DispatchedAtMs: j.DispatchedAtMs,
		Status: j.Status, FailoverAttempts: j.FailoverAttempts,
		TargetSessions: j.TargetSessions, FirstChunkAtMs: j.FirstChunkAtMs,
		CreatedAtMs: j.CreatedAt.UnixMilli(),
	}
}

func fromRecord(r jobRecord, audio []byte, features model.FeatureFlags) *model.Job {
	return &model.Job{
		JobID: r.JobID, RequestID: r.RequestID, SourceSession: r.SourceSession,
		UtteranceIndex: r.UtteranceIndex, SrcLang: r.SrcLang, TgtLang: r.TgtLang,
		Features: features, Pipeline: r.Pipeline, Audio: audio,
		AudioFormat: r.AudioFormat, SampleRate: r.SampleRate,
		AssignedNodeID: r.AssignedNodeID, DispatchAttemptID: r.DispatchAttemptID,
		DispatchedToNode: r.DispatchedToNode, DispatchedAtMs: r.DispatchedAtMs,
		Status: r.Status, FailoverAttempts: r.FailoverAttempts,
		TargetSessions: r.TargetSessions, FirstChunkAtMs: r.FirstChunkAtMs,
		CreatedAt: time.UnixMilli(r.CreatedAtMs),
	}
}

// CreateOrGet implements §4.7.1's "Creation": if jobKey already maps to an
// existing job id, the existing job is returned (duplicate suppression);
// otherwise a new job is built, persisted, and its id indexed under
// jobKey.
func (r *Repository) CreateOrGet(ctx context.Context, jobKey string, build func(jobID string) *model.Job) (*model.Job, bool, error) {
	indexKey := r.keys.JobKeyIndex(jobKey)
	if existingID, found, err := r.store.Get(ctx, indexKey); err != nil {
		return nil, false, err
	} else if found {
		existing, ok, err := r.Get(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return existing, false, nil
		}
	}

	jobID := uuid.NewString()
	j := build(jobID)
	j.CreatedAt = time.Now()
	if j.Status == "" {
		j.Status = model.JobPending
	}

	if err := r.Put(ctx, j); err != nil {
		return nil, false, err
	}
	if err := r.store.Set(ctx, indexKey, jobID, r.ttl); err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// Put writes the full job record and keeps the active-jobs index (used
// by the Timeout/Failover Manager's scan) in sync with the job's status:
// non-terminal jobs are (re-)indexed by creation time, terminal ones are
// removed.
func (r *Repository) Put(ctx context.Context, j *model.Job) error {
	rec := toRecord(j)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jobs: marshal %s: %w", j.JobID, err)
	}
	key := r.keys.Job(j.JobID)
	if err := r.store.HSet(ctx, key, map[string]string{
		"blob":                string(data),
		"dispatch_attempt_id": fmt.Sprint(j.DispatchAttemptID),
		"dispatched_to_node":  boolStr(j.DispatchedToNode),
		"assigned_node_id":    j.AssignedNodeID,
	}); err != nil {
		return fmt.Errorf("jobs: put %s: %w", j.JobID, err)
	}
	if err := r.store.Expire(ctx, key, r.ttl); err != nil {
		return err
	}

	if isTerminalStatus(j.Status) {
		return r.store.ZRem(ctx, r.keys.ActiveJobs(), j.JobID)
	}
	return r.store.ZAdd(ctx, r.keys.ActiveJobs(), float64(j.CreatedAt.UnixMilli()), j.JobID)
}

// isTerminalStatus reports the statuses that need no further attention
// from the Timeout/Failover Manager. Failed is deliberately excluded: a
// Pending-timeout resubmit or a Failover attempt budget still in play
// leaves the job Failed between scan ticks, and it must stay in the
// active index so the next scan can retry it. Retire removes it once the
// budget is actually exhausted.
func isTerminalStatus(s model.JobStatus) bool {
	switch s {
	case model.JobCompleted, model.JobCompletedNoText:
		return true
	default:
		return false
	}
}

// ActiveJobIDs returns every job id currently indexed as not yet
// finished or retired, oldest first.
func (r *Repository) ActiveJobIDs(ctx context.Context) ([]string, error) {
	return r.store.ZRangeByScore(ctx, r.keys.ActiveJobs(), 0, 1<<62)
}

// Retire removes jobID from the active index once the Timeout/Failover
// Manager has exhausted its retry budget and emitted a Missing result;
// the job record itself is left as-is (Failed) for diagnostics.
func (r *Repository) Retire(ctx context.Context, jobID string) error {
	return r.store.ZRem(ctx, r.keys.ActiveJobs(), jobID)
}

// Get reads a job by id.
func (r *Repository) Get(ctx context.Context, jobID string) (*model.Job, bool, error) {
	key := r.keys.Job(jobID)
	fields, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return nil, false, err
	}
	blob, ok := fields["blob"]
	if !ok {
		return nil, false, nil
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, false, fmt.Errorf("jobs: decode %s: %w", jobID, err)
	}
	return fromRecord(rec, nil, model.FeatureFlags{}), true, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// MarkDispatched calls the mark_job_dispatched CAS script and interprets
// its result per spec §4.6.
func (r *Repository) MarkDispatched(ctx context.Context, jobID string, now time.Time, ttl time.Duration) error {
	code, err := r.store.MarkJobDispatched(ctx, r.keys.Job(jobID), now.UnixMilli(), ttl)
	if err != nil {
		return err
	}
	switch code {
	case 0:
		return schederr.ErrNotFound
	case 1:
		return schederr.ErrStale // idempotent no-op, another caller already dispatched
	default:
		return nil
	}
}

// FailoverReassign calls the failover_reassign CAS script and returns the
// new attempt id, or schederr.ErrStale if another instance already
// reassigned this job.
func (r *Repository) FailoverReassign(ctx context.Context, jobID, newNodeID string, expectedAttemptID int, ttl time.Duration) (int, error) {
	code, err := r.store.FailoverReassign(ctx, r.keys.Job(jobID), newNodeID, expectedAttemptID, ttl)
	if err != nil {
		return 0, err
	}
	switch {
	case code == 0:
		return 0, schederr.ErrNotFound
	case code < 0:
		return 0, schederr.ErrStale
	default:
		return code, nil
	}
}
