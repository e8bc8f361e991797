// Package failover implements the Timeout/Failover Manager (C10): a
// periodic scan over non-terminal jobs that resubmits stalled Pending
// jobs and reassigns Dispatched/Processing jobs away from an
// unresponsive node, bounded by a per-job retry budget so a
// permanently-unavailable pipeline eventually surfaces as a Missing
// result instead of retrying forever.
package failover

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lingua-io/scheduler/internal/jobs"
	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/schederr"
	"github.com/lingua-io/scheduler/internal/selector"
)

const (
	defaultPendingTimeout = 5 * time.Second
	defaultJobTimeout     = 15 * time.Second
	defaultScanInterval   = time.Second
	defaultMaxAttempts    = 3
)

// Config tunes the scan cadence and retry budget.
type Config struct {
	PendingTimeout time.Duration // max age of a Pending job before resubmit
	JobTimeout     time.Duration // max age since dispatched_at before reassign
	ScanInterval   time.Duration
	MaxAttempts    int // failover_max_attempts
}

func (c Config) withDefaults() Config {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = defaultPendingTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// ResultSink receives a Missing-result placeholder once a job's retry
// budget is exhausted, so the session's Result Queue does not block on
// an index that will never complete. Satisfied by *resultqueue.Manager.
type ResultSink interface {
	MarkMissing(sessionID string, utteranceIndex int, reason string)
}

// Manager runs the periodic scan of spec §4.10 — grounded on the same
// ticker/done-channel/sync.Once-Stop shape used throughout the scheduler
// (internal/session.Actor, internal/resultqueue.Manager), itself grounded
// on the teacher's Consolidator.
type Manager struct {
	repo       *jobs.Repository
	dispatcher *jobs.Dispatcher
	results    ResultSink
	cfg        Config

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewManager creates a Manager. results may be nil to disable Missing
// placeholder emission (e.g. in tests exercising retry logic alone).
func NewManager(repo *jobs.Repository, dispatcher *jobs.Dispatcher, results ResultSink, cfg Config) *Manager {
	return &Manager{
		repo:       repo,
		dispatcher: dispatcher,
		results:    results,
		cfg:        cfg.withDefaults(),
		done:       make(chan struct{}),
	}
}

// Start begins the periodic scan loop in a background goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the scan loop. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.ScanOnce(ctx)
		}
	}
}

// ScanOnce runs one pass over the active-jobs index, applying the
// pending-timeout and dispatched/processing-timeout rules to each job.
// Exported so callers (and tests) can drive a deterministic tick without
// waiting on the ticker.
func (m *Manager) ScanOnce(ctx context.Context) {
	ids, err := m.repo.ActiveJobIDs(ctx)
	if err != nil {
		slog.Warn("failover: list active jobs", "error", err)
		return
	}
	now := time.Now()
	for _, id := range ids {
		j, ok, err := m.repo.Get(ctx, id)
		if err != nil {
			slog.Warn("failover: get job", "job_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		m.handleJob(ctx, j, now)
	}
}

func (m *Manager) handleJob(ctx context.Context, j *model.Job, now time.Time) {
	switch j.Status {
	case model.JobPending:
		if now.Sub(j.CreatedAt) > m.cfg.PendingTimeout {
			m.resubmit(ctx, j)
		}
	case model.JobFailed:
		// A prior resubmit/reassign attempt this job's budget has not yet
		// exhausted; retry again this tick.
		m.resubmit(ctx, j)
	case model.JobDispatched, model.JobProcessing:
		if j.DispatchedAtMs > 0 && now.Sub(time.UnixMilli(j.DispatchedAtMs)) > m.cfg.JobTimeout {
			m.reassign(ctx, j)
		}
	}
}

// resubmit implements the Pending-timeout path of spec §4.10: mark
// Failed, then — while the attempt budget remains — try dispatching
// again since the Selector may now find a node.
func (m *Manager) resubmit(ctx context.Context, j *model.Job) {
	if j.FailoverAttempts >= m.cfg.MaxAttempts {
		m.exhaust(ctx, j)
		return
	}
	j.Status = model.JobFailed
	j.FailoverAttempts++
	if err := m.repo.Put(ctx, j); err != nil {
		slog.Warn("failover: mark pending job failed", "job_id", j.JobID, "error", err)
		return
	}
	if err := m.dispatcher.Dispatch(ctx, j, buildRequest(j)); err != nil {
		slog.Warn("failover: resubmit dispatch failed", "job_id", j.JobID, "error", err)
	}
}

// reassign implements the Dispatched/Processing-timeout path of spec
// §4.10: call failover_reassign via the Dispatcher. A stale-caller result
// means another instance already reassigned this job; nothing to do.
func (m *Manager) reassign(ctx context.Context, j *model.Job) {
	if j.FailoverAttempts >= m.cfg.MaxAttempts {
		m.exhaust(ctx, j)
		return
	}
	j.FailoverAttempts++
	if err := m.repo.Put(ctx, j); err != nil {
		slog.Warn("failover: record reassign attempt", "job_id", j.JobID, "error", err)
		return
	}
	req := buildRequest(j)
	req.ExcludeNodeID = j.AssignedNodeID
	if err := m.dispatcher.Failover(ctx, j, req); err != nil {
		if errors.Is(err, schederr.ErrStale) {
			return // another instance already reassigned this job
		}
		slog.Warn("failover: reassign failed", "job_id", j.JobID, "error", err)
	}
}

// exhaust marks a job Failed for good, emits a Missing placeholder so
// the session's Result Queue does not block on this index forever, and
// retires the job from the active-jobs index.
func (m *Manager) exhaust(ctx context.Context, j *model.Job) {
	j.Status = model.JobFailed
	_ = m.repo.Put(ctx, j)
	if m.results != nil {
		m.results.MarkMissing(j.SourceSession, j.UtteranceIndex, "attempt_budget_exhausted")
	}
	if err := m.repo.Retire(ctx, j.JobID); err != nil {
		slog.Warn("failover: retire exhausted job", "job_id", j.JobID, "error", err)
	}
}

// buildRequest reconstructs a selector.Request from a job record alone:
// the failover manager runs independently of the session that created
// the job, so it has none of the session-level preferences (preferred
// pool/node, routing key) — only the job's own language pair and
// pipeline stages.
func buildRequest(j *model.Job) selector.Request {
	required := make(map[model.ServiceType]struct{}, 3)
	if j.Pipeline.ASR {
		required[model.ServiceASR] = struct{}{}
	}
	if j.Pipeline.NMT {
		required[model.ServiceNMT] = struct{}{}
	}
	if j.Pipeline.TTS {
		required[model.ServiceTTS] = struct{}{}
	}
	return selector.Request{
		RoutingKey:       j.SourceSession,
		SrcLang:          j.SrcLang,
		TgtLang:          j.TgtLang,
		RequiredServices: required,
		MatchScope:       model.PoolMatchCoreOnly,
		MatchMode:        model.PoolMatchContains,
	}
}
