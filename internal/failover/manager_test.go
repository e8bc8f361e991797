package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lingua-io/scheduler/internal/jobs"
	"github.com/lingua-io/scheduler/internal/langindex"
	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/registry"
	"github.com/lingua-io/scheduler/internal/selector"
	"github.com/lingua-io/scheduler/internal/store"
	"github.com/lingua-io/scheduler/internal/storetest"
)

type fakePoolSource struct {
	poolID  int
	members []string
}

func (f *fakePoolSource) Pools() []model.Pool {
	core := map[model.ServiceType]struct{}{model.ServiceASR: {}, model.ServiceNMT: {}, model.ServiceTTS: {}}
	return []model.Pool{{ID: f.poolID, SemanticLangs: map[string]struct{}{"en": {}, "zh": {}}, RequiredTypes: core}}
}

func (f *fakePoolSource) Members(ctx context.Context, poolID int) ([]string, error) {
	return f.members, nil
}

type fakeAssigner struct {
	fail  bool
	calls []string
}

func (f *fakeAssigner) AssignJob(ctx context.Context, nodeID string, j *model.Job) error {
	f.calls = append(f.calls, nodeID)
	if f.fail {
		return errors.New("assign failed")
	}
	return nil
}

type fakeResultSink struct {
	calls []string
}

func (s *fakeResultSink) MarkMissing(sessionID string, idx int, reason string) {
	s.calls = append(s.calls, reason)
}

func registerReadyNode(t *testing.T, reg *registry.Registry, nodeID string) {
	t.Helper()
	ctx := context.Background()
	caps := model.LanguageCapabilities{
		ASRLanguages: map[string]struct{}{"en": {}},
		TTSLanguages: map[string]struct{}{"zh": {}},
		NMT:          model.NMTCapability{Rule: model.NMTAnyToAny, Languages: map[string]struct{}{"en": {}, "zh": {}}},
	}
	id, _, err := reg.Register(ctx, nodeID, caps, model.Hardware{GPUs: []string{"gpu-0"}}, 4, true)
	if err != nil {
		t.Fatalf("register %s: %v", nodeID, err)
	}
	hb := registry.HeartbeatInput{
		Utilization: model.Utilization{GPUPercent: 10},
		InstalledServices: []model.InstalledService{
			{Kind: model.ServiceASR, Status: model.ServiceRunReady},
			{Kind: model.ServiceNMT, Status: model.ServiceRunReady},
			{Kind: model.ServiceTTS, Status: model.ServiceRunReady},
		},
		Capabilities: &caps,
	}
	for i := 0; i < 3; i++ {
		if _, _, err := reg.Heartbeat(ctx, id, hb); err != nil {
			t.Fatalf("heartbeat %s: %v", nodeID, err)
		}
	}
}

type testDeps struct {
	repo       *jobs.Repository
	dispatcher *jobs.Dispatcher
	assigner   *fakeAssigner
	pools      *fakePoolSource
}

func newTestDeps(t *testing.T, nodeIDs ...string) *testDeps {
	t.Helper()
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	idx := langindex.New()
	reg := registry.New(st, keys, idx)
	for _, id := range nodeIDs {
		registerReadyNode(t, reg, id)
	}
	pools := &fakePoolSource{poolID: 1, members: nodeIDs}
	sel := selector.New(pools, idx, nil)
	repo := jobs.NewRepository(st, keys, time.Hour)
	shadow := jobs.NewShadowWriter(st, keys, time.Hour)
	assigner := &fakeAssigner{}
	d := jobs.NewDispatcher(repo, shadow, sel, reg, assigner, nil, st, keys, time.Minute)
	return &testDeps{repo: repo, dispatcher: d, assigner: assigner, pools: pools}
}

func TestManager_PendingTimeoutResubmitsAndSucceeds(t *testing.T) {
	deps := newTestDeps(t, "node-1")
	ctx := context.Background()

	j := &model.Job{
		JobID: "job-1", SourceSession: "sess-1", SrcLang: "en", TgtLang: "zh",
		Pipeline: model.Pipeline{ASR: true, NMT: true, TTS: true},
		Status:   model.JobPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := deps.repo.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}

	m := NewManager(deps.repo, deps.dispatcher, nil, Config{PendingTimeout: time.Millisecond, MaxAttempts: 3})
	m.ScanOnce(ctx)

	got, ok, err := deps.repo.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != model.JobDispatched {
		t.Fatalf("status = %v, want Dispatched after successful resubmit", got.Status)
	}
	if got.FailoverAttempts != 1 {
		t.Fatalf("FailoverAttempts = %d, want 1", got.FailoverAttempts)
	}
	if len(deps.assigner.calls) != 1 {
		t.Fatalf("assigner calls = %d, want 1", len(deps.assigner.calls))
	}
}

func TestManager_PendingTimeoutExhaustsBudgetAndEmitsMissing(t *testing.T) {
	// No nodes registered: selection always fails, so every resubmit fails.
	deps := newTestDeps(t)
	ctx := context.Background()
	sink := &fakeResultSink{}

	j := &model.Job{
		JobID: "job-1", SourceSession: "sess-1", UtteranceIndex: 4, SrcLang: "en", TgtLang: "zh",
		Pipeline:  model.Pipeline{ASR: true, NMT: true, TTS: true},
		Status:    model.JobPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := deps.repo.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}

	m := NewManager(deps.repo, deps.dispatcher, sink, Config{PendingTimeout: time.Millisecond, MaxAttempts: 2})
	m.ScanOnce(ctx) // attempts: 0 -> 1, dispatch fails
	m.ScanOnce(ctx) // attempts: 1 -> 2, dispatch fails
	m.ScanOnce(ctx) // attempts >= max: exhaust

	if len(sink.calls) != 1 || sink.calls[0] != "attempt_budget_exhausted" {
		t.Fatalf("sink calls = %v, want one attempt_budget_exhausted", sink.calls)
	}
	ids, err := deps.repo.ActiveJobIDs(ctx)
	if err != nil {
		t.Fatalf("active job ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("active job ids = %v, want empty after retire", ids)
	}
}

func TestManager_DispatchedTimeoutReassignsToAnotherNode(t *testing.T) {
	deps := newTestDeps(t, "node-1", "node-2")
	ctx := context.Background()

	j := &model.Job{
		JobID: "job-1", SourceSession: "sess-1", SrcLang: "en", TgtLang: "zh",
		Pipeline:         model.Pipeline{ASR: true, NMT: true, TTS: true},
		Status:           model.JobDispatched,
		AssignedNodeID:   "node-1",
		DispatchedToNode: true,
		DispatchedAtMs:   time.Now().Add(-time.Hour).UnixMilli(),
		CreatedAt:        time.Now().Add(-time.Hour),
	}
	if err := deps.repo.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}

	m := NewManager(deps.repo, deps.dispatcher, nil, Config{JobTimeout: time.Millisecond, MaxAttempts: 3})
	m.ScanOnce(ctx)

	got, ok, err := deps.repo.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.AssignedNodeID != "node-2" {
		t.Fatalf("assigned node = %q, want node-2 (node-1 excluded)", got.AssignedNodeID)
	}
	if got.Status != model.JobDispatched {
		t.Fatalf("status = %v, want Dispatched after reassign", got.Status)
	}
	if got.FailoverAttempts != 1 {
		t.Fatalf("FailoverAttempts = %d, want 1", got.FailoverAttempts)
	}
}

func TestManager_DispatchedTimeoutExhaustsBudget(t *testing.T) {
	deps := newTestDeps(t, "node-1")
	ctx := context.Background()
	sink := &fakeResultSink{}

	j := &model.Job{
		JobID: "job-1", SourceSession: "sess-1", UtteranceIndex: 2, SrcLang: "en", TgtLang: "zh",
		Pipeline:         model.Pipeline{ASR: true, NMT: true, TTS: true},
		Status:           model.JobDispatched,
		AssignedNodeID:   "node-1",
		DispatchedToNode: true,
		DispatchedAtMs:   time.Now().Add(-time.Hour).UnixMilli(),
		CreatedAt:        time.Now().Add(-time.Hour),
		FailoverAttempts: 2,
	}
	if err := deps.repo.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}

	// node-1 is the only member and gets excluded by reassignment, so the
	// attempt is bound to fail on selection; the exhaustion check happens
	// before that failed attempt even runs, since attempts already meet
	// the budget.
	m := NewManager(deps.repo, deps.dispatcher, sink, Config{JobTimeout: time.Millisecond, MaxAttempts: 2})
	m.ScanOnce(ctx)

	if len(sink.calls) != 1 || sink.calls[0] != "attempt_budget_exhausted" {
		t.Fatalf("sink calls = %v, want one attempt_budget_exhausted", sink.calls)
	}
	ids, err := deps.repo.ActiveJobIDs(ctx)
	if err != nil {
		t.Fatalf("active job ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("active job ids = %v, want empty after retire", ids)
	}
}
