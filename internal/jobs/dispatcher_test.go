package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lingua-io/scheduler/internal/langindex"
	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/registry"
	"github.com/lingua-io/scheduler/internal/selector"
	"github.com/lingua-io/scheduler/internal/store"
	"github.com/lingua-io/scheduler/internal/storetest"
)

type fakePoolSource struct {
	pools   []model.Pool
	members map[int][]string
}

func (f *fakePoolSource) Pools() []model.Pool { return f.pools }
func (f *fakePoolSource) Members(ctx context.Context, poolID int) ([]string, error) {
	return f.members[poolID], nil
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

func readyNMTNode(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	ctx := context.Background()
	caps := model.LanguageCapabilities{
		ASRLanguages: map[string]struct{}{"en": {}},
		TTSLanguages: map[string]struct{}{"zh": {}},
		NMT:          model.NMTCapability{Rule: model.NMTAnyToAny, Languages: map[string]struct{}{"en": {}, "zh": {}}},
	}
	id, _, err := reg.Register(ctx, "node-1", caps, model.Hardware{GPUs: []string{"gpu-0"}}, 4, true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	hb := registry.HeartbeatInput{
		Utilization: model.Utilization{GPUPercent: 10},
		InstalledServices: []model.InstalledService{
			{Kind: model.ServiceASR, Status: model.ServiceRunReady},
			{Kind: model.ServiceNMT, Status: model.ServiceRunReady},
			{Kind: model.ServiceTTS, Status: model.ServiceRunReady},
		},
		CurrentJobs:  0,
		Capabilities: &caps,
	}
	for i := 0; i < 3; i++ {
		if _, _, err := reg.Heartbeat(ctx, id, hb); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	return id
}

func newTestDispatcher(t *testing.T, assigner Assigner) (*Dispatcher, *registry.Registry) {
	t.Helper()
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	idx := langindex.New()
	reg := registry.New(st, keys, idx)
	repo := NewRepository(st, keys, time.Hour)
	shadow := NewShadowWriter(st, keys, time.Hour)

	core := requiredServicesFor(model.ServiceASR, model.ServiceNMT, model.ServiceTTS)
	pools := &fakePoolSource{
		pools:   []model.Pool{{ID: 1, SemanticLangs: map[string]struct{}{"en": {}, "zh": {}}, RequiredTypes: core}},
		members: map[int][]string{},
	}
	sel := selector.New(pools, idx, nil)
	d := NewDispatcher(repo, shadow, sel, reg, assigner, nil, st, keys, time.Minute)

	nodeID := readyNMTNode(t, reg)
	pools.members[1] = []string{nodeID}
	return d, reg
}

func requiredServicesFor(kinds ...model.ServiceType) map[model.ServiceType]struct{} {
	out := make(map[model.ServiceType]struct{}, len(kinds))
	for _, k := range kinds {
		out[k] = struct{}{}
	}
	return out
}

func baseSelectRequest() selector.Request {
	return selector.Request{
		RoutingKey:       "sess-1",
		SrcLang:          "en",
		TgtLang:          "zh",
		RequiredServices: requiredServicesFor(model.ServiceASR, model.ServiceNMT, model.ServiceTTS),
		MatchScope:       model.PoolMatchCoreOnly,
		MatchMode:        model.PoolMatchContains,
	}
}

func TestDispatcher_Dispatch_Success(t *testing.T) {
	assigner := &fakeAssigner{}
	d, _ := newTestDispatcher(t, assigner)

	j := &model.Job{JobID: "job-1", SourceSession: "sess-1", TgtLang: "zh"}
	if err := d.Dispatch(context.Background(), j, baseSelectRequest()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if j.Status != model.JobDispatched {
		t.Fatalf("status = %v, want Dispatched", j.Status)
	}
	if j.AssignedNodeID != "node-1" {
		t.Fatalf("assigned node = %q, want node-1", j.AssignedNodeID)
	}
	if !j.DispatchedToNode {
		t.Fatal("expected DispatchedToNode=true")
	}
	if len(assigner.calls) != 1 || assigner.calls[0] != "node-1" {
		t.Fatalf("assigner calls = %v, want one call to node-1", assigner.calls)
	}

	got, ok, err := d.repo.Get(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("repo get: ok=%v err=%v", ok, err)
	}
	if got.Status != model.JobDispatched {
		t.Fatalf("persisted status = %v, want Dispatched", got.Status)
	}
}

func TestDispatcher_Dispatch_NoAvailableNodeMarksFailed(t *testing.T) {
	assigner := &fakeAssigner{}
	d, _ := newTestDispatcher(t, assigner)

	j := &model.Job{JobID: "job-1", SourceSession: "sess-1", TgtLang: "fr"}
	req := baseSelectRequest()
	req.TgtLang = "fr" // unsupported by the only node
	if err := d.Dispatch(context.Background(), j, req); err == nil {
		t.Fatal("expected selection failure for unsupported target language")
	}
	if j.Status != model.JobFailed {
		t.Fatalf("status = %v, want Failed", j.Status)
	}
	if len(assigner.calls) != 0 {
		t.Fatal("assigner must not be called when selection fails")
	}
}

func TestDispatcher_Dispatch_AssignFailureReleasesReservation(t *testing.T) {
	assigner := &fakeAssigner{fail: true}
	d, _ := newTestDispatcher(t, assigner)

	j := &model.Job{JobID: "job-1", SourceSession: "sess-1", TgtLang: "zh"}
	if err := d.Dispatch(context.Background(), j, baseSelectRequest()); err == nil {
		t.Fatal("expected error when assigner fails")
	}
	if j.Status != model.JobFailed {
		t.Fatalf("status = %v, want Failed", j.Status)
	}

	count, err := d.store.ZCard(context.Background(), d.keys.NodeReserved("node-1"))
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected reservation to be released after assign failure, zcard=%d", count)
	}
}

func TestDispatcher_Failover_ReservationFailurePersistsCASdAttemptID(t *testing.T) {
	assigner := &fakeAssigner{}
	d, _ := newTestDispatcher(t, assigner)

	j := &model.Job{JobID: "job-1", SourceSession: "sess-1", TgtLang: "zh"}
	if err := d.Dispatch(context.Background(), j, baseSelectRequest()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	attemptBeforeFailover := j.DispatchAttemptID

	// Saturate node-1's reservation slots so the replacement-node reserve
	// inside Failover fails even though FailoverReassign has already CAS'd
	// the store forward.
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := d.store.ZAdd(ctx, d.keys.NodeReserved("node-1"), float64(time.Now().Add(time.Hour).UnixMilli()), fmt.Sprintf("filler-%d", i)); err != nil {
			t.Fatalf("zadd filler %d: %v", i, err)
		}
	}

	if err := d.Failover(ctx, j, baseSelectRequest()); err == nil {
		t.Fatal("expected reservation failure during failover")
	}
	if j.Status != model.JobFailed {
		t.Fatalf("status = %v, want Failed", j.Status)
	}
	if j.DispatchAttemptID != attemptBeforeFailover+1 {
		t.Fatalf("in-memory attempt id = %d, want %d (the already-CAS'd value)", j.DispatchAttemptID, attemptBeforeFailover+1)
	}

	got, ok, err := d.repo.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("repo get: ok=%v err=%v", ok, err)
	}
	if got.DispatchAttemptID != attemptBeforeFailover+1 {
		t.Fatalf("persisted attempt id = %d, want %d to match the CAS'd store state", got.DispatchAttemptID, attemptBeforeFailover+1)
	}
	if got.AssignedNodeID != "node-1" {
		t.Fatalf("persisted assigned node = %q, want node-1 (the CAS target)", got.AssignedNodeID)
	}
}

func TestDispatcher_CreateJob_DedupesByJobKey(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeAssigner{})
	keyIn := model.JobKeyInput{TenantID: "t1", SessionID: "sess-1", UtteranceIndex: 1, JobType: "nmt", TgtLang: "zh"}
	build := func(id string) *model.Job {
		return &model.Job{JobID: id, SourceSession: "sess-1", TgtLang: "zh", Status: model.JobPending}
	}
	j1, created1, err := d.CreateJob(context.Background(), keyIn, build)
	if err != nil || !created1 {
		t.Fatalf("created1=%v err=%v", created1, err)
	}
	j2, created2, err := d.CreateJob(context.Background(), keyIn, build)
	if err != nil || created2 {
		t.Fatalf("created2=%v err=%v, want false", created2, err)
	}
	if j1.JobID != j2.JobID {
		t.Fatalf("job ids differ: %s vs %s", j1.JobID, j2.JobID)
	}
}
