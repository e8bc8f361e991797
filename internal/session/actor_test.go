package session

import (
	"context"
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

type countingAssigner struct {
	signal chan struct{}
	calls []*model.Job
}

func newCountingAssigner(buffer int) *countingAssigner {
	return &countingAssigner{signal: make(chan struct{}, buffer)}
}

func (a *countingAssigner) AssignJob(ctx context.Context, nodeID string, j *model.Job) error {
	a.calls = append(a.calls, j)
	select {
	case a.signal <- struct{}{}:
	default:
	}
	return nil
}

type onePoolSource struct {
	poolID  int
	members []string
}

func (p *onePoolSource) Pools() []model.Pool {
	core := map[model.ServiceType]struct{}{model.ServiceASR: {}, model.ServiceNMT: {}, model.ServiceTTS: {}}
	return []model.Pool{{ID: p.poolID, SemanticLangs: map[string]struct{}{"en": {}, "zh": {}}, RequiredTypes: core}}
}

func (p *onePoolSource) Members(ctx context.Context, poolID int) ([]string, error) {
	return p.members, nil
}

func newTestActorDeps(t *testing.T) (*jobs.Dispatcher, *countingAssigner) {
	t.Helper()
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	idx := langindex.New()
	reg := registry.New(st, keys, idx)

	caps := model.LanguageCapabilities{
		ASRLanguages: map[string]struct{}{"en": {}},
		TTSLanguages: map[string]struct{}{"zh": {}},
		NMT:          model.NMTCapability{Rule: model.NMTAnyToAny, Languages: map[string]struct{}{"en": {}, "zh": {}}},
	}
	ctx := context.Background()
	nodeID, _, err := reg.Register(ctx, "node-1", caps, model.Hardware{GPUs: []string{"gpu-0"}}, 4, true)
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
		Capabilities: &caps,
	}
	for i := 0; i < 3; i++ {
		if _, _, err := reg.Heartbeat(ctx, nodeID, hb); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	pools := &onePoolSource{poolID: 1, members: []string{nodeID}}
	sel := selector.New(pools, idx, nil)
	repo := jobs.NewRepository(st, keys, time.Hour)
	shadow := jobs.NewShadowWriter(st, keys, time.Hour)
	assigner := newCountingAssigner(8)
	d := jobs.NewDispatcher(repo, shadow, sel, reg, assigner, nil, st, keys, time.Minute)
	return d, assigner
}

func testSession() model.Session {
	return model.Session{
		SessionID:   "sess-1",
		RoutingKey:  "sess-1",
		TenantID:    "t1",
		SrcLang:     "en",
		TgtLang:     "zh",
		AudioFormat: "pcm16",
		SampleRate:  16000,
	}
}

func waitForAssign(t *testing.T, a *countingAssigner) {
	t.Helper()
	select {
	case <-a.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch to reach the assigner")
	}
}

func TestActor_ManualCutFinalizesAndDispatches(t *testing.T) {
	d, assigner := newTestActorDeps(t)
	a := NewActor(testSession(), Config{PauseMs: 50, MaxDurationMs: 5000}, NewGroupManager("sess-1", 10, 1000), d, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	a.SendAudioChunk(AudioChunk{Bytes: []byte("hello"), TimestampMs: 1, ClientTimestampMs: 1})
	a.SendAudioChunk(AudioChunk{Bytes: []byte("world"), IsFinal: true, TimestampMs: 2, ClientTimestampMs: 2})

	waitForAssign(t, assigner)
	if len(assigner.calls) != 1 {
		t.Fatalf("assigner calls = %d, want 1", len(assigner.calls))
	}
	if string(assigner.calls[0].Audio) != "helloworld" {
		t.Fatalf("dispatched audio = %q, want concatenated chunks", assigner.calls[0].Audio)
	}

	stats := a.Stats()
	if stats.FinalizedByCut != 1 {
		t.Fatalf("FinalizedByCut = %d, want 1", stats.FinalizedByCut)
	}
	if a.currentIndexSnapshot() != 1 {
		t.Fatalf("currentIndex = %d, want 1 after one finalize", a.currentIndexSnapshot())
	}
}

func TestActor_PauseTimeoutFinalizes(t *testing.T) {
	d, assigner := newTestActorDeps(t)
	a := NewActor(testSession(), Config{PauseMs: 30, MaxDurationMs: 5000}, NewGroupManager("sess-1", 10, 1000), d, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	a.SendAudioChunk(AudioChunk{Bytes: []byte("hi"), TimestampMs: 1, ClientTimestampMs: 1})

	waitForAssign(t, assigner)
	stats := a.Stats()
	if stats.FinalizedByPause != 1 {
		t.Fatalf("FinalizedByPause = %d, want 1", stats.FinalizedByPause)
	}
}

func TestActor_PauseSuppressedDuringTTSPlayback(t *testing.T) {
	d, assigner := newTestActorDeps(t)
	group := NewGroupManager("sess-1", 10, 1000)
	group.MarkTTSPlayback(time.Now().Add(time.Hour).UnixMilli())
	a := NewActor(testSession(), Config{PauseMs: 30, MaxDurationMs: 200}, group, d, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	a.SendAudioChunk(AudioChunk{Bytes: []byte("hi"), TimestampMs: 1, ClientTimestampMs: 1})

	// The pause timer fires but is suppressed by the TTS-playback window;
	// only the max-duration timer eventually finalizes.
	waitForAssign(t, assigner)
	stats := a.Stats()
	if stats.SuppressedByTTS == 0 {
		t.Fatal("expected at least one pause trigger suppressed by TTS playback")
	}
	if stats.FinalizedByPause != 0 {
		t.Fatal("pause finalize must not occur while TTS is playing")
	}
	if stats.FinalizedByMaxDur != 1 {
		t.Fatalf("FinalizedByMaxDur = %d, want 1", stats.FinalizedByMaxDur)
	}
}

func TestActor_EmptyFinalizeIsDroppedNotDispatched(t *testing.T) {
	d, assigner := newTestActorDeps(t)
	a := NewActor(testSession(), Config{PauseMs: 5000, MaxDurationMs: 5000}, NewGroupManager("sess-1", 10, 1000), d, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	a.SendIsFinal() // no audio buffered for the current index

	time.Sleep(50 * time.Millisecond)
	if len(assigner.calls) != 0 {
		t.Fatal("an empty finalize must not dispatch a job")
	}
	stats := a.Stats()
	if stats.EmptyFinalizes != 1 {
		t.Fatalf("EmptyFinalizes = %d, want 1", stats.EmptyFinalizes)
	}
	if a.currentIndexSnapshot() != 0 {
		t.Fatal("an empty finalize must not advance the utterance index")
	}
}
