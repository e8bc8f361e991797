package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/store"
	"github.com/lingua-io/scheduler/internal/storetest"
)

func newTestRepo() *Repository {
	return NewRepository(storetest.New(), store.Keys{Prefix: "test"}, time.Hour)
}

func TestJobKey_DeterministicAndDistinct(t *testing.T) {
	in := model.JobKeyInput{TenantID: "t1", SessionID: "s1", UtteranceIndex: 1, JobType: "nmt", TgtLang: "zh"}
	if JobKey(in) != JobKey(in) {
		t.Fatal("JobKey must be deterministic for identical input")
	}
	other := in
	other.UtteranceIndex = 2
	if JobKey(in) == JobKey(other) {
		t.Fatal("JobKey must differ when utterance index differs")
	}
}

func TestRepository_CreateOrGet_DuplicateSuppression(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	keyIn := model.JobKeyInput{TenantID: "t1", SessionID: "s1", UtteranceIndex: 1, JobType: "nmt", TgtLang: "zh"}
	jobKey := JobKey(keyIn)

	build := func(id string) *model.Job {
		return &model.Job{JobID: id, SourceSession: "s1", TgtLang: "zh", Status: model.JobPending}
	}

	j1, created1, err := repo.CreateOrGet(ctx, jobKey, build)
	if err != nil || !created1 {
		t.Fatalf("first create: created=%v err=%v", created1, err)
	}
	j2, created2, err := repo.CreateOrGet(ctx, jobKey, build)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Fatal("second call with the same job key must not create a new job")
	}
	if j1.JobID != j2.JobID {
		t.Fatalf("expected same job id, got %s vs %s", j1.JobID, j2.JobID)
	}
}

func TestRepository_PutAndGetRoundTrip(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	j := &model.Job{JobID: "job-1", SourceSession: "s1", TgtLang: "zh", Status: model.JobAssigned, DispatchAttemptID: 2}
	if err := repo.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := repo.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != model.JobAssigned || got.DispatchAttemptID != 2 {
		t.Fatalf("got = %+v, want status=assigned attempt=2", got)
	}
}

func TestRepository_MarkDispatched_Transitions(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	j := &model.Job{JobID: "job-1", Status: model.JobAssigned}
	_ = repo.Put(ctx, j)

	if err := repo.MarkDispatched(ctx, "job-1", time.Now(), time.Minute); err != nil {
		t.Fatalf("first mark dispatched: %v", err)
	}
	if err := repo.MarkDispatched(ctx, "job-1", time.Now(), time.Minute); err == nil {
		t.Fatal("expected ErrStale on second, idempotent call")
	}
}

func TestRepository_ActiveJobIDs_TracksNonTerminalAndDropsTerminal(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	now := time.Now()
	j1 := &model.Job{JobID: "job-1", Status: model.JobPending, CreatedAt: now}
	j2 := &model.Job{JobID: "job-2", Status: model.JobDispatched, CreatedAt: now.Add(time.Second)}
	if err := repo.Put(ctx, j1); err != nil {
		t.Fatalf("put job-1: %v", err)
	}
	if err := repo.Put(ctx, j2); err != nil {
		t.Fatalf("put job-2: %v", err)
	}

	ids, err := repo.ActiveJobIDs(ctx)
	if err != nil {
		t.Fatalf("active job ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("active job ids = %v, want 2 entries", ids)
	}

	j1.Status = model.JobCompleted
	if err := repo.Put(ctx, j1); err != nil {
		t.Fatalf("put completed job-1: %v", err)
	}
	ids, err = repo.ActiveJobIDs(ctx)
	if err != nil {
		t.Fatalf("active job ids after completion: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-2" {
		t.Fatalf("active job ids = %v, want only job-2 after job-1 completed", ids)
	}
}

func TestRepository_FailoverReassign_StaleRejected(t *testing.T) {
	repo := newTestRepo()
	ctx := context.Background()
	j := &model.Job{JobID: "job-1", DispatchAttemptID: 0}
	_ = repo.Put(ctx, j)

	newAttempt, err := repo.FailoverReassign(ctx, "job-1", "node-2", 1, time.Minute)
	if err == nil {
		t.Fatalf("expected stale error for wrong expected attempt, got newAttempt=%d", newAttempt)
	}

	newAttempt, err = repo.FailoverReassign(ctx, "job-1", "node-2", 0, time.Minute)
	if err != nil || newAttempt != 1 {
		t.Fatalf("newAttempt=%d err=%v, want 1, nil", newAttempt, err)
	}
}
