package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/store"
	"github.com/lingua-io/scheduler/internal/storetest"
)

func TestJobRouter_AssignJob_DeliversEncodedPayloadLocally(t *testing.T) {
	local := &recordingDeliverer{}
	r, _ := newTestRouter(t, "instance-a", local)
	ctx := context.Background()
	jr := NewJobRouter(r)

	if err := r.ClaimNode(ctx, "node-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	j := &model.Job{JobID: "job-1", SrcLang: "en", TgtLang: "zh", Pipeline: model.Pipeline{ASR: true}}
	if err := jr.AssignJob(ctx, "node-1", j); err != nil {
		t.Fatalf("assign job: %v", err)
	}
	if len(local.nodeCalls()) != 1 {
		t.Fatalf("node calls = %v, want 1 delivery", local.nodeCalls())
	}
}

func TestJobRouter_CancelJob_ForwardsToOwningInstance(t *testing.T) {
	r, st := newTestRouter(t, "instance-a", &recordingDeliverer{})
	ctx := context.Background()
	keys := store.Keys{Prefix: "test"}
	jr := NewJobRouter(r)

	if err := st.Set(ctx, keys.NodeOwner("node-1"), "instance-b", 0); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := jr.CancelJob(ctx, "node-1", "job-1"); err != nil {
		t.Fatalf("cancel job: %v", err)
	}

	if err := st.XGroupCreate(ctx, keys.InstanceInbox("instance-b"), "router", true); err != nil {
		t.Fatalf("group create: %v", err)
	}
	entries, err := st.XReadGroup(ctx, keys.InstanceInbox("instance-b"), "router", "c1", 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	var env envelope
	if err := json.Unmarshal([]byte(entries[0].Fields["envelope"]), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != "job_cancel" {
		t.Fatalf("kind = %q, want job_cancel", env.Kind)
	}
}
