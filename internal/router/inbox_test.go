package router

import (
	"context"
	"testing"
	"time"

	"github.com/lingua-io/scheduler/internal/store"
	"github.com/lingua-io/scheduler/internal/storetest"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRouter_InboxLoop_DeliversForwardedMessageAndDrainsEntry(t *testing.T) {
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	local := &recordingDeliverer{}
	r := New("instance-b", st, keys, local, Config{StreamBlock: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Simulate instance-a forwarding a job_assign addressed to a node
	// owned by instance-b.
	sender := New("instance-a", st, keys, &recordingDeliverer{}, Config{})
	if err := st.Set(ctx, keys.NodeOwner("node-1"), "instance-b", time.Minute); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := sender.RouteToNode(ctx, "node-1", "job_assign", []byte(`{"job_id":"j1"}`)); err != nil {
		t.Fatalf("forward: %v", err)
	}

	r.Start(ctx)
	defer r.Stop()

	waitUntil(t, time.Second, func() bool { return len(local.nodeCalls()) == 1 })

	entries, err := st.XReadGroup(ctx, keys.InstanceInbox("instance-b"), r.cfg.ConsumerGroup, "late-consumer", 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("inbox still has %d entries after successful delivery, want 0 (acked + deleted)", len(entries))
	}
}

func TestRouter_InboxLoop_LeavesEntryPendingOnDeliveryFailure(t *testing.T) {
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	local := &recordingDeliverer{fail: true}
	r := New("instance-b", st, keys, local, Config{StreamBlock: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := st.XAddMaxLen(ctx, keys.InstanceInbox("instance-b"), 0, map[string]string{
		"envelope": `{"kind":"job_assign","target_node_id":"node-1","payload":{}}`,
	}); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	r.Start(ctx)
	defer r.Stop()

	time.Sleep(50 * time.Millisecond) // let the inbox loop attempt delivery at least once

	pending, err := st.XPending(ctx, keys.InstanceInbox("instance-b"), r.cfg.ConsumerGroup, 0, 10)
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending entries = %d, want 1 (failed delivery must not be acked)", len(pending))
	}
}
