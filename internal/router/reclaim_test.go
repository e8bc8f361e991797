package router

import (
	"context"
	"testing"
	"time"

	"github.com/lingua-io/scheduler/internal/store"
	"github.com/lingua-io/scheduler/internal/storetest"
)

func TestShouldDeadLetter(t *testing.T) {
	cfg := Config{DLQMaxDeliveries: 5, DLQMinIdle: 30 * time.Second}

	cases := []struct {
		name string
		p    store.PendingEntry
		want bool
	}{
		{"under both thresholds", store.PendingEntry{DeliveryCount: 1, IdleTime: time.Second}, false},
		{"over deliveries but not idle long enough", store.PendingEntry{DeliveryCount: 6, IdleTime: time.Second}, false},
		{"idle long enough but not over deliveries", store.PendingEntry{DeliveryCount: 5, IdleTime: time.Minute}, false},
		{"over both thresholds", store.PendingEntry{DeliveryCount: 6, IdleTime: time.Minute}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := shouldDeadLetter(c.p, cfg); got != c.want {
				t.Fatalf("shouldDeadLetter(%+v) = %v, want %v", c.p, got, c.want)
			}
		})
	}
}

func TestRouter_ReclaimOnce_RetriesEntryLeftPendingByDeadConsumer(t *testing.T) {
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	local := &recordingDeliverer{}
	r := New("instance-b", st, keys, local, Config{ReclaimMinIdle: 0})
	ctx := context.Background()

	if err := r.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	// A different, now-dead consumer read the entry but never acked it.
	if _, err := st.XAddMaxLen(ctx, keys.InstanceInbox("instance-b"), 0, map[string]string{
		"envelope": `{"kind":"job_assign","target_node_id":"node-1","payload":{}}`,
	}); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if _, err := st.XReadGroup(ctx, keys.InstanceInbox("instance-b"), r.cfg.ConsumerGroup, "dead-consumer", 0, 10); err != nil {
		t.Fatalf("initial read: %v", err)
	}

	r.reclaimOnce(ctx)

	if got := local.nodeCalls(); len(got) != 1 || got[0] != "node-1" {
		t.Fatalf("node calls = %v, want [node-1] after reclaim", got)
	}
}
