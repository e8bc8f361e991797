package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/store"
	"github.com/lingua-io/scheduler/internal/storetest"
)

func newTestTracker(rateLimitMax int) *AvailabilityTracker {
	return NewAvailabilityTracker(storetest.New(), store.Keys{Prefix: "test"}, time.Minute, time.Minute, time.Minute, rateLimitMax)
}

func TestAvailabilityTracker_MarksUnavailable(t *testing.T) {
	tr := newTestTracker(10)
	ctx := context.Background()
	if err := tr.ReportUnavailable(ctx, "node-1", "asr-1", "v1"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if !tr.IsUnavailable(ctx, "node-1", map[model.ServiceType]struct{}{model.ServiceASR: {}}) {
		t.Fatal("expected node-1/asr-1 to be flagged unavailable")
	}
	if tr.IsUnavailable(ctx, "node-1", map[model.ServiceType]struct{}{model.ServiceNMT: {}}) {
		t.Fatal("nmt was never reported unavailable")
	}
	if tr.IsUnavailable(ctx, "node-2", map[model.ServiceType]struct{}{model.ServiceASR: {}}) {
		t.Fatal("node-2 was never reported unavailable")
	}
}

func TestAvailabilityTracker_DebouncesRepeatedReports(t *testing.T) {
	tr := newTestTracker(1) // rate limit max 1: a second non-debounced report would be rate limited
	ctx := context.Background()
	if err := tr.ReportUnavailable(ctx, "node-1", "asr-1", "v1"); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if err := tr.ReportUnavailable(ctx, "node-1", "asr-1", "v1"); err != nil {
		t.Fatalf("second report: %v", err)
	}
	// Still only counts as one entry against the rate limit since the
	// second call was debounced and never reached the rate-limit check.
	if err := tr.ReportUnavailable(ctx, "node-2", "asr-1", "v1"); err != nil {
		t.Fatalf("third report from a different node, same service/version: %v", err)
	}
}

func TestAvailabilityTracker_RateLimitDropsExcessReports(t *testing.T) {
	tr := newTestTracker(1)
	ctx := context.Background()
	// Distinct (service, version) pairs avoid the debounce key so each
	// call reaches the rate-limit check for node-1.
	if err := tr.ReportUnavailable(ctx, "node-1", "asr-1", "v1"); err != nil {
		t.Fatalf("report 1: %v", err)
	}
	if err := tr.ReportUnavailable(ctx, "node-1", "asr-1", "v2"); err != nil {
		t.Fatalf("report 2: %v", err)
	}
	if !tr.IsUnavailable(ctx, "node-1", map[model.ServiceType]struct{}{model.ServiceASR: {}}) {
		t.Fatal("expected first report to have marked unavailable before the limit was hit")
	}
}
