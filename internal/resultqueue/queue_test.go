package resultqueue

import (
	"testing"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
)

func TestQueue_DeliversInOrderDespiteOutOfOrderCompletion(t *testing.T) {
	q := NewQueue("sess-1", 16, time.Minute)
	now := time.Now()
	q.Track(0, now)
	q.Track(1, now)
	q.Track(2, now)

	// Utterance 2 finishes first, then 0, then 1.
	q.MarkReady(2, model.JobResult{UtteranceIndex: 2})
	if entries := q.GetReadyResults(); len(entries) != 0 {
		t.Fatalf("expected no deliverable entries while index 0 is pending, got %d", len(entries))
	}

	q.MarkReady(0, model.JobResult{UtteranceIndex: 0})
	entries := q.GetReadyResults()
	if len(entries) != 1 || entries[0].UtteranceIndex != 0 {
		t.Fatalf("entries = %+v, want only index 0 delivered", entries)
	}
	if q.Head() != 1 {
		t.Fatalf("head = %d, want 1", q.Head())
	}

	q.MarkReady(1, model.JobResult{UtteranceIndex: 1})
	entries = q.GetReadyResults()
	if len(entries) != 2 || entries[0].UtteranceIndex != 1 || entries[1].UtteranceIndex != 2 {
		t.Fatalf("entries = %+v, want indexes 1 then 2 delivered together", entries)
	}
	if q.Head() != 3 {
		t.Fatalf("head = %d, want 3", q.Head())
	}
}

func TestQueue_GapTimeoutUnblocksHeadOfLine(t *testing.T) {
	gapTimeout := 10 * time.Millisecond
	q := NewQueue("sess-1", 16, gapTimeout)
	start := time.Now()
	q.Track(0, start)
	q.Track(1, start)
	q.MarkReady(1, model.JobResult{UtteranceIndex: 1})

	// Not yet past the gap timeout: index 0 still blocks delivery.
	q.ApplyGapTimeout(start)
	if entries := q.GetReadyResults(); len(entries) != 0 {
		t.Fatalf("expected no delivery before gap timeout elapses, got %d", len(entries))
	}

	q.ApplyGapTimeout(start.Add(gapTimeout * 2))
	entries := q.GetReadyResults()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2 after gap timeout evicts index 0", entries)
	}
	if entries[0].State != SlotMissing || entries[0].Reason != "gap_timeout" {
		t.Fatalf("entries[0] = %+v, want Missing(gap_timeout)", entries[0])
	}
	if entries[1].UtteranceIndex != 1 || entries[1].State != SlotReady {
		t.Fatalf("entries[1] = %+v, want index 1 Ready", entries[1])
	}
}

func TestQueue_GapTimeoutDoesNotFireWithoutANewerResolvedEntry(t *testing.T) {
	gapTimeout := 10 * time.Millisecond
	q := NewQueue("sess-1", 16, gapTimeout)
	start := time.Now()
	q.Track(0, start)

	// No newer index has become Ready/Missing, so the lone pending head
	// must not be evicted even long after the gap timeout would have
	// elapsed: there is nothing behind it being blocked.
	q.ApplyGapTimeout(start.Add(gapTimeout * 100))
	if entries := q.GetReadyResults(); len(entries) != 0 {
		t.Fatalf("expected no delivery, got %+v", entries)
	}
}

func TestQueue_PendingOverflowEvictsOldest(t *testing.T) {
	q := NewQueue("sess-1", 2, time.Minute)
	now := time.Now()
	q.Track(0, now)
	q.Track(1, now)
	q.Track(2, now) // exceeds bound of 2, evicts index 0

	if q.PendingCount() != 2 {
		t.Fatalf("PendingCount = %d, want 2 after overflow eviction", q.PendingCount())
	}
	entries := q.GetReadyResults()
	if len(entries) != 1 || entries[0].UtteranceIndex != 0 || entries[0].Reason != "pending_overflow_evict" {
		t.Fatalf("entries = %+v, want index 0 evicted as pending_overflow_evict", entries)
	}
}

func TestQueue_MarkMissingDeliversPlaceholder(t *testing.T) {
	q := NewQueue("sess-1", 16, time.Minute)
	now := time.Now()
	q.Track(0, now)
	q.MarkMissing(0, "attempt_budget_exhausted")

	entries := q.GetReadyResults()
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want 1", entries)
	}
	if entries[0].State != SlotMissing || entries[0].Reason != "attempt_budget_exhausted" {
		t.Fatalf("entries[0] = %+v, want Missing(attempt_budget_exhausted)", entries[0])
	}
}

func TestQueue_TrackIsNoOpBeforeHead(t *testing.T) {
	q := NewQueue("sess-1", 16, time.Minute)
	now := time.Now()
	q.Track(0, now)
	q.MarkReady(0, model.JobResult{UtteranceIndex: 0})
	q.GetReadyResults()
	if q.Head() != 1 {
		t.Fatalf("head = %d, want 1", q.Head())
	}

	q.Track(0, now) // already delivered, must not resurrect the slot
	if q.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0: stale Track must be ignored", q.PendingCount())
	}
}
