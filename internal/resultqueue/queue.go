// Package resultqueue implements the per-session ordered result queue
// (C9): jobs complete out of order, but each session must see its
// translation results delivered in utterance order. A gap timeout and a
// pending-overflow bound keep a stalled or lost job from blocking
// delivery of everything behind it indefinitely.
package resultqueue

import (
	"time"

	"github.com/lingua-io/scheduler/internal/model"
)

// SlotState is the state of one utterance index's delivery slot.
type SlotState int

const (
	SlotPending SlotState = iota
	SlotReady
	SlotMissing
)

type slot struct {
	state        SlotState
	result       *model.JobResult
	reason       string
	pendingSince time.Time
}

// Entry is one delivered slot, returned by GetReadyResults in index order.
type Entry struct {
	UtteranceIndex int
	State          SlotState
	Result         *model.JobResult
	Reason         string
}

// Queue is one session's ordered result queue: a sparse map from
// utterance_index to a Pending/Ready/Missing slot, with a head index
// that only advances through contiguous Ready/Missing entries.
type Queue struct {
	sessionID  string
	maxPending int
	gapTimeout time.Duration

	slots map[int]*slot
	head  int
}

// NewQueue creates an empty Queue for sessionID. maxPending <= 0 disables
// the pending-overflow bound; gapTimeout <= 0 disables the gap timeout.
func NewQueue(sessionID string, maxPending int, gapTimeout time.Duration) *Queue {
	return &Queue{
		sessionID:  sessionID,
		maxPending: maxPending,
		gapTimeout: gapTimeout,
		slots:      make(map[int]*slot),
	}
}

// Track registers utterance idx as Pending, so the gap timeout and
// pending-overflow bound know about it even before a result arrives.
// Called by the Session Actor once a job is successfully dispatched.
// A no-op if idx is before the current head (already delivered) or
// already tracked.
func (q *Queue) Track(idx int, now time.Time) {
	if idx < q.head {
		return
	}
	if _, ok := q.slots[idx]; ok {
		return
	}
	q.slots[idx] = &slot{state: SlotPending, pendingSince: now}
	q.enforceOverflow()
}

// MarkReady records a completed result for idx.
func (q *Queue) MarkReady(idx int, result model.JobResult) {
	if idx < q.head {
		return
	}
	s, ok := q.slots[idx]
	if !ok {
		s = &slot{}
		q.slots[idx] = s
	}
	s.state = SlotReady
	s.result = &result
	s.reason = ""
}

// MarkMissing records idx as permanently missing (e.g. attempt budget
// exhausted) with the given reason.
func (q *Queue) MarkMissing(idx int, reason string) {
	if idx < q.head {
		return
	}
	s, ok := q.slots[idx]
	if !ok {
		s = &slot{}
		q.slots[idx] = s
	}
	s.state = SlotMissing
	s.reason = reason
}

// ApplyGapTimeout evicts the head slot as Missing(gap_timeout) if it has
// been Pending longer than gapTimeout while a newer index is already
// Ready or Missing (spec §4.9: prevents indefinite head-of-line
// blocking). It does not advance the head itself; GetReadyResults does.
func (q *Queue) ApplyGapTimeout(now time.Time) {
	if q.gapTimeout <= 0 {
		return
	}
	head, ok := q.slots[q.head]
	if !ok || head.state != SlotPending {
		return
	}
	if now.Sub(head.pendingSince) < q.gapTimeout {
		return
	}
	if !q.hasNewerResolved() {
		return
	}
	head.state = SlotMissing
	head.reason = "gap_timeout"
}

func (q *Queue) hasNewerResolved() bool {
	for idx, s := range q.slots {
		if idx > q.head && s.state != SlotPending {
			return true
		}
	}
	return false
}

// enforceOverflow evicts the oldest Pending slot(s) as
// Missing(pending_overflow_evict) until the Pending count is within
// maxPending.
func (q *Queue) enforceOverflow() {
	if q.maxPending <= 0 {
		return
	}
	for {
		oldestIdx, found, count := 0, false, 0
		for idx, s := range q.slots {
			if s.state != SlotPending {
				continue
			}
			count++
			if !found || idx < oldestIdx {
				oldestIdx, found = idx, true
			}
		}
		if count <= q.maxPending || !found {
			return
		}
		s := q.slots[oldestIdx]
		s.state = SlotMissing
		s.reason = "pending_overflow_evict"
	}
}

// GetReadyResults drains and returns every contiguous Ready/Missing entry
// starting at the current head, advancing the head past each one
// delivered. Pending entries stop the scan, preserving order.
func (q *Queue) GetReadyResults() []Entry {
	var out []Entry
	for {
		s, ok := q.slots[q.head]
		if !ok || s.state == SlotPending {
			return out
		}
		out = append(out, Entry{
			UtteranceIndex: q.head,
			State:          s.state,
			Result:         s.result,
			Reason:         s.reason,
		})
		delete(q.slots, q.head)
		q.head++
	}
}

// Head returns the next utterance index this queue expects to deliver.
func (q *Queue) Head() int {
	return q.head
}

// PendingCount returns the number of slots currently Pending.
func (q *Queue) PendingCount() int {
	n := 0
	for _, s := range q.slots {
		if s.state == SlotPending {
			n++
		}
	}
	return n
}
