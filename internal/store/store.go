// Package store implements the External Store Gateway (C1): typed
// operations over a remote Redis-compatible service, confined to
// single-hash-slot multi-key scripts so the gateway is cluster-safe.
//
// The package is split into an interface ([Store]) so the rest of the
// scheduler can be tested against an in-process fake, and a concrete
// [RedisStore] implementation backed by github.com/redis/go-redis/v9 —
// grounded on the exact command surface spec.md §4.1/§6 names (scripted
// atomic execution, streams with consumer groups, sorted sets, hashes,
// pub/sub, cluster hash-tag key grouping).
package store

import (
	"context"
	"errors"
	"time"
)

// Error classes per spec §7: transient failures are retryable; logical
// failures (a script returning a sentinel code) are not errors at all —
// they are returned as typed results to the caller.
type Error struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err represents a transient store fault that
// the caller may retry. A non-Error (e.g. context.Canceled) is treated as
// non-retryable.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// StreamEntry is one message read from a stream via XREADGROUP/XAUTOCLAIM.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes one entry from XPENDING's extended form.
type PendingEntry struct {
	ID            string
	Consumer      string
	IdleTime      time.Duration
	DeliveryCount int64
}

// Store is the External Store Gateway contract (C1). All operations are
// cancelable via ctx. Implementations must confine any multi-key script
// to keys sharing one hash tag.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNXEX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	SetIfValueMatchesDel(ctx context.Context, key, expected string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZReserveWithCapacity(ctx context.Context, nodeCapKey string, running, maxJobs int, jobID string, ttl time.Duration) (bool, error)

	// Streams
	XAddMaxLen(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error)
	XGroupCreate(ctx context.Context, stream, group string, mkstream bool) error
	XReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]StreamEntry, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XDel(ctx context.Context, stream string, ids ...string) error
	XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) (entries []StreamEntry, nextCursor string, err error)
	XPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)
	XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamEntry, error)

	// Scripted atomic execution
	MarkJobDispatched(ctx context.Context, jobID string, nowMs int64, ttl time.Duration) (int, error)
	FailoverReassign(ctx context.Context, jobID, newNodeID string, expectedAttemptID int, ttl time.Duration) (int, error)
	FSMShadowTransition(ctx context.Context, fsmKey string, attemptID int, newState string, ttl time.Duration) (int, error)

	// Pub/sub
	Publish(ctx context.Context, channel, message string) error

	// Non-blocking key enumeration
	ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error

	Close() error
}

// ErrNotFound is returned by Get-style lookups when the key is absent —
// use the bool return instead where provided; this is for call sites
// without one.
var ErrNotFound = errors.New("store: key not found")
