package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/store"
)

// AvailabilityTracker implements §4.7.3's MODEL_NOT_AVAILABLE handling:
// debounces repeated reports for the same (service_id, version), rate
// limits per-node reports, and records a TTL-bound unavailability flag the
// Selector consults.
type AvailabilityTracker struct {
	store store.Store
	keys  store.Keys

	debounceWindow    time.Duration
	rateLimitWindow   time.Duration
	rateLimitMax      int
	unavailableTTL    time.Duration
}

// NewAvailabilityTracker creates a tracker with the given tuning.
func NewAvailabilityTracker(st store.Store, keys store.Keys, debounceWindow, rateLimitWindow, unavailableTTL time.Duration, rateLimitMax int) *AvailabilityTracker {
	if debounceWindow <= 0 {
		debounceWindow = 30 * time.Second
	}
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	if unavailableTTL <= 0 {
		unavailableTTL = 2 * time.Minute
	}
	if rateLimitMax <= 0 {
		rateLimitMax = 10
	}
	return &AvailabilityTracker{
		store: st, keys: keys,
		debounceWindow: debounceWindow, rateLimitWindow: rateLimitWindow,
		unavailableTTL: unavailableTTL, rateLimitMax: rateLimitMax,
	}
}

// ReportUnavailable records that nodeID reported serviceID (at version)
// unavailable. Debounced reports and rate-limit-exceeded reports are
// dropped without re-marking and return nil; no drop counter is kept.
func (t *AvailabilityTracker) ReportUnavailable(ctx context.Context, nodeID, serviceID, version string) error {
	debounceKey := t.keys.DebounceModelUnavailable(serviceID, version)
	first, err := t.store.SetNXEX(ctx, debounceKey, "1", t.debounceWindow)
	if err != nil {
		return err
	}
	if !first {
		return nil // debounced: identical report arrived within the window
	}

	rlKey := t.keys.RateLimitNodeModelNA(nodeID)
	count, err := t.store.ZCard(ctx, rlKey)
	if err != nil {
		return err
	}
	now := time.Now()
	if int(count) >= t.rateLimitMax {
		return nil // rate-limited: drop without marking unavailable
	}
	if err := t.store.ZAdd(ctx, rlKey, float64(now.Add(t.rateLimitWindow).UnixMilli()), fmt.Sprintf("%s:%d", serviceID, now.UnixNano())); err != nil {
		return err
	}
	if err := t.store.Expire(ctx, rlKey, t.rateLimitWindow); err != nil {
		return err
	}

	return t.store.Set(ctx, t.keys.ModelUnavailable(nodeID, serviceID), "1", t.unavailableTTL)
}

// IsUnavailable reports whether any of the required services was recently
// flagged unavailable for nodeID. Implements selector.ModelAvailabilityChecker.
func (t *AvailabilityTracker) IsUnavailable(ctx context.Context, nodeID string, requiredServices map[model.ServiceType]struct{}) bool {
	for kind := range requiredServices {
		_, found, err := t.store.Get(ctx, t.keys.ModelUnavailable(nodeID, string(kind)))
		if err == nil && found {
			return true
		}
	}
	return false
}
