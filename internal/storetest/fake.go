// Package storetest provides an in-process fake implementing
// [store.Store], so the rest of the scheduler can be exercised in tests
// without a live Redis instance — the same interface-substitution
// approach the teacher uses for provider fallback.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lingua-io/scheduler/internal/store"
)

// Fake is a single-process, mutex-guarded implementation of [store.Store].
// It is not a faithful Redis reimplementation — there is no expiry sweep
// goroutine, TTLs are checked lazily on read — but it honors every
// operation's documented contract closely enough to drive unit tests.
type Fake struct {
	mu sync.Mutex

	strings map[string]fakeString
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	streams map[string]*fakeStream
}

type fakeString struct {
	value   string
	expires time.Time // zero means no expiry
}

type fakeStream struct {
	entries []store.StreamEntry
	groups  map[string]*fakeGroup
	nextID  int64
}

type fakeGroup struct {
	pending map[string]string // entry id -> consumer
}

// New returns a ready, empty [Fake].
func New() *Fake {
	return &Fake{
		strings: make(map[string]fakeString),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		streams: make(map[string]*fakeStream),
	}
}

func (f *Fake) expired(key string) bool {
	s, ok := f.strings[key]
	if !ok {
		return false
	}
	return !s.expires.IsZero() && time.Now().After(s.expires)
}

func (f *Fake) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.strings, key)
		return "", false, nil
	}
	s, ok := f.strings[key]
	return s.value, ok, nil
}

func (f *Fake) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = fakeString{value: value, expires: expiryFor(ttl)}
	return nil
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (f *Fake) SetNXEX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.strings, key)
	}
	if _, ok := f.strings[key]; ok {
		return false, nil
	}
	f.strings[key] = fakeString{value: value, expires: expiryFor(ttl)}
	return true, nil
}

func (f *Fake) SetIfValueMatchesDel(ctx context.Context, key, expected string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.strings[key]
	if !ok || s.value != expected {
		return false, nil
	}
	delete(f.strings, key)
	return true, nil
}

func (f *Fake) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.strings, k)
		delete(f.hashes, k)
		delete(f.sets, k)
		delete(f.zsets, k)
	}
	return nil
}

func (f *Fake) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.strings[key]; ok {
		s.expires = expiryFor(ttl)
		f.strings[key] = s
	}
	return nil
}

func (f *Fake) HSet(ctx context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *Fake) HGet(ctx context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (f *Fake) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) SAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(s, m)
	}
	return nil
}

func (f *Fake) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (f *Fake) ZRem(ctx context.Context, key string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.zsets[key], member)
	return nil
}

func (f *Fake) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, sc := range f.zsets[key] {
		if sc >= min && sc <= max {
			pairs = append(pairs, pair{m, sc})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (f *Fake) ZCard(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.zsets[key])), nil
}

// ZReserveWithCapacity reimplements zReserveWithCapacityScript's logic in
// Go: purge expired reservations, then admit only if the effective load
// (max of running jobs and live reservations) is under maxJobs.
func (f *Fake) ZReserveWithCapacity(ctx context.Context, nodeCapKey string, running, maxJobs int, jobID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[nodeCapKey]
	if !ok {
		z = make(map[string]float64)
		f.zsets[nodeCapKey] = z
	}
	now := float64(time.Now().UnixMilli())
	for m, sc := range z {
		if sc <= now {
			delete(z, m)
		}
	}
	effective := running
	if len(z) > effective {
		effective = len(z)
	}
	if effective >= maxJobs {
		return false, nil
	}
	z[jobID] = now + float64(ttl.Milliseconds())
	return true, nil
}

func (f *Fake) XAddMaxLen(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	s.nextID++
	id := formatStreamID(s.nextID)
	s.entries = append(s.entries, store.StreamEntry{ID: id, Fields: copyFields(fields)})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}
	return id, nil
}

func (f *Fake) stream(name string) *fakeStream {
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{groups: make(map[string]*fakeGroup)}
		f.streams[name] = s
	}
	return s
}

func formatStreamID(n int64) string {
	return strings.Join([]string{itoa(n), "0"}, "-")
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (f *Fake) XGroupCreate(ctx context.Context, stream, group string, mkstream bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &fakeGroup{pending: make(map[string]string)}
	}
	return nil
}

func (f *Fake) XReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]store.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		g = &fakeGroup{pending: make(map[string]string)}
		s.groups[group] = g
	}
	var out []store.StreamEntry
	for _, e := range s.entries {
		if _, claimed := g.pending[e.ID]; claimed {
			continue
		}
		g.pending[e.ID] = consumer
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *Fake) XAck(ctx context.Context, stream, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.stream(stream).groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (f *Fake) XDel(ctx context.Context, stream string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, del := idSet[e.ID]; !del {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (f *Fake) XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]store.StreamEntry, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.stream(stream).groups[group]
	if !ok {
		return nil, "0-0", nil
	}
	var out []store.StreamEntry
	for _, e := range f.stream(stream).entries {
		if _, pending := g.pending[e.ID]; pending {
			g.pending[e.ID] = consumer
			out = append(out, e)
		}
	}
	return out, "0-0", nil
}

func (f *Fake) XPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]store.PendingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.stream(stream).groups[group]
	if !ok {
		return nil, nil
	}
	var out []store.PendingEntry
	for id, consumer := range g.pending {
		out = append(out, store.PendingEntry{ID: id, Consumer: consumer})
	}
	return out, nil
}

func (f *Fake) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]store.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var out []store.StreamEntry
	for _, e := range s.entries {
		for _, id := range ids {
			if e.ID == id {
				g.pending[id] = consumer
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// MarkJobDispatched reimplements markJobDispatchedScript in Go.
func (f *Fake) MarkJobDispatched(ctx context.Context, jobID string, nowMs int64, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[jobID]
	if !ok {
		return 0, nil
	}
	if h["dispatched_to_node"] == "1" {
		return 1, nil
	}
	h["dispatched_to_node"] = "1"
	return 2, nil
}

// FailoverReassign reimplements failoverReassignScript in Go.
func (f *Fake) FailoverReassign(ctx context.Context, jobID, newNodeID string, expectedAttemptID int, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[jobID]
	if !ok {
		return 0, nil
	}
	stored := 0
	if v, ok := h["dispatch_attempt_id"]; ok {
		stored = atoiSafe(v)
	}
	if stored != expectedAttemptID {
		return -1, nil
	}
	newAttempt := stored + 1
	h["dispatch_attempt_id"] = itoa(int64(newAttempt))
	h["assigned_node_id"] = newNodeID
	h["dispatched_to_node"] = "0"
	return newAttempt, nil
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// FSMShadowTransition reimplements fsmShadowTransitionScript in Go.
func (f *Fake) FSMShadowTransition(ctx context.Context, fsmKey string, attemptID int, newState string, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[fsmKey]
	if !ok {
		h = make(map[string]string)
		f.hashes[fsmKey] = h
	}
	stored := -1
	if v, ok := h["attempt_id"]; ok {
		stored = atoiSafe(v)
	}
	if stored > attemptID {
		return 0, nil
	}
	h["attempt_id"] = itoa(int64(attemptID))
	h["state"] = newState
	return 1, nil
}

func (f *Fake) Publish(ctx context.Context, channel, message string) error { return nil }

func (f *Fake) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	f.mu.Lock()
	keys := make([]string, 0, len(f.strings)+len(f.hashes))
	for k := range f.strings {
		keys = append(keys, k)
	}
	for k := range f.hashes {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	sort.Strings(keys)
	for _, k := range keys {
		if !matchPattern(pattern, k) {
			continue
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// matchPattern supports the trailing "*" wildcard form the scheduler uses
// for its scan prefixes (e.g. "lingua:v1:nodes:snapshot:*").
func matchPattern(pattern, key string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

func (f *Fake) Close() error { return nil }

var _ store.Store = (*Fake)(nil)
