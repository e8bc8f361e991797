// Package room implements Room Fan-out (C12): multi-party pairing of
// sessions sharing a live translation feed. A room's participant map is
// held in memory for fast fan-out resolution and mirrored to the store
// so any scheduler instance can validate a join against a code minted by
// another instance (per original_source/scheduler/src/room_manager.rs,
// supplemented into SPEC_FULL.md since the distilled spec's Room
// Fan-out section is silent on cross-instance code validation).
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/schederr"
	"github.com/lingua-io/scheduler/internal/session"
	"github.com/lingua-io/scheduler/internal/store"
)

const (
	defaultSilenceTimeout = 30 * time.Minute
	defaultScanInterval   = time.Minute
	persistedTTLSlack     = 5 * time.Minute
)

// Config tunes the silence-expiry window and scan cadence.
type Config struct {
	SilenceTimeout time.Duration
	ScanInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = defaultSilenceTimeout
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	return c
}

// ExpiryNotifier is told which sessions to notify (and with which room
// code) once a silent room is evicted, per spec §4.12's room_expired.
type ExpiryNotifier interface {
	NotifyRoomExpired(ctx context.Context, roomCode string, sessionIDs []string)
}

// Manager owns every room live on this instance. It implements
// session.FanoutResolver directly: a session with no RoomCode falls
// back to DirectResolver's behavior ("If the room is empty, behave as
// single-session mode").
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*model.Room // room code -> room

	st       store.Store
	keys     store.Keys
	cfg      Config
	notifier ExpiryNotifier

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewManager creates a Manager. notifier may be nil to disable
// room_expired delivery (e.g. in tests exercising expiry bookkeeping
// alone).
func NewManager(st store.Store, keys store.Keys, notifier ExpiryNotifier, cfg Config) *Manager {
	return &Manager{
		rooms:    make(map[string]*model.Room),
		st:       st,
		keys:     keys,
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		done:     make(chan struct{}),
	}
}

// CreateRoom mints a fresh code, adds the creator as its first
// participant, and persists the room. The creator's raw-voice
// preference defaults to true (receive everyone) per spec §4.12 and the
// original room manager's add_participant default.
func (m *Manager) CreateRoom(ctx context.Context, creator model.Participant) (string, error) {
	code, err := GenerateCode(ctx, m.st, m.keys)
	if err != nil {
		return "", err
	}
	creator.RawVoicePreference = true
	r := &model.Room{
		Code:         code,
		InternalID:   fmt.Sprintf("room-%s", code),
		Participants: map[string]model.Participant{creator.SessionID: creator},
		LastSpeakAt:  time.Now(),
	}

	m.mu.Lock()
	m.rooms[code] = r
	m.mu.Unlock()

	if err := persist(ctx, m.st, m.keys, r, m.cfg.SilenceTimeout+persistedTTLSlack); err != nil {
		return "", err
	}
	return code, nil
}

// JoinRoom adds p to the room identified by code. If the room is not
// held locally (it was created on another instance), it is loaded from
// the store, validated, and cached here so subsequent fan-out for any
// locally-connected member of it works without a store round trip.
func (m *Manager) JoinRoom(ctx context.Context, code string, p model.Participant) error {
	r, err := m.getOrLoad(ctx, code)
	if err != nil {
		return err
	}
	if r == nil {
		return schederr.New(schederr.CodeInvalidPairingCode, "room code not found")
	}

	m.mu.Lock()
	if _, already := r.Participants[p.SessionID]; already {
		m.mu.Unlock()
		return schederr.New(schederr.CodeInvalidMessage, "session already joined this room")
	}
	p.RawVoicePreference = true
	r.Participants[p.SessionID] = p
	m.mu.Unlock()

	return persist(ctx, m.st, m.keys, r, m.cfg.SilenceTimeout+persistedTTLSlack)
}

// LeaveRoom removes sessionID from code's room, tearing the room down
// (and releasing its code) if that was the last participant. Returns
// whether the room was torn down.
func (m *Manager) LeaveRoom(ctx context.Context, code, sessionID string) (bool, error) {
	m.mu.Lock()
	r, ok := m.rooms[code]
	if !ok {
		m.mu.Unlock()
		return false, schederr.New(schederr.CodeInvalidPairingCode, "room code not found")
	}
	delete(r.Participants, sessionID)
	empty := len(r.Participants) == 0
	if empty {
		delete(m.rooms, code)
	}
	m.mu.Unlock()

	if empty {
		_ = remove(ctx, m.st, m.keys, code)
		return true, ReleaseCode(ctx, m.st, m.keys, code)
	}
	return false, persist(ctx, m.st, m.keys, r, m.cfg.SilenceTimeout+persistedTTLSlack)
}

// SetRawVoicePreference updates whether sessionID wants to receive other
// participants' raw voice audio, per the room_raw_voice_preference
// message (spec §6).
func (m *Manager) SetRawVoicePreference(ctx context.Context, code, sessionID string, receive bool) error {
	m.mu.Lock()
	r, ok := m.rooms[code]
	if !ok {
		m.mu.Unlock()
		return schederr.New(schederr.CodeInvalidPairingCode, "room code not found")
	}
	p, ok := r.Participants[sessionID]
	if !ok {
		m.mu.Unlock()
		return schederr.New(schederr.CodeInvalidSession, "session not a member of this room")
	}
	p.RawVoicePreference = receive
	r.Participants[sessionID] = p
	m.mu.Unlock()
	return persist(ctx, m.st, m.keys, r, m.cfg.SilenceTimeout+persistedTTLSlack)
}

// ShouldReceiveRawVoice reports whether receiverSessionID wants the raw
// (untranslated) voice audio from senderSessionID, gating whether the
// fan-out path also forwards the original audio alongside the
// translated result.
func (m *Manager) ShouldReceiveRawVoice(code, receiverSessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[code]
	if !ok {
		return false
	}
	p, ok := r.Participants[receiverSessionID]
	if !ok {
		return false
	}
	return p.RawVoicePreference
}

// UpdateLastSpeakingAt resets a room's silence-expiry clock; called
// whenever a new utterance job is created for a session in this room.
func (m *Manager) UpdateLastSpeakingAt(ctx context.Context, code string) error {
	m.mu.Lock()
	r, ok := m.rooms[code]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	r.LastSpeakAt = time.Now()
	m.mu.Unlock()
	return persist(ctx, m.st, m.keys, r, m.cfg.SilenceTimeout+persistedTTLSlack)
}

// Participants returns the participant records of every member of code's room
// other than excludeSessionID, for signaling relays (WebRTC offer/
// answer/ICE) and outbound room event participant lists.
func (m *Manager) Participants(code, excludeSessionID string) []model.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[code]
	if !ok {
		return nil
	}
	out := make([]model.Participant, 0, len(r.Participants))
	for sid, p := range r.Participants {
		if sid == excludeSessionID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Resolve implements session.FanoutResolver (spec §4.12): fan out by
// each distinct preferred_lang among the room's peers, excluding the
// sender, one FanoutTarget per language carrying every peer who wants
// it. A session with no room, or whose room has no other participants,
// behaves like session.DirectResolver.
func (m *Manager) Resolve(ctx context.Context, sess model.Session) ([]session.FanoutTarget, error) {
	if sess.RoomCode == "" {
		return session.DirectResolver{}.Resolve(ctx, sess)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[sess.RoomCode]
	if !ok {
		return session.DirectResolver{}.Resolve(ctx, sess)
	}

	byLang := make(map[string][]string)
	for _, p := range r.Participants {
		if p.SessionID == sess.SessionID || p.PreferredLang == "" {
			continue
		}
		byLang[p.PreferredLang] = append(byLang[p.PreferredLang], p.SessionID)
	}
	if len(byLang) == 0 {
		return session.DirectResolver{}.Resolve(context.Background(), sess)
	}

	targets := make([]session.FanoutTarget, 0, len(byLang))
	for lang, sessions := range byLang {
		targets = append(targets, session.FanoutTarget{TgtLang: lang, Sessions: sessions})
	}
	return targets, nil
}

func (m *Manager) getOrLoad(ctx context.Context, code string) (*model.Room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[code]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	r, found, err := load(ctx, m.st, m.keys, code)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	m.mu.Lock()
	m.rooms[code] = r
	m.mu.Unlock()
	return r, nil
}

// Start begins the silence-expiry scan loop in a background goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the scan loop. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.ScanOnce(ctx)
		}
	}
}

// ScanOnce evicts every room silent for longer than SilenceTimeout,
// notifying its remaining participants with room_expired. Exported so
// tests can drive a deterministic tick.
func (m *Manager) ScanOnce(ctx context.Context) {
	now := time.Now()
	var expired []*model.Room

	m.mu.Lock()
	for code, r := range m.rooms {
		if now.Sub(r.LastSpeakAt) >= m.cfg.SilenceTimeout {
			expired = append(expired, r)
			delete(m.rooms, code)
		}
	}
	m.mu.Unlock()

	for _, r := range expired {
		sessionIDs := make([]string, 0, len(r.Participants))
		for id := range r.Participants {
			sessionIDs = append(sessionIDs, id)
		}
		if err := remove(ctx, m.st, m.keys, r.Code); err != nil {
			slog.Warn("room: remove expired room record", "code", r.Code, "error", err)
		}
		if err := ReleaseCode(ctx, m.st, m.keys, r.Code); err != nil {
			slog.Warn("room: release expired room code", "code", r.Code, "error", err)
		}
		if m.notifier != nil {
			m.notifier.NotifyRoomExpired(ctx, r.Code, sessionIDs)
		}
	}
}
