package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lingua-io/scheduler/internal/jobs"
	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/selector"
)

// Config tunes the segmentation policy (spec §4.8, defaults per
// scheduler.web_task_segmentation in spec §6).
type Config struct {
	PauseMs       int64
	MaxDurationMs int64
	MailboxSize   int
}

func (c Config) withDefaults() Config {
	if c.PauseMs <= 0 {
		c.PauseMs = 1000
	}
	if c.MaxDurationMs <= 0 {
		c.MaxDurationMs = 20000
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	return c
}

// AudioChunk is the payload of an AudioChunkReceived event.
type AudioChunk struct {
	Bytes             []byte
	IsFinal           bool
	TimestampMs       int64
	ClientTimestampMs int64
}

// FanoutTarget is one (target language, recipient set) pair computed for
// an utterance, per spec §4.12. Sessions is empty outside room mode.
type FanoutTarget struct {
	TgtLang  string
	Sessions []string
}

// FanoutResolver computes the fan-out targets for a session's next
// utterance. The default, non-room resolver returns the session's own
// target language with no extra recipients; room mode is implemented by
// internal/room against the same interface.
type FanoutResolver interface {
	Resolve(ctx context.Context, sess model.Session) ([]FanoutTarget, error)
}

// DirectResolver implements FanoutResolver for a session with no room:
// one target, the session's configured target language.
type DirectResolver struct{}

func (DirectResolver) Resolve(_ context.Context, sess model.Session) ([]FanoutTarget, error) {
	return []FanoutTarget{{TgtLang: sess.TgtLang}}, nil
}

type actorState int

const (
	stateIdle actorState = iota
	stateFinalizing
)

type eventKind int

const (
	evAudioChunk eventKind = iota
	evIsFinal
	evTimeout
	evClose
)

type timerKind int

const (
	timerPause timerKind = iota
	timerMaxDuration
)

type event struct {
	kind       eventKind
	chunk      AudioChunk
	timerKind  timerKind
	generation int
}

type utteranceBuffer struct {
	data           []byte
	firstChunkAtMs int64
	lastChunkAtMs  int64
}

// Stats exposes the actor's counters for observability and tests.
type Stats struct {
	EmptyFinalizes      int
	DuplicateFinalizes  int
	FinalizedByPause    int
	FinalizedByCut      int
	FinalizedByMaxDur   int
	DroppedChunks       int
	SuppressedByTTS     int
}

// Actor is the per-session single-consumer mailbox described in spec
// §4.8: it turns a stream of AudioChunkReceived/IsFinalReceived/
// TimeoutFired/CloseSession events into utterance-sized jobs, processed
// one at a time off an internal channel — grounded on the teacher's
// Reconnector/Consolidator background-goroutine-with-channel idiom
// (select over done/ticker/signal channels, sync.Once-guarded Stop).
type Actor struct {
	session    model.Session
	cfg        Config
	group      *GroupManager
	dispatcher *jobs.Dispatcher
	resolver   FanoutResolver

	mailbox chan event
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	mu           sync.Mutex
	state        actorState
	currentIndex int
	buffers      map[int]*utteranceBuffer
	// pauseGen and maxDurGen are independent generation counters: the
	// pause timer is rearmed on every chunk, the max-duration timer only
	// once per utterance, so a single shared counter would let a chunk
	// arriving mid-utterance spuriously invalidate an already-armed
	// max-duration timeout.
	pauseGen    int
	maxDurGen   int
	pauseTimer  *time.Timer
	maxDurTimer *time.Timer
	stats       Stats
}

// NewActor creates an Actor for sess. Call Start to begin processing.
func NewActor(sess model.Session, cfg Config, group *GroupManager, dispatcher *jobs.Dispatcher, resolver FanoutResolver) *Actor {
	if resolver == nil {
		resolver = DirectResolver{}
	}
	return &Actor{
		session:    sess,
		cfg:        cfg.withDefaults(),
		group:      group,
		dispatcher: dispatcher,
		resolver:   resolver,
		mailbox:    make(chan event, cfg.withDefaults().MailboxSize),
		done:       make(chan struct{}),
		buffers:    make(map[int]*utteranceBuffer),
	}
}

// Start begins the actor's event loop in a background goroutine.
func (a *Actor) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

// Stop halts the event loop. Safe to call multiple times.
func (a *Actor) Stop() {
	a.stopped.Do(func() { close(a.done) })
	a.wg.Wait()
}

// Stats returns a snapshot of the actor's counters.
func (a *Actor) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// SendAudioChunk enqueues an AudioChunkReceived event. If the mailbox is
// full, the oldest queued event (of any kind) is dropped to make room
// (spec §5 backpressure) and DroppedChunks is incremented.
func (a *Actor) SendAudioChunk(ch AudioChunk) {
	ev := event{kind: evAudioChunk, chunk: ch}
	select {
	case a.mailbox <- ev:
		return
	default:
	}
	select {
	case <-a.mailbox:
		a.mu.Lock()
		a.stats.DroppedChunks++
		a.mu.Unlock()
	default:
	}
	select {
	case a.mailbox <- ev:
	default:
	}
}

// SendIsFinal enqueues an IsFinalReceived event.
func (a *Actor) SendIsFinal() {
	select {
	case a.mailbox <- event{kind: evIsFinal}:
	case <-a.done:
	}
}

// Close enqueues a CloseSession event and stops the loop once it drains.
func (a *Actor) Close() {
	select {
	case a.mailbox <- event{kind: evClose}:
	case <-a.done:
	}
}

func (a *Actor) scheduleTimeout(kind timerKind, generation int, after time.Duration) *time.Timer {
	return time.AfterFunc(after, func() {
		select {
		case a.mailbox <- event{kind: evTimeout, timerKind: kind, generation: generation}:
		case <-a.done:
		}
	})
}

func (a *Actor) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case ev := <-a.mailbox:
			if !a.handle(ctx, ev) {
				return
			}
		}
	}
}

func (a *Actor) handle(ctx context.Context, ev event) bool {
	switch ev.kind {
	case evAudioChunk:
		a.handleAudioChunk(ctx, ev.chunk)
	case evIsFinal:
		a.handleTrigger(ctx, a.currentIndexSnapshot(), "manual_cut")
	case evTimeout:
		a.handleTimeout(ctx, ev.timerKind, ev.generation)
	case evClose:
		a.stopTimersLocked()
		return false
	}
	return true
}

func (a *Actor) currentIndexSnapshot() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentIndex
}

func (a *Actor) handleAudioChunk(ctx context.Context, ch AudioChunk) {
	a.mu.Lock()
	idx := a.currentIndex
	buf, ok := a.buffers[idx]
	if !ok {
		buf = &utteranceBuffer{firstChunkAtMs: ch.ClientTimestampMs}
		a.buffers[idx] = buf
		a.maxDurGen++
		gen := a.maxDurGen
		a.maxDurTimer = a.scheduleTimeout(timerMaxDuration, gen, time.Duration(a.cfg.MaxDurationMs)*time.Millisecond)
	}
	buf.data = append(buf.data, ch.Bytes...)
	buf.lastChunkAtMs = ch.TimestampMs

	if ch.IsFinal {
		a.mu.Unlock()
		a.handleTrigger(ctx, idx, "manual_cut")
		return
	}

	if a.pauseTimer != nil {
		a.pauseTimer.Stop()
	}
	a.pauseGen++
	gen := a.pauseGen
	a.pauseTimer = a.scheduleTimeout(timerPause, gen, time.Duration(a.cfg.PauseMs)*time.Millisecond)
	a.mu.Unlock()
}

func (a *Actor) handleTimeout(ctx context.Context, kind timerKind, generation int) {
	a.mu.Lock()
	var current int
	if kind == timerPause {
		current = a.pauseGen
	} else {
		current = a.maxDurGen
	}
	if generation != current {
		a.mu.Unlock()
		return // stale: a newer chunk or finalize has already superseded this timer
	}
	if kind == timerPause && a.group != nil && a.group.IsPlayingTTS(time.Now()) {
		a.stats.SuppressedByTTS++
		a.mu.Unlock()
		return
	}
	idx := a.currentIndex
	a.mu.Unlock()

	reason := "pause"
	if kind == timerMaxDuration {
		reason = "max_duration"
	}
	a.handleTrigger(ctx, idx, reason)
}

func (a *Actor) stopTimersLocked() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pauseTimer != nil {
		a.pauseTimer.Stop()
	}
	if a.maxDurTimer != nil {
		a.maxDurTimer.Stop()
	}
}

// handleTrigger implements the finalize sequence of spec §4.8: duplicate
// suppression, atomic buffer take, empty-finalize handling, job creation,
// and the index/state reset.
func (a *Actor) handleTrigger(ctx context.Context, idx int, reason string) {
	a.mu.Lock()
	if !a.canFinalizeLocked(idx) {
		a.stats.DuplicateFinalizes++
		a.mu.Unlock()
		return
	}
	a.state = stateFinalizing
	buf, ok := a.buffers[idx]
	delete(a.buffers, idx)
	if a.pauseTimer != nil {
		a.pauseTimer.Stop()
	}
	if a.maxDurTimer != nil {
		a.maxDurTimer.Stop()
	}
	a.pauseGen++
	a.maxDurGen++

	if !ok || len(buf.data) == 0 {
		a.stats.EmptyFinalizes++
		a.state = stateIdle
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.dispatchUtterance(ctx, idx, buf, reason)

	a.mu.Lock()
	switch reason {
	case "pause":
		a.stats.FinalizedByPause++
	case "manual_cut":
		a.stats.FinalizedByCut++
	case "max_duration":
		a.stats.FinalizedByMaxDur++
	}
	a.currentIndex++
	a.state = stateIdle
	a.mu.Unlock()
}

func (a *Actor) canFinalizeLocked(idx int) bool {
	return idx == a.currentIndex && a.state == stateIdle
}

func (a *Actor) dispatchUtterance(ctx context.Context, idx int, buf *utteranceBuffer, reason string) {
	targets, err := a.resolver.Resolve(ctx, a.session)
	if err != nil {
		slog.Error("session: resolve fan-out targets", "session_id", a.session.SessionID, "utterance_index", idx, "error", err)
		return
	}
	for _, tgt := range targets {
		a.dispatchOne(ctx, idx, buf, tgt, reason)
	}
}

func (a *Actor) dispatchOne(ctx context.Context, idx int, buf *utteranceBuffer, tgt FanoutTarget, reason string) {
	keyIn := model.JobKeyInput{
		TenantID:       a.session.TenantID,
		SessionID:      a.session.SessionID,
		UtteranceIndex: idx,
		JobType:        "translate",
		TgtLang:        tgt.TgtLang,
		Features:       a.session.Features,
	}
	audio := buf.data
	firstChunkAtMs := buf.firstChunkAtMs
	srcLang := a.session.SrcLang
	tgtLang := tgt.TgtLang
	sess := a.session

	job, created, err := a.dispatcher.CreateJob(ctx, keyIn, func(id string) *model.Job {
		return &model.Job{
			JobID:          id,
			RequestID:      jobs.RequestID(sess.SessionID, idx, tgtLang, sess.TraceID),
			SourceSession:  sess.SessionID,
			UtteranceIndex: idx,
			SrcLang:        srcLang,
			TgtLang:        tgtLang,
			Features:       sess.Features,
			Pipeline:       model.Pipeline{ASR: true, NMT: true, TTS: true},
			Audio:          audio,
			AudioFormat:    sess.AudioFormat,
			SampleRate:     sess.SampleRate,
			Status:         model.JobPending,
			TargetSessions: tgt.Sessions,
			FirstChunkAtMs: firstChunkAtMs,
			CreatedAt:      time.Now(),
		}
	})
	if err != nil {
		slog.Error("session: create job", "session_id", sess.SessionID, "utterance_index", idx, "tgt_lang", tgtLang, "error", err)
		return
	}
	if !created {
		return // duplicate suppression: an identical job is already in flight
	}

	req := selector.Request{
		RoutingKey: sess.RoutingKey,
		SrcLang:    srcLang,
		TgtLang:    tgtLang,
		RequiredServices: map[model.ServiceType]struct{}{
			model.ServiceASR: {}, model.ServiceNMT: {}, model.ServiceTTS: {},
		},
		MatchScope:       model.PoolMatchCoreOnly,
		MatchMode:        model.PoolMatchContains,
		HasPreferredPool: sess.HasPreferredPool,
		PreferredPoolID:  sess.PreferredPool,
		PreferredNodeID:  sess.PairedNodeID,
	}
	if err := a.dispatcher.Dispatch(ctx, job, req); err != nil {
		slog.Warn("session: dispatch failed", "session_id", sess.SessionID, "job_id", job.JobID, "error", err)
	}
}

// NewTraceID mints a trace id for a session that did not arrive with one.
func NewTraceID() string { return uuid.NewString() }
