package resultqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lingua-io/scheduler/internal/model"
)

const (
	defaultGapTimeout   = 5 * time.Second
	defaultScanInterval = time.Second
	defaultMaxPending   = 16
)

// Config tunes the Manager's scan cadence and per-queue bounds.
type Config struct {
	GapTimeout   time.Duration
	ScanInterval time.Duration
	MaxPending   int
}

func (c Config) withDefaults() Config {
	if c.GapTimeout <= 0 {
		c.GapTimeout = defaultGapTimeout
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	return c
}

// Sink delivers a session's ready/missing entries to the transport layer.
type Sink interface {
	Deliver(ctx context.Context, sessionID string, entries []Entry) error
}

// Manager owns one Queue per active session and runs the periodic scan
// (spec §4.9) that applies gap timeouts and pushes ready entries to the
// Sink — grounded on the teacher's Consolidator ticker-loop shape
// (ticker + done channel + sync.Once Stop), with per-session delivery
// fanned out through errgroup the way the teacher's hot-context
// Assembler fans out concurrent fetches.
type Manager struct {
	sink Sink
	cfg  Config

	mu     sync.Mutex
	queues map[string]*Queue

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewManager creates a Manager. sink must not be nil.
func NewManager(sink Sink, cfg Config) *Manager {
	return &Manager{
		sink:   sink,
		cfg:    cfg.withDefaults(),
		queues: make(map[string]*Queue),
		done:   make(chan struct{}),
	}
}

// Queue returns the Queue for sessionID, creating it if absent.
func (m *Manager) Queue(sessionID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sessionID]
	if !ok {
		q = NewQueue(sessionID, m.cfg.MaxPending, m.cfg.GapTimeout)
		m.queues[sessionID] = q
	}
	return q
}

// RemoveSession discards sessionID's queue (e.g. on disconnect).
func (m *Manager) RemoveSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, sessionID)
}

// Start begins the periodic scan loop in a background goroutine.
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
			if err := m.scanOnce(ctx); err != nil {
				slog.Warn("resultqueue: scan", "error", err)
			}
		}
	}
}

// scanOnce snapshots the active session set under lock (copy-on-write,
// avoiding holding the registry lock across delivery I/O), then applies
// the gap timeout and drains ready entries per session, delivering
// concurrently via errgroup.
func (m *Manager) scanOnce(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		sessions = append(sessions, q)
	}
	m.mu.Unlock()

	now := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	for _, q := range sessions {
		q := q
		eg.Go(func() error {
			m.mu.Lock()
			q.ApplyGapTimeout(now)
			entries := q.GetReadyResults()
			m.mu.Unlock()
			if len(entries) == 0 {
				return nil
			}
			if err := m.sink.Deliver(egCtx, q.sessionID, entries); err != nil {
				return fmt.Errorf("deliver session %s: %w", q.sessionID, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Track is a convenience wrapper for Queue(sessionID).Track using the
// Manager's own clock.
func (m *Manager) Track(sessionID string, idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sessionID]
	if !ok {
		q = NewQueue(sessionID, m.cfg.MaxPending, m.cfg.GapTimeout)
		m.queues[sessionID] = q
	}
	q.Track(idx, time.Now())
}

// MarkReady is a convenience wrapper for Queue(sessionID).MarkReady.
func (m *Manager) MarkReady(sessionID string, idx int, result model.JobResult) {
	m.Queue(sessionID).MarkReady(idx, result)
}

// MarkMissing is a convenience wrapper for Queue(sessionID).MarkMissing.
func (m *Manager) MarkMissing(sessionID string, idx int, reason string) {
	m.Queue(sessionID).MarkMissing(idx, reason)
}
