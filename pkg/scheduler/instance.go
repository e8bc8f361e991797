// Package scheduler wires the scheduler's components (registry, pool
// manager, selector, dispatcher, failover, result queue, router, room
// manager) into one running process, the way the teacher's internal/app
// package wires providers, memory stores, and NPC agents into a running
// voice bot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lingua-io/scheduler/internal/config"
	"github.com/lingua-io/scheduler/internal/failover"
	"github.com/lingua-io/scheduler/internal/health"
	"github.com/lingua-io/scheduler/internal/jobs"
	"github.com/lingua-io/scheduler/internal/langindex"
	"github.com/lingua-io/scheduler/internal/observe"
	"github.com/lingua-io/scheduler/internal/pool"
	"github.com/lingua-io/scheduler/internal/registry"
	"github.com/lingua-io/scheduler/internal/resultqueue"
	"github.com/lingua-io/scheduler/internal/room"
	"github.com/lingua-io/scheduler/internal/router"
	"github.com/lingua-io/scheduler/internal/selector"
	"github.com/lingua-io/scheduler/internal/session"
	"github.com/lingua-io/scheduler/internal/store"
)

// Instance owns the full lifetime of one scheduler process: every
// component package's constructed instance, the HTTP server terminating
// client and node WebSocket connections, and the background loops each
// component's Start method runs.
type Instance struct {
	cfg        *config.Config
	instanceID string

	store   store.Store
	keys    store.Keys
	hub     *Hub
	metrics *observe.Metrics

	registry  *registry.Registry
	index     *langindex.Index
	pools     *pool.Manager
	avail     *jobs.AvailabilityTracker
	repo      *jobs.Repository
	shadow    *jobs.ShadowWriter
	dispatcher *jobs.Dispatcher
	resultq   *resultqueue.Manager
	failoverM *failover.Manager
	rtr       *router.Router
	rooms     *room.Manager
	sessionCfg session.Config

	httpSrv *http.Server

	watcher         *config.Watcher
	metricsShutdown func(context.Context) error
}

// New wires an Instance from cfg. It does not start any background
// loops or the HTTP listener; call Run for that.
func New(cfg *config.Config) (*Instance, error) {
	instanceID := uuid.NewString()

	metricsShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceName: "scheduler"})
	if err != nil {
		return nil, fmt.Errorf("scheduler: init telemetry provider: %w", err)
	}
	metrics := observe.DefaultMetrics()

	redisCfg := cfg.RedisConfig()
	st := store.NewRedisStore(redisCfg)
	keys := cfg.Keys()

	idx := langindex.New()
	reg := registry.New(st, keys, idx, registry.WithHealthConfig(cfg.HealthFSMConfig()))
	poolMgr := pool.New(cfg.PoolConfig(), st, keys, reg, instanceID)

	hub := NewHub(metrics)

	debounce, rateWindow, unavailTTL, rateMax := cfg.ModelNotAvailableTuning()
	avail := jobs.NewAvailabilityTracker(st, keys, debounce, rateWindow, unavailTTL, rateMax)

	sel := selector.New(poolMgr, idx, avail)

	jobTTL := time.Hour
	repo := jobs.NewRepository(st, keys, jobTTL)
	shadow := jobs.NewShadowWriter(st, keys, jobTTL)
	dispatcher := jobs.NewDispatcher(repo, shadow, sel, reg, hub, hub, st, keys, cfg.ReservationTTL())

	resultMgr := resultqueue.NewManager(hub, cfg.ResultQueueConfig())
	failoverMgr := failover.NewManager(repo, dispatcher, resultMgr, cfg.FailoverConfig())

	rtr := router.New(instanceID, st, keys, hub, cfg.RouterConfig())
	roomMgr := room.NewManager(st, keys, hub, cfg.RoomConfig())

	return &Instance{
		cfg:        cfg,
		instanceID: instanceID,
		store:      st,
		keys:       keys,
		hub:        hub,
		metrics:    metrics,
		registry:   reg,
		index:      idx,
		pools:      poolMgr,
		avail:      avail,
		repo:       repo,
		shadow:     shadow,
		dispatcher: dispatcher,
		resultq:    resultMgr,
		failoverM:  failoverMgr,
		rtr:        rtr,
		rooms:      roomMgr,
		sessionCfg: session.Config{
			PauseMs:       cfg.Scheduler.WebTaskSegmentation.PauseMs,
			MaxDurationMs: cfg.Scheduler.WebTaskSegmentation.MaxDurationMs,
		},
		metricsShutdown: metricsShutdown,
	}, nil
}

// Run starts every background loop and the HTTP listener, blocking
// until ctx is cancelled or a component returns a fatal error — the
// same errgroup-supervised-loops shape the teacher's hot-context
// Assembler and hub goroutines use, scaled up to process-level
// supervision.
func (in *Instance) Run(ctx context.Context) error {
	if err := in.rtr.Init(ctx); err != nil {
		return fmt.Errorf("scheduler: router init: %w", err)
	}

	in.resultq.Start(ctx)
	in.failoverM.Start(ctx)
	in.rooms.Start(ctx)
	defer in.resultq.Stop()
	defer in.failoverM.Stop()
	defer in.rooms.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return in.runPresenceLease(gctx) })
	g.Go(func() error { return in.runNodeExpiryScan(gctx) })
	g.Go(func() error { return in.runPoolSync(gctx) })
	g.Go(func() error { return in.runHTTPServer(gctx) })

	slog.Info("scheduler instance running", "instance_id", in.instanceID, "addr", in.cfg.Server.Host, "port", in.cfg.Server.Port)

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Shutdown gracefully stops the HTTP listener and closes the store
// connection, respecting ctx's deadline.
func (in *Instance) Shutdown(ctx context.Context) error {
	var err error
	if in.httpSrv != nil {
		if e := in.httpSrv.Shutdown(ctx); e != nil {
			err = e
		}
	}
	if in.watcher != nil {
		in.watcher.Stop()
	}
	if in.metricsShutdown != nil {
		if e := in.metricsShutdown(ctx); e != nil && err == nil {
			err = e
		}
	}
	if e := in.store.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// runPresenceLease renews this instance's presence lease (spec §4.11's
// own-presence TTL) at 1/3 of its duration, the standard lease-renewal
// cadence used throughout the scheduler's TTL-bound records.
func (in *Instance) runPresenceLease(ctx context.Context) error {
	interval := 10 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := in.rtr.RenewPresence(ctx); err != nil {
				slog.Warn("presence renewal failed", "err", err)
			}
		}
	}
}

// runNodeExpiryScan evaluates every known node against the health FSM's
// heartbeat-timeout rule (spec §4.2's status_scan_interval).
func (in *Instance) runNodeExpiryScan(ctx context.Context) error {
	interval := time.Duration(in.cfg.Scheduler.NodeHealth.StatusScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, nodeID := range in.registry.ExpireStale(time.Now()) {
				slog.Info("node expired", "node_id", nodeID)
			}
		}
	}
}

// runPoolSync periodically re-derives pool membership when auto-pool
// generation is enabled (spec §4.4's "Auto-Pool Generation Mode").
func (in *Instance) runPoolSync(ctx context.Context) error {
	if !in.cfg.Scheduler.Phase3.AutoGenerateLanguagePools {
		return nil
	}
	if err := in.pools.LoadConfig(ctx); err != nil {
		slog.Warn("initial pool config load failed", "err", err)
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := in.pools.AutoGenerate(ctx); err != nil {
				slog.Warn("pool auto-generation failed", "err", err)
			}
		}
	}
}

// runHTTPServer serves client/node WebSocket upgrades plus /healthz,
// /readyz, and /metrics.
func (in *Instance) runHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/client", in.handleClientWS)
	mux.HandleFunc("/ws/node", in.handleNodeWS)
	mux.Handle("/metrics", promhttp.Handler())

	healthHandler := health.New(health.Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, _, err := in.store.Get(ctx, in.keys.SchedulerPresence(in.instanceID))
			return err
		},
	})
	healthHandler.Register(mux)

	addr := fmt.Sprintf("%s:%d", in.cfg.Server.Host, in.cfg.Server.Port)
	in.httpSrv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := in.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return in.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
