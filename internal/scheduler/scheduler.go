// Package scheduler runs the hub's periodic tick. It wraps gocron with a
// single interval job in singleton mode, so a tick that overruns the
// interval causes the next one to be skipped rather than queued. A tick can
// also be triggered on demand by calling Tick — the same reentrance gate
// applies, so an on-demand tick during a running one is a no-op.
//
// Tick sequence:
//  1. Hot-reload the registry and diff the service list
//  2. Invoke the Git collaborator to pull inbound mutations
//  3. Scan dispatch candidates
//  4. Dispatch
//  5. Stamp the last-tick timestamp and emit scheduler:tick
//
// Before the first tick, Recover reverts every orphaned in-progress request
// file back to pending — the only status mutation the core performs outside
// an executor.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/bus"
	"github.com/aiwatching/accord/internal/dispatch"
	"github.com/aiwatching/accord/internal/gitsync"
	"github.com/aiwatching/accord/internal/history"
	"github.com/aiwatching/accord/internal/metrics"
	"github.com/aiwatching/accord/internal/registry"
	"github.com/aiwatching/accord/internal/request"
)

// Scheduler owns the tick loop. The zero value is not usable — create
// instances with New.
type Scheduler struct {
	cron       gocron.Scheduler
	interval   time.Duration
	store      *request.Store
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	git        *gitsync.Syncer
	hist       *history.Writer
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// ticking is the reentrance gate: a tick that finds it set is skipped.
	ticking atomic.Bool

	// lastTick is the unix-nano stamp of the last completed tick.
	lastTick atomic.Int64

	// knownServices is the service list from the previous tick, used to
	// emit service:added / service:removed diffs. Tick-goroutine only.
	knownServices map[string]struct{}
}

// New creates a Scheduler. Call Start to begin ticking.
func New(
	interval time.Duration,
	store *request.Store,
	reg *registry.Registry,
	dispatcher *dispatch.Dispatcher,
	git *gitsync.Syncer,
	hist *history.Writer,
	eventBus *bus.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:          cron,
		interval:      interval,
		store:         store,
		reg:           reg,
		dispatcher:    dispatcher,
		git:           git,
		hist:          hist,
		bus:           eventBus,
		metrics:       m,
		logger:        logger.Named("scheduler"),
		knownServices: make(map[string]struct{}),
	}, nil
}

// Start runs recovery, registers the interval job, and starts ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("scheduler: recovery failed: %w", err)
	}

	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.Tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register tick job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop shuts down the tick loop, waiting for a running tick to finish.
// In-flight executions are not waited for here — the hub drains them.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// LastTick returns the completion time of the most recent tick, zero when no
// tick has completed yet.
func (s *Scheduler) LastTick() time.Time {
	n := s.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Tick runs one scheduling pass. Safe to call from any goroutine; a pass
// already in flight makes this a no-op.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Debug("tick skipped, previous tick still running")
		return
	}
	defer s.ticking.Store(false)

	// 1. Hot-reload registry, diff services.
	if err := s.reg.Reload(); err != nil {
		s.logger.Warn("registry reload failed", zap.Error(err))
	}
	s.diffServices()

	// 2. Pull inbound mutations.
	root := s.store.Root()
	pullErr := ""
	if err := s.git.Pull(ctx, root); err != nil {
		pullErr = err.Error()
		s.logger.Warn("git pull failed, continuing with local tree", zap.Error(err))
	}
	s.bus.Emit(bus.EventSyncPull, bus.Sync{Root: root, Error: pullErr})

	// 3. Scan.
	candidates, err := s.store.ScanCandidates(ctx)
	if err != nil {
		s.logger.Error("candidate scan failed", zap.Error(err))
		return
	}

	// 4. Dispatch.
	processed := s.dispatcher.Dispatch(ctx, candidates, dispatch.Options{})

	// 5. Stamp and announce.
	now := time.Now().UTC()
	s.lastTick.Store(now.UnixNano())
	s.metrics.TicksTotal.Inc()
	s.bus.Emit(bus.EventSchedulerTick, bus.SchedulerTick{At: now, Processed: processed})

	if processed > 0 || len(candidates) > 0 {
		s.logger.Info("tick complete",
			zap.Int("candidates", len(candidates)),
			zap.Int("processed", processed),
		)
	}
}

// diffServices emits service:added / service:removed against the previous
// tick's registry snapshot.
func (s *Scheduler) diffServices() {
	current := make(map[string]struct{})
	for _, name := range s.reg.Services() {
		current[name] = struct{}{}
		if _, known := s.knownServices[name]; !known && len(s.knownServices) > 0 {
			s.bus.Emit(bus.EventServiceAdded, bus.ServiceChange{Service: name})
		}
	}
	for name := range s.knownServices {
		if _, still := current[name]; !still {
			s.bus.Emit(bus.EventServiceRemoved, bus.ServiceChange{Service: name})
		}
	}
	s.knownServices = current
}

// Recover reverts every in-progress request file to pending. Runs once at
// startup, before the first tick, so requests orphaned by a crash or
// shutdown re-enter the queue normally.
func (s *Scheduler) Recover(ctx context.Context) error {
	all, err := s.store.ScanAll(ctx)
	if err != nil {
		return err
	}
	recovered := 0
	for _, req := range all {
		if req.Status != request.StatusInProgress {
			continue
		}
		if err := s.store.SetStatus(req, request.StatusPending); err != nil {
			s.logger.Warn("orphaned request not recoverable",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
			continue
		}
		s.hist.Append(history.Record{
			RequestID:  req.ID,
			FromStatus: string(request.StatusInProgress),
			ToStatus:   string(request.StatusPending),
			Actor:      "hub",
			Detail:     "recovered after restart",
		})
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered orphaned requests", zap.Int("count", recovered))
	}
	return nil
}
