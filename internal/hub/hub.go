// Package hub wires the core components into one object with an explicit
// lifecycle: construct → Start → Stop. All shared state (exclusion sets,
// scheduler timer, event bus, websocket hub) lives behind this object; no
// process-wide singletons.
package hub

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/a2a"
	"github.com/aiwatching/accord/internal/api"
	"github.com/aiwatching/accord/internal/bus"
	"github.com/aiwatching/accord/internal/config"
	"github.com/aiwatching/accord/internal/dispatch"
	"github.com/aiwatching/accord/internal/executor"
	"github.com/aiwatching/accord/internal/gitsync"
	"github.com/aiwatching/accord/internal/history"
	"github.com/aiwatching/accord/internal/ledger"
	"github.com/aiwatching/accord/internal/metrics"
	"github.com/aiwatching/accord/internal/registry"
	"github.com/aiwatching/accord/internal/request"
	"github.com/aiwatching/accord/internal/scheduler"
	"github.com/aiwatching/accord/internal/session"
	"github.com/aiwatching/accord/internal/websocket"
)

// Hub is the assembled coordination hub.
type Hub struct {
	cfg    *config.Config
	logger *zap.Logger

	bus        *bus.Bus
	store      *request.Store
	reg        *registry.Registry
	sched      *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	wsHub      *websocket.Hub
	metrics    *metrics.Metrics
	attempts   ledger.AttemptRepository

	releaseBridge   func()
	releaseRecorder func()
	cancelWS        context.CancelFunc
}

// New constructs the hub from configuration. Nothing starts running until
// Start is called.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Hub, error) {
	root := cfg.HubDir

	m := metrics.New()
	eventBus := bus.New(logger)
	store := request.NewStore(root, logger)
	reg := registry.New(root, logger)
	hist := history.NewWriter(root, logger)
	sessions := session.NewManager(root, logger)
	git := gitsync.New(ctx, root, logger)

	execOpts := executor.Options{
		AgentCmd:           cfg.AgentCmd,
		Model:              cfg.Dispatcher.Model,
		MaxBudgetUSD:       cfg.Dispatcher.MaxBudgetUSD,
		Timeout:            cfg.RequestTimeout(),
		MaxAttempts:        cfg.Dispatcher.MaxAttempts,
		SessionMaxRequests: cfg.Dispatcher.SessionMaxRequests,
		SessionMaxAge:      cfg.SessionMaxAge(),
	}
	local := executor.New(execOpts, store, hist, eventBus, sessions, git, m, logger)
	remote := a2a.NewRunner(a2a.NewPool(), cfg.RequestTimeout(), store, hist, eventBus, sessions, git, m, logger)

	dispatcher := dispatch.New(store, reg, local, remote, cfg.Dispatcher.Workers, cfg.Dispatcher.Debug, m, logger)

	sched, err := scheduler.New(cfg.PollInterval(), store, reg, dispatcher, git, hist, eventBus, m, logger)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		cfg:        cfg,
		logger:     logger.Named("hub"),
		bus:        eventBus,
		store:      store,
		reg:        reg,
		sched:      sched,
		dispatcher: dispatcher,
		metrics:    m,
	}

	h.wsHub = websocket.NewHub(func(n int) { m.WSClients.Set(float64(n)) })

	if cfg.LedgerPath != "" {
		db, err := ledger.Open(cfg.LedgerPath, logger)
		if err != nil {
			return nil, fmt.Errorf("hub: open ledger: %w", err)
		}
		h.attempts = ledger.NewAttemptRepository(db)
	}

	return h, nil
}

// Start brings the hub up: websocket fan-out, bus bridge, ledger recorder,
// recovery, and the scheduler loop.
func (h *Hub) Start(ctx context.Context) error {
	wsCtx, cancel := context.WithCancel(context.Background())
	h.cancelWS = cancel
	go h.wsHub.Run(wsCtx)

	h.releaseBridge = h.bus.Bridge(h.wsHub.Broadcast)

	if h.attempts != nil {
		h.releaseRecorder = ledger.NewRecorder(h.attempts, h.logger).Attach(h.bus)
	}

	if err := h.sched.Start(ctx); err != nil {
		return err
	}
	h.logger.Info("hub started",
		zap.String("root", h.cfg.HubDir),
		zap.Int("workers", h.cfg.Dispatcher.Workers),
	)
	return nil
}

// Stop tears the hub down gracefully: the scheduler stops ticking, in-flight
// executions are drained (their contexts were cancelled by the caller), and
// the bridge and websocket hub are released. Requests still in flight at
// cancellation remain in-progress on disk and are recovered on next startup.
func (h *Hub) Stop() {
	if err := h.sched.Stop(); err != nil {
		h.logger.Warn("scheduler shutdown error", zap.Error(err))
	}
	h.dispatcher.Wait()

	if h.releaseRecorder != nil {
		h.releaseRecorder()
	}
	if h.releaseBridge != nil {
		h.releaseBridge()
	}
	if h.cancelWS != nil {
		h.cancelWS()
	}
	h.logger.Info("hub stopped")
}

// Router builds the façade HTTP handler.
func (h *Hub) Router() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Scheduler:  h.sched,
		Dispatcher: h.dispatcher,
		Attempts:   h.attempts,
		WSHub:      h.wsHub,
		Metrics:    h.metrics,
		Logger:     h.logger,
	})
}
