// Package api is the thin HTTP façade over the hub core. It serves health,
// metrics, the dispatch ledger, hub status, an on-demand tick trigger, and
// the WebSocket event stream. Everything here is strictly downstream of the
// core: handlers read state and trigger ticks, they never mutate requests.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/dispatch"
	"github.com/aiwatching/accord/internal/ledger"
	"github.com/aiwatching/accord/internal/metrics"
	"github.com/aiwatching/accord/internal/scheduler"
	"github.com/aiwatching/accord/internal/websocket"
)

// RouterConfig holds the dependencies needed to build the HTTP router.
// Populated in the hub after all components are initialised.
type RouterConfig struct {
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Attempts   ledger.AttemptRepository // nil when the ledger is disabled
	WSHub      *websocket.Hub
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// NewRouter builds the fully configured chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", statusHandler(cfg))
		r.Post("/tick", tickHandler(cfg))
		r.Get("/ledger", ledgerHandler(cfg))
	})

	r.Get("/ws", wsHandler(cfg))

	return r
}

func statusHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		last := cfg.Scheduler.LastTick()
		payload := map[string]any{
			"in_flight":  cfg.Dispatcher.InFlight(),
			"ws_clients": cfg.WSHub.ConnectedCount(),
		}
		if !last.IsZero() {
			payload["last_tick"] = last.UTC().Format(time.RFC3339)
		}
		Ok(w, payload)
	}
}

func tickHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Tick is reentrance-guarded; triggering during a running tick is a
		// no-op, which is exactly what an impatient caller should get.
		go cfg.Scheduler.Tick(r.Context())
		JSON(w, http.StatusAccepted, envelope{"data": map[string]string{"status": "tick triggered"}})
	}
}

func ledgerHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Attempts == nil {
			ErrNotFound(w, "ledger is disabled")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		attempts, total, err := cfg.Attempts.List(r.Context(), limit, offset)
		if err != nil {
			cfg.Logger.Error("ledger list failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		Ok(w, map[string]any{"attempts": attempts, "total": total})
	}
}

func wsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := websocket.NewClient(cfg.WSHub, w, r, cfg.Logger)
		if err != nil {
			cfg.Logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		client.Start()
	}
}

// RequestLogger logs every request with method, path, status and latency.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
			)
		})
	}
}
