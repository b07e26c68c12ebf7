package a2a

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/bus"
	"github.com/aiwatching/accord/internal/gitsync"
	"github.com/aiwatching/accord/internal/history"
	"github.com/aiwatching/accord/internal/metrics"
	"github.com/aiwatching/accord/internal/registry"
	"github.com/aiwatching/accord/internal/request"
	"github.com/aiwatching/accord/internal/session"
)

// Runner drives one remote request to a terminal outcome: it sends the
// request, consumes the event stream under an idle timeout, and applies the
// completed or failed side-effects (status, archive, history, events). Unlike
// the local executor, a remote failure is terminal on the first attempt: no
// pending revert, no checkpoint, no escalation.
//
// Concurrency shape: one goroutine (the caller) iterates the stream while an
// idle countdown runs between events. Whichever fires first wins; cancelling
// the context tears down the HTTP stream, so neither side leaks.
type Runner struct {
	pool        *Pool
	idleTimeout time.Duration
	store       *request.Store
	hist        *history.Writer
	bus         *bus.Bus
	sessions    *session.Manager
	git         *gitsync.Syncer
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewRunner creates a Runner. idleTimeout is the maximum silence between
// consecutive stream events before the remote is declared dead.
func NewRunner(
	pool *Pool,
	idleTimeout time.Duration,
	store *request.Store,
	hist *history.Writer,
	eventBus *bus.Bus,
	sessions *session.Manager,
	git *gitsync.Syncer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		pool:        pool,
		idleTimeout: idleTimeout,
		store:       store,
		hist:        hist,
		bus:         eventBus,
		sessions:    sessions,
		git:         git,
		metrics:     m,
		logger:      logger.Named("a2a"),
	}
}

// Execute runs req against the remote endpoint in policy. Execution errors
// are converted into state transitions; remote failures never retry.
func (r *Runner) Execute(ctx context.Context, req *request.Request, policy *registry.Policy) {
	service := req.ServiceName()
	endpoint := policy.A2AURL

	fromStatus := req.Status
	attempt, err := r.store.IncrementAttempts(req)
	if err != nil {
		r.logger.Warn("attempts not advanced", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if err := r.store.SetStatus(req, request.StatusInProgress); err != nil {
		r.logger.Warn("in-progress transition not persisted", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	r.hist.Append(history.Record{
		RequestID:  req.ID,
		FromStatus: string(fromStatus),
		ToStatus:   string(request.StatusInProgress),
		Actor:      service,
		Detail:     fmt.Sprintf("attempt %d, remote %s", attempt, endpoint),
	})

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := r.pool.Get(endpoint)
	events, err := client.Stream(streamCtx, Message{
		RequestID: req.ID,
		Service:   service,
		Body:      req.Body,
		Metadata: map[string]string{
			"priority":  string(req.Priority),
			"directive": req.Directive,
		},
	})
	if err != nil {
		r.pool.Invalidate(endpoint)
		r.fail(ctx, req, service, endpoint, fmt.Sprintf("remote send failed: %v", err))
		return
	}

	start := time.Now()
	taskID := ""
	claimed := false
	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Stream ended without a terminal status — treat as failure.
				r.pool.Invalidate(endpoint)
				r.fail(ctx, req, service, endpoint, "remote stream ended without terminal status")
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(r.idleTimeout)

			switch ev.Kind {
			case "task-created":
				taskID = ev.TaskID
				r.logger.Debug("remote task created",
					zap.String("request_id", req.ID),
					zap.String("task_id", taskID),
					zap.String("context_id", ev.ContextID),
				)

			case "status-update":
				r.bus.Emit(bus.EventA2AStatusUpdate, bus.A2AStatusUpdate{
					RequestID: req.ID,
					TaskID:    taskID,
					State:     ev.State,
					Message:   ev.Message,
				})
				if ev.Message != "" {
					r.sessions.AppendOutput(req.ID, "[remote] "+ev.Message)
				}
				switch ev.State {
				case StateWorking:
					if !claimed {
						claimed = true
						r.bus.Emit(bus.EventRequestClaimed, bus.RequestClaimed{
							RequestID: req.ID,
							Service:   service,
							Directive: req.Directive,
							Attempt:   attempt,
						})
					}
				case StateCompleted:
					r.complete(ctx, req, service, taskID, client, time.Since(start))
					return
				case StateFailed, StateCanceled, StateRejected:
					r.pool.Invalidate(endpoint)
					msg := ev.Message
					if msg == "" {
						msg = "remote task " + ev.State
					}
					r.fail(ctx, req, service, endpoint, msg)
					return
				}

			case "artifact-update":
				r.bus.Emit(bus.EventA2AArtifact, bus.A2AArtifact{
					RequestID: req.ID,
					TaskID:    taskID,
					Name:      ev.Name,
					Data:      ev.Data,
				})
			}

		case <-idle.C:
			// The sole liveness guarantee against a silently dead remote.
			cancel()
			r.pool.Invalidate(endpoint)
			r.fail(ctx, req, service, endpoint,
				fmt.Sprintf("remote produced no event for %s", r.idleTimeout))
			return

		case <-ctx.Done():
			// Hub shutdown: leave the request in-progress on disk for
			// startup recovery.
			r.logger.Info("remote execution cancelled by shutdown",
				zap.String("request_id", req.ID),
			)
			return
		}
	}
}

// complete fetches the terminal snapshot, re-emits contract-update artifacts,
// and applies the completed side-effects.
func (r *Runner) complete(ctx context.Context, req *request.Request, service, taskID string, client *Client, elapsed time.Duration) {
	if task, err := client.GetTask(ctx, taskID); err != nil {
		r.logger.Warn("terminal task snapshot unavailable",
			zap.String("request_id", req.ID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	} else {
		for _, art := range task.Artifacts {
			if !strings.HasPrefix(art.Name, "contract-update") {
				continue
			}
			r.bus.Emit(bus.EventA2AArtifact, bus.A2AArtifact{
				RequestID: req.ID,
				TaskID:    taskID,
				Name:      art.Name,
				Data:      art.Data,
			})
		}
	}

	if err := r.store.SetStatus(req, request.StatusCompleted); err != nil {
		r.logger.Warn("completed status not persisted", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if err := r.store.Archive(req); err != nil {
		r.logger.Warn("archive failed, file left in inbox", zap.String("request_id", req.ID), zap.Error(err))
	}
	r.sessions.ClearCheckpoint(service, req.ID)

	durationMS := elapsed.Milliseconds()
	r.hist.Append(history.Record{
		RequestID:  req.ID,
		FromStatus: string(request.StatusInProgress),
		ToStatus:   string(request.StatusCompleted),
		Actor:      service,
		Detail:     "remote task " + taskID,
		DurationMS: durationMS,
	})

	root := r.store.Root()
	if err := r.git.Commit(ctx, root, fmt.Sprintf("accord: complete %s (%s, remote)", req.ID, service)); err != nil {
		r.logger.Warn("git commit failed", zap.Error(err))
	} else if err := r.git.Push(ctx, root); err != nil {
		r.logger.Warn("git push failed", zap.Error(err))
	}

	r.metrics.CompletedTotal.WithLabelValues("remote").Inc()
	r.metrics.AttemptDuration.Observe(elapsed.Seconds())
	r.bus.Emit(bus.EventRequestCompleted, bus.RequestCompleted{
		RequestID:  req.ID,
		Service:    service,
		DurationMS: durationMS,
	})
}

// fail applies the remote failure path: terminal failed status, archive,
// history, events. Remote failures never retry — the remote already saw the
// request, and re-sending risks duplicate work on the other side.
func (r *Runner) fail(ctx context.Context, req *request.Request, service, endpoint, errText string) {
	if err := r.store.SetStatus(req, request.StatusFailed); err != nil {
		r.logger.Warn("failed status not persisted", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if err := r.store.Archive(req); err != nil {
		r.logger.Warn("archive failed, file left in inbox", zap.String("request_id", req.ID), zap.Error(err))
	}
	r.hist.Append(history.Record{
		RequestID:  req.ID,
		FromStatus: string(request.StatusInProgress),
		ToStatus:   string(request.StatusFailed),
		Actor:      service,
		Detail:     fmt.Sprintf("remote %s: %s", endpoint, errText),
	})
	r.metrics.FailedTotal.WithLabelValues("remote", "false").Inc()
	r.bus.Emit(bus.EventRequestFailed, bus.RequestFailed{
		RequestID: req.ID,
		Service:   service,
		WillRetry: false,
		Error:     errText,
	})
}
