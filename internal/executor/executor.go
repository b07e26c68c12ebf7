// Package executor runs a single request against a local agent process in
// the service's working directory. It owns the full attempt lifecycle: the
// in-progress transition, streamed output, the session log, and on
// termination either the completed/archive path or the retry/escalation
// path. The dispatcher admits and routes; the executor performs.
//
// One executor instance serves all local requests — per-request isolation
// comes from the dispatcher's exclusion sets, which guarantee at most one
// in-flight request per service and per working directory.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
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

// Options carries the execution knobs resolved from configuration.
type Options struct {
	// AgentCmd is the agent executable, e.g. "claude".
	AgentCmd string
	// Model is passed to the agent when non-empty.
	Model string
	// MaxBudgetUSD caps spend per invocation when > 0.
	MaxBudgetUSD float64
	// Timeout is the hard per-invocation limit.
	Timeout time.Duration
	// MaxAttempts is the retry budget before escalation.
	MaxAttempts int
	// SessionMaxRequests / SessionMaxAge bound agent session reuse.
	SessionMaxRequests int
	SessionMaxAge      time.Duration
}

// Executor invokes local agents and applies attempt side-effects.
type Executor struct {
	opts     Options
	store    *request.Store
	hist     *history.Writer
	bus      *bus.Bus
	sessions *session.Manager
	git      *gitsync.Syncer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates an Executor.
func New(
	opts Options,
	store *request.Store,
	hist *history.Writer,
	eventBus *bus.Bus,
	sessions *session.Manager,
	git *gitsync.Syncer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		opts:     opts,
		store:    store,
		hist:     hist,
		bus:      eventBus,
		sessions: sessions,
		git:      git,
		metrics:  m,
		logger:   logger.Named("executor"),
	}
}

// Execute runs one request to a terminal outcome for this attempt. Execution
// errors never propagate — they are converted into state transitions
// (pending for retry, failed + escalation when attempts are exhausted).
func (e *Executor) Execute(ctx context.Context, req *request.Request, policy *registry.Policy) {
	service := req.ServiceName()
	attempt, err := e.begin(req, service)
	if err != nil {
		e.logger.Warn("could not begin attempt",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return
	}

	prompt := e.buildPrompt(req, service)
	dir := policy.WorkingDir(e.store.Root())

	start := time.Now()
	res, err := e.invoke(ctx, invokeOptions{
		Prompt:    prompt,
		Dir:       dir,
		SessionID: e.sessions.ResumableSession(service, e.opts.SessionMaxRequests, e.opts.SessionMaxAge),
		OnChunk: func(c Chunk) {
			e.sessions.AppendOutput(req.ID, fmt.Sprintf("[%s] %s", c.Type, c.Text))
			e.bus.Emit(bus.EventSessionOutput, bus.SessionOutput{
				RequestID: req.ID,
				Service:   service,
				ChunkType: string(c.Type),
				Text:      c.Text,
			})
		},
	})
	e.metrics.AttemptDuration.Observe(time.Since(start).Seconds())

	if err == nil && res != nil && res.Success {
		e.sessions.RecordSessionUse(service, res.SessionID)
		e.finishCompleted(ctx, req, service, "local", res)
		return
	}

	errText := "agent invocation failed"
	switch {
	case err != nil:
		errText = err.Error()
	case res != nil && res.ErrorText != "":
		errText = res.ErrorText
	}
	e.finishFailed(ctx, req, service, "local", attempt, errText)
}

// begin advances the attempt counter, moves the request to in-progress, and
// emits the claim. Called before any agent I/O so a crash mid-attempt leaves
// an in-progress file for startup recovery.
func (e *Executor) begin(req *request.Request, service string) (int, error) {
	fromStatus := req.Status
	attempt, err := e.store.IncrementAttempts(req)
	if err != nil {
		return 0, err
	}
	if err := e.store.SetStatus(req, request.StatusInProgress); err != nil {
		return 0, err
	}
	e.hist.Append(history.Record{
		RequestID:  req.ID,
		FromStatus: string(fromStatus),
		ToStatus:   string(request.StatusInProgress),
		Actor:      service,
		Detail:     fmt.Sprintf("attempt %d", attempt),
	})
	e.bus.Emit(bus.EventRequestClaimed, bus.RequestClaimed{
		RequestID: req.ID,
		Service:   service,
		Directive: req.Directive,
		Attempt:   attempt,
	})
	e.bus.Emit(bus.EventSessionStart, bus.SessionEvent{RequestID: req.ID, Service: service})
	return attempt, nil
}

// buildPrompt combines the request body with any checkpoint left by a failed
// earlier attempt.
func (e *Executor) buildPrompt(req *request.Request, service string) string {
	var b strings.Builder
	if cp := e.sessions.ReadCheckpoint(service, req.ID); cp != nil {
		fmt.Fprintf(&b, "A previous attempt (%d) of this request failed with:\n\n%s\n\nResume from where it left off.\n\n---\n\n", cp.Attempt, cp.Error)
	}
	b.WriteString(req.Body)
	return b.String()
}

// finishCompleted applies the success side-effects in order: status, archive,
// checkpoint clear, history, git commit+push, events.
func (e *Executor) finishCompleted(ctx context.Context, req *request.Request, service, backend string, res *Result) {
	if err := e.store.SetStatus(req, request.StatusCompleted); err != nil {
		// Left in-progress on disk; dispatch skips in-progress requests, so
		// it stays there until startup recovery reverts it to pending.
		e.logger.Warn("completed status not persisted",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return
	}
	if err := e.store.Archive(req); err != nil {
		e.logger.Warn("archive failed, file left in inbox",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
	e.sessions.ClearCheckpoint(service, req.ID)

	rec := history.Record{
		RequestID:  req.ID,
		FromStatus: string(request.StatusInProgress),
		ToStatus:   string(request.StatusCompleted),
		Actor:      service,
	}
	if res != nil {
		rec.DurationMS = res.DurationMS
		rec.CostUSD = res.CostUSD
		rec.Turns = res.NumTurns
		if res.InputTok > 0 || res.OutputTok > 0 {
			rec.TokenUsage = &history.TokenUsage{Input: res.InputTok, Output: res.OutputTok}
		}
		rec.ModelUsage = res.ModelUsage
	}
	e.hist.Append(rec)

	e.commitTree(ctx, fmt.Sprintf("accord: complete %s (%s)", req.ID, service))

	completed := bus.RequestCompleted{RequestID: req.ID, Service: service}
	if res != nil {
		completed.DurationMS = res.DurationMS
		completed.CostUSD = res.CostUSD
	}
	e.metrics.CompletedTotal.WithLabelValues(backend).Inc()
	e.bus.Emit(bus.EventSessionComplete, bus.SessionEvent{RequestID: req.ID, Service: service})
	e.bus.Emit(bus.EventRequestCompleted, completed)
}

// finishFailed applies the failure side-effects: checkpoint, then either the
// pending revert (attempts remain) or the terminal failed + escalation path.
func (e *Executor) finishFailed(ctx context.Context, req *request.Request, service, backend string, attempt int, errText string) {
	if err := e.sessions.WriteCheckpoint(session.Checkpoint{
		RequestID: req.ID,
		Service:   service,
		Attempt:   attempt,
		Error:     errText,
	}); err != nil {
		e.logger.Warn("checkpoint not written", zap.String("request_id", req.ID), zap.Error(err))
	}

	willRetry := attempt < e.opts.MaxAttempts
	if willRetry {
		if err := e.store.SetStatus(req, request.StatusPending); err != nil {
			e.logger.Warn("pending revert not persisted", zap.String("request_id", req.ID), zap.Error(err))
			return
		}
		e.hist.Append(history.Record{
			RequestID:  req.ID,
			FromStatus: string(request.StatusInProgress),
			ToStatus:   string(request.StatusPending),
			Actor:      service,
			Detail:     fmt.Sprintf("attempt %d failed, will retry: %s", attempt, errText),
		})
	} else {
		if err := e.store.SetStatus(req, request.StatusFailed); err != nil {
			e.logger.Warn("failed status not persisted", zap.String("request_id", req.ID), zap.Error(err))
			return
		}
		if err := e.store.Archive(req); err != nil {
			e.logger.Warn("archive failed, file left in inbox", zap.String("request_id", req.ID), zap.Error(err))
		}
		if _, err := e.store.CreateEscalation(req, errText); err != nil {
			e.logger.Error("escalation not created", zap.String("request_id", req.ID), zap.Error(err))
		} else {
			e.metrics.EscalationsTotal.Inc()
		}
		e.hist.Append(history.Record{
			RequestID:  req.ID,
			FromStatus: string(request.StatusInProgress),
			ToStatus:   string(request.StatusFailed),
			Actor:      service,
			Detail:     fmt.Sprintf("attempt %d failed, attempts exhausted: %s", attempt, errText),
		})
		e.commitTree(ctx, fmt.Sprintf("accord: fail %s (%s)", req.ID, service))
	}

	e.metrics.FailedTotal.WithLabelValues(backend, fmt.Sprintf("%t", willRetry)).Inc()
	e.bus.Emit(bus.EventSessionError, bus.SessionEvent{RequestID: req.ID, Service: service, Error: errText})
	e.bus.Emit(bus.EventRequestFailed, bus.RequestFailed{
		RequestID: req.ID,
		Service:   service,
		WillRetry: willRetry,
		Error:     errText,
	})
}

// FailTerminal marks a request failed without a retry, advancing attempts
// first. Used by the dispatcher when routing itself errors.
func (e *Executor) FailTerminal(ctx context.Context, req *request.Request, errText string) {
	if _, err := e.store.IncrementAttempts(req); err != nil {
		e.logger.Warn("attempts not advanced", zap.String("request_id", req.ID), zap.Error(err))
	}
	if req.Status != request.StatusInProgress {
		if err := e.store.SetStatus(req, request.StatusInProgress); err != nil {
			e.logger.Warn("in-progress transition not persisted", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	e.finishFailed(ctx, req, req.ServiceName(), "local", e.opts.MaxAttempts, errText)
}

// commitTree persists the working tree after a terminal transition. Git
// failures are warnings: the files already carry the authoritative state.
func (e *Executor) commitTree(ctx context.Context, message string) {
	root := e.store.Root()
	if err := e.git.Commit(ctx, root, message); err != nil {
		e.logger.Warn("git commit failed", zap.Error(err))
		return
	}
	pushErr := ""
	if err := e.git.Push(ctx, root); err != nil {
		pushErr = err.Error()
		e.logger.Warn("git push failed", zap.Error(err))
	}
	e.bus.Emit(bus.EventSyncPush, bus.Sync{Root: root, Error: pushErr})
}

// invokeOptions parameterises one agent process run.
type invokeOptions struct {
	Prompt    string
	Dir       string
	SessionID string
	OnChunk   func(Chunk)
}

// invoke spawns the agent process and consumes its stream-json stdout.
// A hard timeout kills the whole process group and surfaces as an error.
func (e *Executor) invoke(ctx context.Context, opts invokeOptions) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	args := []string{"-p", opts.Prompt, "--output-format", "stream-json", "--verbose"}
	if e.opts.Model != "" {
		args = append(args, "--model", e.opts.Model)
	}
	if e.opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%.2f", e.opts.MaxBudgetUSD))
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}

	cmd := exec.CommandContext(ctx, e.opts.AgentCmd, args...)
	cmd.Dir = opts.Dir
	// The agent spawns its own subprocesses; a new process group lets the
	// timeout kill all of them, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor: start %s: %w", e.opts.AgentCmd, err)
	}

	var result *Result
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunks, res, _ := parseStreamLine(line)
		for _, c := range chunks {
			if opts.OnChunk != nil {
				opts.OnChunk(c)
			}
		}
		if res != nil {
			result = res
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return result, fmt.Errorf("executor: agent timed out after %s", e.opts.Timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("executor: agent exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return result, fmt.Errorf("executor: agent wait: %w", waitErr)
	}
	if scanErr != nil {
		return result, fmt.Errorf("executor: read agent output: %w", scanErr)
	}
	if result == nil {
		return nil, fmt.Errorf("executor: agent stream ended without a result line")
	}
	return result, nil
}
