package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/bus"
	"github.com/aiwatching/accord/internal/registry"
	"github.com/aiwatching/accord/internal/request"
)

// Allowlisted hub builtins for type=command requests. Any other command
// fails the attempt through the same failure path as an agent error: the
// request reverts to pending while attempts remain, and fails terminally
// with an escalation once they are exhausted.
const (
	CommandStatus     = "status"
	CommandScan       = "scan"
	CommandCheckInbox = "check-inbox"
	CommandValidate   = "validate"
)

// ExecuteCommand runs an allowlisted command request without invoking an
// agent, then finalises through the same success/failure paths as an agent
// attempt.
func (e *Executor) ExecuteCommand(ctx context.Context, req *request.Request, policy *registry.Policy) {
	service := req.ServiceName()
	attempt, err := e.begin(req, service)
	if err != nil {
		e.logger.Warn("could not begin command attempt",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return
	}

	output, err := e.runCommand(ctx, req)
	if err != nil {
		e.finishFailed(ctx, req, service, "command", attempt, err.Error())
		return
	}

	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		e.sessions.AppendOutput(req.ID, "[status] "+line)
		e.bus.Emit(bus.EventSessionOutput, bus.SessionOutput{
			RequestID: req.ID,
			Service:   service,
			ChunkType: string(ChunkStatus),
			Text:      line,
		})
	}

	e.finishCompleted(ctx, req, service, "command", &Result{Success: true, Output: output})
}

func (e *Executor) runCommand(ctx context.Context, req *request.Request) (string, error) {
	switch req.Command {
	case CommandStatus:
		return e.commandStatus(ctx, req.ServiceName())
	case CommandScan:
		return e.commandScan(ctx, "")
	case CommandCheckInbox:
		return e.commandScan(ctx, req.ServiceName())
	case CommandValidate:
		return e.commandValidate(ctx)
	default:
		return "", fmt.Errorf("executor: command %q is not allowlisted", req.Command)
	}
}

// commandStatus summarises the candidate queue for one service.
func (e *Executor) commandStatus(ctx context.Context, service string) (string, error) {
	candidates, err := e.store.ScanCandidates(ctx)
	if err != nil {
		return "", err
	}
	counts := map[request.Status]int{}
	for _, c := range candidates {
		if c.ServiceName() == service {
			counts[c.Status]++
		}
	}
	return fmt.Sprintf("service %s: %d pending, %d approved, %d in-progress",
		service,
		counts[request.StatusPending],
		counts[request.StatusApproved],
		counts[request.StatusInProgress],
	), nil
}

// commandScan lists candidate ids, optionally limited to one service.
func (e *Executor) commandScan(ctx context.Context, service string) (string, error) {
	candidates, err := e.store.ScanCandidates(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	n := 0
	for _, c := range candidates {
		if service != "" && c.ServiceName() != service {
			continue
		}
		fmt.Fprintf(&b, "%s %s %s %s\n", c.ID, c.ServiceName(), c.Priority, c.Status)
		n++
	}
	fmt.Fprintf(&b, "%d candidate(s)", n)
	return b.String(), nil
}

// commandValidate re-parses every inbox file and reports how many are well
// formed. Malformed files are already logged by the scan itself.
func (e *Executor) commandValidate(ctx context.Context) (string, error) {
	all, err := e.store.ScanAll(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d request file(s) parsed cleanly", len(all)), nil
}
