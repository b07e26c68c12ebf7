// Package gitsync is the Git collaborator: pull inbound mutations at tick
// start, commit outcomes after execution, push with a bounded rebase retry.
// All invocations shell out to the git binary in the hub working tree and
// are serialised by the callers — the dispatcher inner logic never touches
// this package directly.
package gitsync

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// pushRetries bounds the pull-rebase-push loop on push conflicts.
const pushRetries = 3

// Syncer runs git operations against a working tree.
type Syncer struct {
	logger *zap.Logger

	// Disabled turns every operation into a no-op. Set when the hub root is
	// not a git repository, so a plain directory tree still works.
	Disabled bool
}

// New creates a Syncer. root is probed once: if it is not inside a git work
// tree the syncer starts disabled.
func New(ctx context.Context, root string, logger *zap.Logger) *Syncer {
	s := &Syncer{logger: logger.Named("gitsync")}
	if _, err := s.run(ctx, root, "rev-parse", "--is-inside-work-tree"); err != nil {
		s.logger.Warn("hub root is not a git repository, sync disabled", zap.String("root", root))
		s.Disabled = true
	}
	return s
}

// Pull fetches and integrates inbound mutations.
func (s *Syncer) Pull(ctx context.Context, root string) error {
	if s.Disabled {
		return nil
	}
	if _, err := s.run(ctx, root, "pull", "--rebase", "--autostash"); err != nil {
		return fmt.Errorf("gitsync: pull: %w", err)
	}
	return nil
}

// Commit stages everything under root and commits with the given message.
// A clean tree is not an error.
func (s *Syncer) Commit(ctx context.Context, root, message string) error {
	if s.Disabled {
		return nil
	}
	if _, err := s.run(ctx, root, "add", "-A"); err != nil {
		return fmt.Errorf("gitsync: add: %w", err)
	}
	out, err := s.run(ctx, root, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return nil
		}
		return fmt.Errorf("gitsync: commit: %w", err)
	}
	return nil
}

// Push publishes local commits. On rejection it pulls with rebase and tries
// again, up to pushRetries times.
func (s *Syncer) Push(ctx context.Context, root string) error {
	if s.Disabled {
		return nil
	}
	var lastErr error
	for i := 0; i < pushRetries; i++ {
		if _, err := s.run(ctx, root, "push"); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if _, err := s.run(ctx, root, "pull", "--rebase"); err != nil {
			return fmt.Errorf("gitsync: rebase before push retry: %w", err)
		}
	}
	return fmt.Errorf("gitsync: push failed after %d attempts: %w", pushRetries, lastErr)
}

// run executes one git command in root, returning combined output. The
// output is included in errors so callers can log the actual git complaint.
func (s *Syncer) run(ctx context.Context, root string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", root}, args...)...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		return out, fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	s.logger.Debug("git command",
		zap.String("args", strings.Join(args, " ")),
	)
	return out, nil
}
