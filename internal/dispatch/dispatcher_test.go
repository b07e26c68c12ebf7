package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/a2a"
	"github.com/aiwatching/accord/internal/bus"
	"github.com/aiwatching/accord/internal/executor"
	"github.com/aiwatching/accord/internal/gitsync"
	"github.com/aiwatching/accord/internal/history"
	"github.com/aiwatching/accord/internal/metrics"
	"github.com/aiwatching/accord/internal/registry"
	"github.com/aiwatching/accord/internal/request"
	"github.com/aiwatching/accord/internal/session"
)

const agentScript = `#!/bin/sh
sleep 0.2
echo '{"type":"result","subtype":"success","is_error":false,"duration_ms":200,"num_turns":1,"session_id":"sess-1","result":"ok"}'
`

type env struct {
	root       string
	store      *request.Store
	reg        *registry.Registry
	dispatcher *Dispatcher
}

func newEnv(t *testing.T, workers int) *env {
	t.Helper()
	root := t.TempDir()
	logger := zap.NewNop()

	agentPath := filepath.Join(root, "fake-agent.sh")
	require.NoError(t, os.WriteFile(agentPath, []byte(agentScript), 0o755))

	store := request.NewStore(root, logger)
	reg := registry.New(root, logger)
	eventBus := bus.New(logger)
	hist := history.NewWriter(root, logger)
	sessions := session.NewManager(root, logger)
	git := gitsync.New(context.Background(), root, logger)
	m := metrics.New()

	local := executor.New(executor.Options{
		AgentCmd:    agentPath,
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
	}, store, hist, eventBus, sessions, git, m, logger)
	remote := a2a.NewRunner(a2a.NewPool(), time.Second, store, hist, eventBus, sessions, git, m, logger)

	return &env{
		root:       root,
		store:      store,
		reg:        reg,
		dispatcher: New(store, reg, local, remote, workers, false, m, logger),
	}
}

func (e *env) writePolicy(t *testing.T, service, content string) {
	t.Helper()
	dir := filepath.Join(e.root, "registry")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, service+".yaml"), []byte(content), 0o644))
	require.NoError(t, e.reg.Reload())
	if p := e.reg.PolicyFor(service); p != nil {
		require.NoError(t, os.MkdirAll(p.WorkingDir(e.root), 0o755))
	}
}

func (e *env) writeRequest(t *testing.T, id, service string, status request.Status, created time.Time, extra string) {
	t.Helper()
	dir := filepath.Join(e.root, "comms", "inbox", service)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := fmt.Sprintf(`---
id: %s
from: tester
to: %s
scope: core
type: implementation
priority: high
status: %s
created: %s
updated: %s
%s---
do it
`, id, service, status, created.Format(time.RFC3339), created.Format(time.RFC3339), extra)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".md"), []byte(content), 0o644))
}

func (e *env) candidates(t *testing.T) []*request.Request {
	t.Helper()
	got, err := e.store.ScanCandidates(context.Background())
	require.NoError(t, err)
	return got
}

func TestDispatchHappyPath(t *testing.T) {
	e := newEnv(t, 4)
	e.writePolicy(t, "billing", "maintainer: ai\n")
	e.writeRequest(t, "req-1", "billing", request.StatusPending, time.Now().UTC(), "")

	processed := e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()

	archived, err := e.store.FindArchived("req-1")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, request.StatusCompleted, archived.Status)
	assert.Equal(t, 0, e.dispatcher.InFlight())
}

func TestServiceExclusion(t *testing.T) {
	e := newEnv(t, 4)
	e.writePolicy(t, "shipping", "maintainer: ai\n")
	base := time.Now().UTC()
	e.writeRequest(t, "req-a", "shipping", request.StatusPending, base, "")
	e.writeRequest(t, "req-b", "shipping", request.StatusPending, base.Add(time.Second), "")

	processed := e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()

	// req-a (earlier created) ran; req-b was deferred and is still pending.
	archived, err := e.store.FindArchived("req-a")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Nil(t, mustFindInbox(t, e, "shipping", "req-a"))
	reqB := mustFindInbox(t, e, "shipping", "req-b")
	require.NotNil(t, reqB)
	assert.Equal(t, request.StatusPending, reqB.Status)

	// Next pass picks up req-b.
	processed = e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()
	archivedB, err := e.store.FindArchived("req-b")
	require.NoError(t, err)
	assert.NotNil(t, archivedB)
}

func TestDirectoryExclusion(t *testing.T) {
	e := newEnv(t, 4)
	// Two differently named services sharing one working tree.
	e.writePolicy(t, "api", "maintainer: ai\ndirectory: shared-tree\n")
	e.writePolicy(t, "worker", "maintainer: ai\ndirectory: shared-tree\n")
	base := time.Now().UTC()
	e.writeRequest(t, "req-1", "api", request.StatusPending, base, "")
	e.writeRequest(t, "req-2", "worker", request.StatusPending, base.Add(time.Second), "")

	processed := e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()
}

func TestMaintainerGates(t *testing.T) {
	e := newEnv(t, 4)
	e.writePolicy(t, "humansvc", "maintainer: human\n")
	e.writePolicy(t, "extsvc", "maintainer: external\n")
	e.writePolicy(t, "hybridsvc", "maintainer: hybrid\n")
	base := time.Now().UTC()
	e.writeRequest(t, "req-h", "humansvc", request.StatusPending, base, "")
	e.writeRequest(t, "req-e", "extsvc", request.StatusPending, base, "")
	e.writeRequest(t, "req-y", "hybridsvc", request.StatusPending, base, "")
	e.writeRequest(t, "req-u", "unknownsvc", request.StatusPending, base, "")

	processed := e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 0, processed)
	e.dispatcher.Wait()

	// Hybrid runs once approved.
	reqY := mustFindInbox(t, e, "hybridsvc", "req-y")
	require.NoError(t, e.store.SetStatus(reqY, request.StatusApproved))

	processed = e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()

	archived, err := e.store.FindArchived("req-y")
	require.NoError(t, err)
	assert.NotNil(t, archived)
}

func TestApprovedRunsUnderAIMaintainer(t *testing.T) {
	e := newEnv(t, 4)
	e.writePolicy(t, "billing", "maintainer: ai\n")
	e.writeRequest(t, "req-1", "billing", request.StatusApproved, time.Now().UTC(), "")

	processed := e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()
}

func TestDependencyDeferral(t *testing.T) {
	e := newEnv(t, 4)
	e.writePolicy(t, "billing", "maintainer: ai\n")
	e.writePolicy(t, "shipping", "maintainer: ai\n")
	base := time.Now().UTC()
	e.writeRequest(t, "req-1", "billing", request.StatusPending, base, "")
	e.writeRequest(t, "req-2", "shipping", request.StatusPending, base,
		"depends_on_requests:\n  - req-1\n")

	// First pass: req-1 admitted, req-2 deferred on its dependency.
	processed := e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()

	archived, err := e.store.FindArchived("req-1")
	require.NoError(t, err)
	require.NotNil(t, archived)
	require.Equal(t, request.StatusCompleted, archived.Status)

	// Second pass: the archived completed dependency unblocks req-2.
	processed = e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()

	archived2, err := e.store.FindArchived("req-2")
	require.NoError(t, err)
	assert.NotNil(t, archived2)
}

func TestDryRun(t *testing.T) {
	e := newEnv(t, 4)
	e.writePolicy(t, "billing", "maintainer: ai\n")
	e.writePolicy(t, "shipping", "maintainer: ai\n")
	base := time.Now().UTC()
	e.writeRequest(t, "req-1", "billing", request.StatusPending, base, "")
	e.writeRequest(t, "req-2", "billing", request.StatusPending, base.Add(time.Second), "")
	e.writeRequest(t, "req-3", "shipping", request.StatusPending, base, "")

	// Simulated admission respects exclusion: only one per service.
	processed := e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{DryRun: true})
	assert.Equal(t, 2, processed)

	// Nothing executed, nothing mutated.
	assert.Equal(t, 0, e.dispatcher.InFlight())
	assert.Equal(t, request.StatusPending, mustFindInbox(t, e, "billing", "req-1").Status)

	// Exclusion state was released — a real dispatch is not poisoned.
	processed = e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 2, processed)
	e.dispatcher.Wait()
}

func TestWorkerCapDefers(t *testing.T) {
	e := newEnv(t, 1)
	e.writePolicy(t, "billing", "maintainer: ai\n")
	e.writePolicy(t, "shipping", "maintainer: ai\n")
	base := time.Now().UTC()
	e.writeRequest(t, "req-1", "billing", request.StatusPending, base, "")
	e.writeRequest(t, "req-2", "shipping", request.StatusPending, base, "")

	processed := e.dispatcher.Dispatch(context.Background(), e.candidates(t), Options{})
	assert.Equal(t, 1, processed)
	e.dispatcher.Wait()
}

func mustFindInbox(t *testing.T, e *env, service, id string) *request.Request {
	t.Helper()
	path := filepath.Join(e.root, "comms", "inbox", service, id+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	r, err := request.Parse(path, data)
	require.NoError(t, err)
	return r
}
