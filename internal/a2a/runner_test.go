package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/bus"
	"github.com/aiwatching/accord/internal/gitsync"
	"github.com/aiwatching/accord/internal/history"
	"github.com/aiwatching/accord/internal/metrics"
	"github.com/aiwatching/accord/internal/registry"
	"github.com/aiwatching/accord/internal/request"
	"github.com/aiwatching/accord/internal/session"
)

type runnerEnv struct {
	root   string
	store  *request.Store
	bus    *bus.Bus
	events *[]string
}

func newRunnerEnv(t *testing.T, idle time.Duration) (*runnerEnv, *Runner) {
	t.Helper()
	root := t.TempDir()
	logger := zap.NewNop()

	store := request.NewStore(root, logger)
	eventBus := bus.New(logger)

	var events []string
	for _, ev := range []bus.Event{
		bus.EventRequestClaimed, bus.EventA2AStatusUpdate, bus.EventA2AArtifact,
		bus.EventRequestCompleted, bus.EventRequestFailed,
	} {
		kind := ev
		eventBus.Subscribe(kind, func(any) { events = append(events, string(kind)) })
	}

	runner := NewRunner(
		NewPool(), idle, store,
		history.NewWriter(root, logger), eventBus,
		session.NewManager(root, logger),
		gitsync.New(context.Background(), root, logger),
		metrics.New(), logger,
	)
	return &runnerEnv{root: root, store: store, bus: eventBus, events: &events}, runner
}

func (e *runnerEnv) writeRequest(t *testing.T, id, service string) *request.Request {
	t.Helper()
	dir := filepath.Join(e.root, "comms", "inbox", service)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	now := time.Now().UTC().Format(time.RFC3339)
	content := fmt.Sprintf(`---
id: %s
from: tester
to: %s
scope: core
type: implementation
priority: high
status: pending
created: %s
updated: %s
---
remote work
`, id, service, now, now)
	path := filepath.Join(dir, id+".md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	r, err := request.Parse(path, data)
	require.NoError(t, err)
	return r
}

func TestRemoteHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range []string{
			`{"kind":"task-created","taskId":"task-9","contextId":"ctx-9"}`,
			`{"kind":"status-update","state":"working"}`,
			`{"kind":"artifact-update","name":"progress","data":"50%"}`,
			`{"kind":"status-update","state":"completed"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
	})
	mux.HandleFunc("GET /tasks/task-9", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Task{
			ID: "task-9",
			Artifacts: []Artifact{
				{Name: "contract-update-billing", Data: "{}"},
				{Name: "scratch-notes", Data: "ignored"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env, runner := newRunnerEnv(t, 5*time.Second)
	req := env.writeRequest(t, "req-r", "billing")
	policy := &registry.Policy{Service: "billing", Maintainer: registry.MaintainerAI, A2AURL: srv.URL}

	runner.Execute(context.Background(), req, policy)

	archived, err := env.store.FindArchived("req-r")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, request.StatusCompleted, archived.Status)
	assert.Equal(t, 1, archived.Attempts)

	events := *env.events
	assert.Contains(t, events, "request:claimed")
	assert.Equal(t, "request:completed", events[len(events)-1])

	// Exactly one contract-update artifact from the terminal snapshot plus
	// the streamed one.
	artifacts := 0
	for _, ev := range events {
		if ev == "a2a:artifact-update" {
			artifacts++
		}
	}
	assert.Equal(t, 2, artifacts)
}

func TestRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"kind\":\"task-created\",\"taskId\":\"task-1\"}\n\n")
		fmt.Fprint(w, "data: {\"kind\":\"status-update\",\"state\":\"failed\",\"message\":\"remote crashed\"}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	env, runner := newRunnerEnv(t, 5*time.Second)
	req := env.writeRequest(t, "req-f", "billing")
	policy := &registry.Policy{Service: "billing", A2AURL: srv.URL}

	var failed bus.RequestFailed
	env.bus.Subscribe(bus.EventRequestFailed, func(p any) { failed = p.(bus.RequestFailed) })

	runner.Execute(context.Background(), req, policy)

	archived, err := env.store.FindArchived("req-f")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, request.StatusFailed, archived.Status)
	assert.False(t, failed.WillRetry)
	assert.Contains(t, failed.Error, "remote crashed")
}

func TestRemoteIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"kind\":\"task-created\",\"taskId\":\"task-1\"}\n\n")
		flusher.Flush()
		// Then go silent.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	idle := 300 * time.Millisecond
	env, runner := newRunnerEnv(t, idle)
	req := env.writeRequest(t, "req-i", "billing")
	policy := &registry.Policy{Service: "billing", A2AURL: srv.URL}

	var failed bus.RequestFailed
	env.bus.Subscribe(bus.EventRequestFailed, func(p any) { failed = p.(bus.RequestFailed) })

	start := time.Now()
	runner.Execute(context.Background(), req, policy)
	elapsed := time.Since(start)

	// Terminates within roughly one idle window.
	assert.Less(t, elapsed, 5*idle)

	archived, err := env.store.FindArchived("req-i")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, request.StatusFailed, archived.Status)
	assert.False(t, failed.WillRetry)
	assert.Contains(t, failed.Error, "no event")
}

func TestRemoteStreamEndsWithoutTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"kind\":\"status-update\",\"state\":\"working\"}\n\n")
	}))
	defer srv.Close()

	env, runner := newRunnerEnv(t, 5*time.Second)
	req := env.writeRequest(t, "req-s", "billing")
	policy := &registry.Policy{Service: "billing", A2AURL: srv.URL}

	runner.Execute(context.Background(), req, policy)

	archived, err := env.store.FindArchived("req-s")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, request.StatusFailed, archived.Status)
}
