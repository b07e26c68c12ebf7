// Package dispatch implements admission control and assignment. Given the
// sorted candidate sequence from the request store, the dispatcher applies
// the admission gates in order (dependencies, maintainer class, service
// exclusion, directory exclusion), commits admitted candidates into the two
// exclusion sets it owns, and routes each to the local executor, the remote
// runner, or the command shortcut.
//
// Admission is sequential on the calling goroutine; admitted requests fan
// out into independent goroutines bounded by the worker cap. The exclusion
// sets guarantee at most one in-flight request per service and per canonical
// working directory, and are released on every terminal path through a
// deferred scope guard.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/a2a"
	"github.com/aiwatching/accord/internal/executor"
	"github.com/aiwatching/accord/internal/metrics"
	"github.com/aiwatching/accord/internal/registry"
	"github.com/aiwatching/accord/internal/request"
)

// Options modifies one Dispatch call.
type Options struct {
	// DryRun simulates admission end-to-end without executing anything.
	// Exclusion state is released before Dispatch returns.
	DryRun bool
}

// Dispatcher owns the exclusion sets and the worker cap.
type Dispatcher struct {
	store   *request.Store
	reg     *registry.Registry
	local   *executor.Executor
	remote  *a2a.Runner
	metrics *metrics.Metrics
	logger  *zap.Logger
	debug   bool

	// sem bounds concurrently executing requests.
	sem chan struct{}

	// wg tracks in-flight executions for graceful shutdown and tests.
	wg sync.WaitGroup

	mu             sync.Mutex
	activeServices map[string]struct{}
	activeDirs     map[string]struct{}
}

// New creates a Dispatcher with the given worker cap.
func New(
	store *request.Store,
	reg *registry.Registry,
	local *executor.Executor,
	remote *a2a.Runner,
	workers int,
	debug bool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:          store,
		reg:            reg,
		local:          local,
		remote:         remote,
		metrics:        m,
		logger:         logger.Named("dispatcher"),
		debug:          debug,
		sem:            make(chan struct{}, workers),
		activeServices: make(map[string]struct{}),
		activeDirs:     make(map[string]struct{}),
	}
}

// backend is the routing tag derived from the registry: how an admitted
// request will be performed.
type backend int

const (
	backendLocal backend = iota
	backendRemote
	backendCommand
)

func (b backend) String() string {
	switch b {
	case backendRemote:
		return "remote"
	case backendCommand:
		return "command"
	default:
		return "local"
	}
}

// Dispatch runs admission over the sorted candidates and returns the number
// processed (admitted, or would-be-admitted under DryRun). It returns after
// admission completes; execution continues in the background. Use Wait to
// block until all in-flight executions finish.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []*request.Request, opts Options) int {
	processed := 0
	var dryRunReleases []func()

	for _, req := range candidates {
		if ctx.Err() != nil {
			break
		}
		// Only pending and approved requests are dispatch-eligible.
		// In-progress candidates are already executing (or awaiting startup
		// recovery) and are surfaced by the scan for visibility only.
		if req.Status != request.StatusPending && req.Status != request.StatusApproved {
			continue
		}

		policy, b, admitted, release := d.admit(req)
		if !admitted {
			continue
		}
		processed++

		if opts.DryRun {
			dryRunReleases = append(dryRunReleases, release)
			continue
		}

		// Reserve a worker slot before spawning. A full pool defers the
		// candidate to the next tick rather than stalling admission.
		select {
		case d.sem <- struct{}{}:
		default:
			release()
			processed--
			d.logger.Debug("worker pool full, deferring", zap.String("request_id", req.ID))
			continue
		}

		d.metrics.DispatchedTotal.WithLabelValues(b.String()).Inc()
		d.metrics.InFlight.Inc()
		d.wg.Add(1)
		go d.run(ctx, req, policy, b, release)
	}

	// Dry-run admission holds the sets for the duration of the pass so
	// same-service candidates are simulated faithfully, then releases them
	// so a subsequent real dispatch is not poisoned.
	for _, release := range dryRunReleases {
		release()
	}
	return processed
}

// admit applies the admission gates in order. On success it commits the
// service and directory into the exclusion sets and returns a release
// function; exactly one call of release is expected on any terminal path.
func (d *Dispatcher) admit(req *request.Request) (*registry.Policy, backend, bool, func()) {
	service := req.ServiceName()

	// 1. Dependency gate.
	deps, err := d.store.DependencyStatus(req)
	if err != nil {
		d.logger.Warn("dependency check failed, deferring",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return nil, 0, false, nil
	}
	if !deps.Ready {
		d.defer_(req, "unmet dependencies", zap.Strings("pending", deps.Pending))
		return nil, 0, false, nil
	}

	// 2. Maintainer gate.
	policy := d.reg.PolicyFor(service)
	if policy == nil {
		d.defer_(req, "unknown service")
		return nil, 0, false, nil
	}
	switch policy.Maintainer {
	case registry.MaintainerHuman:
		d.defer_(req, "human-maintained service")
		return nil, 0, false, nil
	case registry.MaintainerExternal:
		d.defer_(req, "externally owned service")
		return nil, 0, false, nil
	case registry.MaintainerHybrid:
		if req.Status != request.StatusApproved {
			d.defer_(req, "hybrid service awaiting approval")
			return nil, 0, false, nil
		}
	case registry.MaintainerAI:
		// approved behaves as pending here — both are eligible.
	default:
		d.defer_(req, "unrecognised maintainer class", zap.String("maintainer", string(policy.Maintainer)))
		return nil, 0, false, nil
	}

	dir := canonicalDir(policy.WorkingDir(d.store.Root()))

	// 3+4. Service and directory exclusion, committed atomically under the
	// one lock that guards both sets.
	d.mu.Lock()
	if _, busy := d.activeServices[service]; busy {
		d.mu.Unlock()
		d.defer_(req, "service already dispatched")
		return nil, 0, false, nil
	}
	if _, busy := d.activeDirs[dir]; busy {
		d.mu.Unlock()
		d.defer_(req, "working directory already dispatched", zap.String("dir", dir))
		return nil, 0, false, nil
	}
	d.activeServices[service] = struct{}{}
	d.activeDirs[dir] = struct{}{}
	d.mu.Unlock()

	release := func() {
		d.mu.Lock()
		delete(d.activeServices, service)
		delete(d.activeDirs, dir)
		d.mu.Unlock()
	}

	b := backendLocal
	switch {
	case req.Type == request.TypeCommand:
		b = backendCommand
	case policy.A2AURL != "":
		b = backendRemote
	}
	return policy, b, true, release
}

// run executes one admitted request and releases exclusion state on every
// terminal path, including a panicking backend.
func (d *Dispatcher) run(ctx context.Context, req *request.Request, policy *registry.Policy, b backend, release func()) {
	defer d.wg.Done()
	defer d.metrics.InFlight.Dec()
	defer func() { <-d.sem }()
	defer release()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("backend panicked",
				zap.String("request_id", req.ID),
				zap.Any("panic", r),
			)
			d.local.FailTerminal(ctx, req, fmt.Sprintf("dispatch panic: %v", r))
		}
	}()

	switch b {
	case backendCommand:
		d.local.ExecuteCommand(ctx, req, policy)
	case backendRemote:
		d.remote.Execute(ctx, req, policy)
	default:
		d.local.Execute(ctx, req, policy)
	}
}

// Wait blocks until every in-flight execution has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// InFlight returns the number of currently dispatched services.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.activeServices)
}

// defer_ logs an admission deferral. Deferrals are expected control flow, so
// they stay at debug level unless debug admission logging is enabled.
func (d *Dispatcher) defer_(req *request.Request, reason string, fields ...zap.Field) {
	fields = append([]zap.Field{
		zap.String("request_id", req.ID),
		zap.String("service", req.ServiceName()),
		zap.String("reason", reason),
	}, fields...)
	if d.debug {
		d.logger.Info("deferred", fields...)
	} else {
		d.logger.Debug("deferred", fields...)
	}
}

// canonicalDir normalises a working directory so two differently-spelled
// paths to the same tree collide in the exclusion set.
func canonicalDir(dir string) string {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return filepath.Clean(dir)
}
