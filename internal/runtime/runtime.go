// Package runtime provides the process-wide I/O runtime: a bounded
// worker pool for background tasks plus a registry of long-lived
// I/O-bound resources (network clients, file handles) whose lifetimes
// are tied to the runtime.
//
// All long-lived clients must be created through NewIOBoundResource so
// that shutdown closes them after the task queue drains; a resource
// can never outlive the runtime that owns its background work.
package runtime

import (
	"context"
	"errors"
	"fmt"
	stdruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrShuttingDown is returned by Spawn once Shutdown has begun.
var ErrShuttingDown = errors.New("runtime: shutting down")

// Task is a unit of background work. The context is cancelled when the
// runtime shuts down; tasks must honor it at their blocking points.
type Task func(ctx context.Context)

// Resource is anything with a Close, owned by the runtime.
type Resource interface {
	Close() error
}

// Metrics exposes runtime counters.
type Metrics struct {
	TasksSpawned     uint64        `json:"tasks_spawned"`
	TasksCompleted   uint64        `json:"tasks_completed"`
	ResourcesCreated uint64        `json:"resources_created"`
	Workers          int           `json:"workers"`
	Uptime           time.Duration `json:"uptime"`
}

type ownedResource struct {
	name     string
	resource Resource
}

// Runtime is the cooperative task scheduler. Tasks are executed FIFO by
// a fixed pool of workers; there is no ordering guarantee across
// workers, only within the queue.
type Runtime struct {
	workers int
	queue   chan queuedTask
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	resources []ownedResource
	closed    bool

	startedAt        time.Time
	tasksSpawned     atomic.Uint64
	tasksCompleted   atomic.Uint64
	resourcesCreated atomic.Uint64
}

type queuedTask struct {
	name string
	fn   Task
}

// New creates a runtime with the given worker count. Zero or negative
// means one worker per CPU.
func New(workers int) *Runtime {
	if workers <= 0 {
		workers = stdruntime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		workers:   workers,
		queue:     make(chan queuedTask, 1024),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	log.Info().Int("workers", workers).Msg("⚙️  I/O runtime started")
	return r
}

func (r *Runtime) worker() {
	defer r.wg.Done()
	for {
		select {
		case task := <-r.queue:
			task.fn(r.ctx)
			r.tasksCompleted.Add(1)
		case <-r.ctx.Done():
			// Drain the backlog, then exit. The queue is never
			// closed, so concurrent Spawn can never panic on it.
			for {
				select {
				case task := <-r.queue:
					task.fn(r.ctx)
					r.tasksCompleted.Add(1)
				default:
					return
				}
			}
		}
	}
}

// Spawn enqueues a background task. Fails with ErrShuttingDown once
// shutdown has begun.
func (r *Runtime) Spawn(name string, fn Task) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	r.mu.Unlock()

	select {
	case r.queue <- queuedTask{name: name, fn: fn}:
		r.tasksSpawned.Add(1)
		return nil
	case <-r.ctx.Done():
		return ErrShuttingDown
	}
}

// NewIOBoundResource constructs a long-lived resource via factory and
// registers it with the runtime. The resource is closed during
// Shutdown, after the task queue drains, in reverse creation order.
func NewIOBoundResource[R Resource](r *Runtime, name string, factory func() (R, error)) (R, error) {
	var zero R
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return zero, ErrShuttingDown
	}
	r.mu.Unlock()

	res, err := factory()
	if err != nil {
		return zero, fmt.Errorf("create resource %q: %w", name, err)
	}

	// Shutdown may have started while the factory ran; a resource
	// registered now would never be closed, so close it here instead.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		res.Close()
		return zero, ErrShuttingDown
	}
	r.resources = append(r.resources, ownedResource{name: name, resource: res})
	r.mu.Unlock()
	r.resourcesCreated.Add(1)

	log.Debug().Str("resource", name).Msg("I/O-bound resource created")
	return res, nil
}

// Shutdown stops task intake, cancels the task context, drains workers,
// then closes owned resources in reverse creation order. Idempotent.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Runtime shutdown deadline reached with tasks still running")
	}

	r.mu.Lock()
	resources := r.resources
	r.resources = nil
	r.mu.Unlock()

	var firstErr error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].resource.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close resource %q: %w", resources[i].name, err)
		}
	}

	log.Info().
		Uint64("tasks_completed", r.tasksCompleted.Load()).
		Int("resources_closed", len(resources)).
		Msg("⚙️  I/O runtime stopped")
	return firstErr
}

// Metrics returns a snapshot of runtime counters.
func (r *Runtime) Metrics() Metrics {
	return Metrics{
		TasksSpawned:     r.tasksSpawned.Load(),
		TasksCompleted:   r.tasksCompleted.Load(),
		ResourcesCreated: r.resourcesCreated.Load(),
		Workers:          r.workers,
		Uptime:           time.Since(r.startedAt),
	}
}

// ── Process-wide singleton ───────────────────────────────────

var (
	globalMu sync.Mutex
	global   *Runtime
)

// Init creates the process-wide runtime. Idempotent: subsequent calls
// return the existing instance.
func Init(workers int) *Runtime {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(workers)
	}
	return global
}

// Global returns the process-wide runtime, initializing it with default
// workers if needed.
func Global() *Runtime {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(0)
	}
	return global
}

// ShutdownGlobal tears down the process-wide runtime.
func ShutdownGlobal(ctx context.Context) error {
	globalMu.Lock()
	r := global
	global = nil
	globalMu.Unlock()
	if r == nil {
		return nil
	}
	return r.Shutdown(ctx)
}
