// Package pool implements a generic bounded pool over any validatable
// connection-like resource. Acquisition is semaphore-gated with a
// timeout, checkout optionally re-validates, and a background sweeper
// retires connections past their idle or lifetime limits and backfills
// to the configured minimum.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrExhausted is returned when no connection becomes available
	// within the acquisition timeout.
	ErrExhausted = errors.New("pool: exhausted")
	// ErrCreationFailed wraps factory failures.
	ErrCreationFailed = errors.New("pool: creation failed")
	// ErrValidationFailed is returned when test-on-checkout cannot
	// produce a valid connection.
	ErrValidationFailed = errors.New("pool: validation failed")
	// ErrShuttingDown is returned once Close has begun.
	ErrShuttingDown = errors.New("pool: shutting down")
	// ErrInvalidConfiguration is returned at construction for bad config.
	ErrInvalidConfiguration = errors.New("pool: invalid configuration")
)

// PoolableConnection is the contract pooled resources must satisfy.
type PoolableConnection interface {
	IsValid() bool
	Reset() error
	Close() error
}

// Factory produces new connections for the pool.
type Factory[C PoolableConnection] interface {
	New(ctx context.Context) (C, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc[C PoolableConnection] func(ctx context.Context) (C, error)

func (f FactoryFunc[C]) New(ctx context.Context) (C, error) { return f(ctx) }

// Config controls pool sizing and health behavior.
type Config struct {
	MinSize            int
	MaxSize            int
	AcquisitionTimeout time.Duration
	IdleTimeout        time.Duration
	MaxLifetime        time.Duration
	HealthCheckInterval time.Duration
	TestOnCheckout     bool
}

// Validate enforces the sizing invariants. Configuration problems are
// fatal at construction, never at runtime.
func (c Config) Validate() error {
	if c.MaxSize < 1 {
		return fmt.Errorf("%w: max_size must be >= 1, got %d", ErrInvalidConfiguration, c.MaxSize)
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("%w: min_size %d must be within [0, max_size %d]", ErrInvalidConfiguration, c.MinSize, c.MaxSize)
	}
	if c.AcquisitionTimeout <= 0 {
		return fmt.Errorf("%w: acquisition_timeout must be positive", ErrInvalidConfiguration)
	}
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	InUse   int    `json:"in_use"`
	Idle    int    `json:"idle"`
	Created uint64 `json:"created"`
	Closed  uint64 `json:"closed"`
}

type pooled[C PoolableConnection] struct {
	conn      C
	createdAt time.Time
	idleSince time.Time
}

// Pool is a bounded pool of C. The zero value is not usable; construct
// with New.
type Pool[C PoolableConnection] struct {
	cfg     Config
	factory Factory[C]

	// slots is the semaphore: one token per permitted in-flight
	// connection (idle or checked out).
	slots chan struct{}

	// notify is pinged when a connection returns to the idle list so
	// blocked acquirers can retry.
	notify chan struct{}

	mu      sync.Mutex
	idle    []pooled[C]
	inUse   int
	created uint64
	closed  uint64
	done    chan struct{}
	closing bool
	sweepWG sync.WaitGroup
}

// New constructs a pool, pre-filling to MinSize. The initial fill is
// best-effort: factory errors during prefill are logged, not fatal.
func New[C PoolableConnection](cfg Config, factory Factory[C]) (*Pool[C], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool[C]{
		cfg:     cfg,
		factory: factory,
		slots:   make(chan struct{}, cfg.MaxSize),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AcquisitionTimeout)
	defer cancel()
	for i := 0; i < cfg.MinSize; i++ {
		conn, err := factory.New(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Pool prefill connection failed")
			break
		}
		p.slots <- struct{}{}
		p.mu.Lock()
		p.created++
		p.idle = append(p.idle, pooled[C]{conn: conn, createdAt: time.Now(), idleSince: time.Now()})
		p.mu.Unlock()
	}

	if cfg.HealthCheckInterval > 0 {
		p.sweepWG.Add(1)
		go p.sweepLoop()
	}
	return p, nil
}

// Acquire returns a guard holding a connection. Waits up to the
// configured acquisition timeout, then fails with ErrExhausted.
func (p *Pool[C]) Acquire(ctx context.Context) (*Guard[C], error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquisitionTimeout)
	defer timer.Stop()

	for {
		entry, ok, err := p.takeIdle(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Guard[C]{pool: p, conn: entry.conn, createdAt: entry.createdAt}, nil
		}

		// No idle connection: take a slot (or wait for one) and create.
		select {
		case p.slots <- struct{}{}:
			conn, err := p.factory.New(ctx)
			if err != nil {
				<-p.slots
				return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
			}
			p.mu.Lock()
			p.created++
			p.inUse++
			p.mu.Unlock()
			return &Guard[C]{pool: p, conn: conn, createdAt: time.Now()}, nil
		case <-p.notify:
			// A connection was released; loop and try the idle list.
			continue
		case <-timer.C:
			return nil, ErrExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrShuttingDown
		}
	}
}

// takeIdle pops an idle connection, applying test-on-checkout. Returns
// ok=false when the idle list is empty.
func (p *Pool[C]) takeIdle(ctx context.Context) (pooled[C], bool, error) {
	var zero pooled[C]
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return zero, false, nil
		}
		entry := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if p.cfg.TestOnCheckout && !entry.conn.IsValid() {
			p.discard(entry.conn)
			continue
		}

		p.mu.Lock()
		p.inUse++
		p.mu.Unlock()
		return entry, true, nil
	}
}

// release returns a connection to the idle list. Reset failures close
// the connection instead. createdAt is preserved so MaxLifetime applies
// across checkouts.
func (p *Pool[C]) release(conn C, createdAt time.Time) {
	p.mu.Lock()
	p.inUse--
	closing := p.closing
	p.mu.Unlock()

	if closing {
		p.discard(conn)
		return
	}
	if err := conn.Reset(); err != nil {
		log.Debug().Err(err).Msg("Connection reset failed on release, closing")
		p.discard(conn)
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, pooled[C]{conn: conn, createdAt: createdAt, idleSince: time.Now()})
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// discard closes a connection and frees its slot.
func (p *Pool[C]) discard(conn C) {
	_ = conn.Close()
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	select {
	case <-p.slots:
	default:
	}
}

// sweepLoop retires idle connections past IdleTimeout or MaxLifetime
// and backfills the pool to MinSize.
func (p *Pool[C]) sweepLoop() {
	defer p.sweepWG.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool[C]) sweep() {
	now := time.Now()
	var expired []C

	p.mu.Lock()
	kept := p.idle[:0]
	for _, entry := range p.idle {
		tooOld := p.cfg.MaxLifetime > 0 && now.Sub(entry.createdAt) > p.cfg.MaxLifetime
		tooIdle := p.cfg.IdleTimeout > 0 && now.Sub(entry.idleSince) > p.cfg.IdleTimeout
		if tooOld || tooIdle {
			expired = append(expired, entry.conn)
		} else {
			kept = append(kept, entry)
		}
	}
	p.idle = kept
	total := len(p.idle) + p.inUse
	p.mu.Unlock()

	for _, conn := range expired {
		p.discard(conn)
		total--
	}

	// Backfill to MinSize.
	for total < p.cfg.MinSize {
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquisitionTimeout)
		conn, err := p.factory.New(ctx)
		cancel()
		if err != nil {
			<-p.slots
			log.Warn().Err(err).Msg("Pool backfill connection failed")
			return
		}
		p.mu.Lock()
		p.created++
		p.idle = append(p.idle, pooled[C]{conn: conn, createdAt: time.Now(), idleSince: time.Now()})
		p.mu.Unlock()
		total++
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{InUse: p.inUse, Idle: len(p.idle), Created: p.created, Closed: p.closed}
}

// Close drains and closes all idle connections. In-flight connections
// are closed as their guards release them.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.done)
	p.sweepWG.Wait()
	for _, entry := range idle {
		p.discard(entry.conn)
	}
	return nil
}

// Guard holds a checked-out connection and returns it to the pool when
// released. Release is idempotent.
type Guard[C PoolableConnection] struct {
	pool      *Pool[C]
	conn      C
	createdAt time.Time
	released  bool
	mu        sync.Mutex
}

// Conn exposes the held connection.
func (g *Guard[C]) Conn() C { return g.conn }

// Release returns the connection to the pool.
func (g *Guard[C]) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	g.mu.Unlock()
	g.pool.release(g.conn, g.createdAt)
}
