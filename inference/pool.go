package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize       = 4
	DefaultAcquireTimeout = 5 * time.Second
	HealthCheckPeriod     = 60 * time.Second
	maxRecordedErrors     = 10
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// Session is anything a Pool can hold.
type Session interface {
	Destroy()
}

// Factory creates a fresh session for a pool.
type Factory[T Session] func() (T, error)

// Pool hands out a fixed number of sessions, one caller at a time each.
type Pool[T Session] struct {
	name           string
	sessions       chan T
	size           int
	factory        Factory[T]
	acquireTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	done       chan struct{}

	metrics *poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	totalDiscarded  int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolMetrics is a point-in-time snapshot of a pool.
type PoolMetrics struct {
	Name            string
	Size            int
	Available       int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	TotalDiscarded  int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	acquireTimeout time.Duration
	healthPeriod   time.Duration
}

func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.acquireTimeout = d
		}
	}
}

func WithHealthCheckPeriod(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.healthPeriod = d
		}
	}
}

// NewPool creates size sessions up front. If any of them fails the ones
// already created are destroyed.
func NewPool[T Session](name string, size int, factory Factory[T], opts ...PoolOption) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("pool %s: factory is required", name)
	}
	if size <= 0 {
		size = DefaultPoolSize
	}

	o := poolOptions{
		acquireTimeout: DefaultAcquireTimeout,
		healthPeriod:   HealthCheckPeriod,
	}
	for _, opt := range opts {
		opt(&o)
	}

	pool := &Pool[T]{
		name:           name,
		sessions:       make(chan T, size),
		size:           size,
		factory:        factory,
		acquireTimeout: o.acquireTimeout,
		done:           make(chan struct{}),
		metrics:        &poolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize %s session %d: %w", name, i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck(o.healthPeriod)

	return pool, nil
}

func (p *Pool[T]) Name() string { return p.name }

func (p *Pool[T]) Size() int { return p.size }

// Acquire waits for a free session until the acquire timeout elapses or
// ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return zero, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return zero, fmt.Errorf("%s: %w", p.name, ErrAcquireTimeout)
	case <-ctx.Done():
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return zero, ctx.Err()
	}
}

// Release hands a session back to the pool.
func (p *Pool[T]) Release(session T) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.live--
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that misbehaved instead of returning it. The
// health check replaces it later.
func (p *Pool[T]) Discard(session T, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalDiscarded++
	p.metrics.mu.Unlock()

	session.Destroy()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	if cause != nil {
		p.recordError(cause)
	}
}

// Destroy closes the pool and destroys idle sessions. Sessions still in
// use are destroyed when released.
func (p *Pool[T]) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		p.live--
		session.Destroy()
	}
}

func (p *Pool[T]) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates discarded sessions until the pool is back to size.
func (p *Pool[T]) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *Pool[T]) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent session failures, oldest first.
func (p *Pool[T]) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]error, len(p.lastErrors))
	copy(out, p.lastErrors)
	return out
}

func (p *Pool[T]) GetMetrics() PoolMetrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	return PoolMetrics{
		Name:            p.name,
		Size:            p.size,
		Available:       len(p.sessions),
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		TotalDiscarded:  p.metrics.totalDiscarded,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
	}
}
