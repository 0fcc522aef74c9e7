// Package callsite hands out reduction call-sites to concurrent callers so
// that each caller owns its descriptors for the duration of a call.
package callsite

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-redux/internal/redux"
)

var ErrPoolClosed = errors.New("callsite: pool is closed")

var poolIdle = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "redux_callsite_pool_idle",
	Help: "Number of idle reduction call-sites kept for reuse",
})

// Factory creates a new call-site.
type Factory func() (*redux.Dispatcher, error)

// Pool is a bounded free list of Dispatchers. At most max call-sites are
// checked out at once; idle ones are reused so descriptors are created
// once per call-site rather than once per call. It is thread-safe.
type Pool struct {
	mu      sync.Mutex
	idle    []*redux.Dispatcher
	created int
	closed  bool

	sem     *semaphore.Weighted
	factory Factory
}

// NewPool creates a pool allowing max concurrent call-sites.
func NewPool(max int, factory Factory) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(max)),
		factory: factory,
	}
}

// Acquire blocks until a call-site is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*redux.Dispatcher, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		d := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		poolIdle.Dec()
		return d, nil
	}
	p.mu.Unlock()

	d, err := p.factory()
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return d, nil
}

// Release returns a call-site obtained from Acquire.
func (p *Pool) Release(d *redux.Dispatcher) {
	defer p.sem.Release(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = d.Close()
		return
	}
	p.idle = append(p.idle, d)
	p.mu.Unlock()
	poolIdle.Inc()
}

// Size returns the number of idle call-sites.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Created returns how many call-sites the factory has built.
func (p *Pool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Close tears down idle call-sites; checked-out ones are closed on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	poolIdle.Sub(float64(len(idle)))
	var errs []error
	for _, d := range idle {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}
