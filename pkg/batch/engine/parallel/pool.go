package parallel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tigerroll/ferry/pkg/batch/core/payload"
)

// ConnectionOpener returns the source/target connections of a run.
type ConnectionOpener func(ctx context.Context) (payload.Connections, error)

// ConnectionPool hands out source/target connection pairs to chunk workers. At most size
// pairs are leased at any time; Acquire blocks until one is released.
type ConnectionPool struct {
	slots  chan struct{}
	open   ConnectionOpener
	leased atomic.Int64
}

// NewConnectionPool creates a pool of size pairs opened with open.
func NewConnectionPool(size int, open ConnectionOpener) *ConnectionPool {
	if size < 1 {
		size = 1
	}
	return &ConnectionPool{slots: make(chan struct{}, size), open: open}
}

// Size returns the number of pairs the pool can lease at once.
func (p *ConnectionPool) Size() int {
	return cap(p.slots)
}

// Leased returns the number of pairs currently leased.
func (p *ConnectionPool) Leased() int {
	return int(p.leased.Load())
}

// Lease is one acquired connection pair. Release must be called exactly once.
type Lease struct {
	payload.Connections
	pool     *ConnectionPool
	released atomic.Bool
}

// Release returns the pair to the pool.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.pool.leased.Add(-1)
		<-l.pool.slots
	}
}

// Acquire leases a connection pair, waiting for a free slot or ctx.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	conns, err := p.open(ctx)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("failed to open connection pair: %w", err)
	}
	p.leased.Add(1)
	return &Lease{Connections: conns, pool: p}, nil
}
