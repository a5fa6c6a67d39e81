package analyzerclient

import (
	"context"

	"github.com/grabowmar/analysis-orchestrator/internal/transport"
)

// pool is a FIFO-acquisition, bounded connection pool. Acquisition blocks
// when max_pool_size concurrent connections are already checked out (the
// semaphore that enforces the spec's backpressure requirement); idle
// connections are reused opportunistically and discarded on protocol
// errors or timeout.
type pool struct {
	dialer transport.Dialer
	sem    chan struct{}
	idle   chan transport.Conn
}

func newPool(dialer transport.Dialer, maxSize int) *pool {
	if maxSize <= 0 {
		maxSize = 1
	}
	p := &pool{
		dialer: dialer,
		sem:    make(chan struct{}, maxSize),
		idle:   make(chan transport.Conn, maxSize),
	}
	for i := 0; i < maxSize; i++ {
		p.sem <- struct{}{}
	}
	return p
}

// acquire blocks until a pool slot is free (or ctx is done), then returns
// either a reused idle connection or a freshly dialed one.
func (p *pool) acquire(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.sem:
	}

	select {
	case c := <-p.idle:
		return c, nil
	default:
	}

	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		p.sem <- struct{}{} // give the token back; nothing was checked out
		return nil, err
	}
	return conn, nil
}

// release returns a slot to the pool. When reuse is true the connection is
// offered back to idle callers; otherwise it is closed (protocol errors
// and timeouts never rejoin the pool, per spec.md §4.3/§5).
func (p *pool) release(c transport.Conn, reuse bool) {
	returned := false
	if reuse {
		select {
		case p.idle <- c:
			returned = true
		default:
		}
	}
	if !returned {
		_ = c.Close()
	}
	select {
	case p.sem <- struct{}{}:
	default:
	}
}
