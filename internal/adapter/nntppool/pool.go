package nntppool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/johoja12/nzbstream/internal/core/constants"
	"github.com/johoja12/nzbstream/internal/core/domain"
	"github.com/johoja12/nzbstream/internal/core/ports"
)

// ConnectionPool owns every connection to one provider. Capacity is
// enforced with slot tokens: a token is consumed when
// a connection is created and returned when it closes, so
// idle + leased never exceeds MaxConnections. Each lease additionally
// holds one permit from the provider's budget (the shared pooled budget
// for Pooled providers, a private one otherwise).
type ConnectionPool struct {
	provider *domain.Provider
	dialer   ports.TransportDialer
	budget   *SharedBudget
	logger   *slog.Logger

	mu     sync.Mutex
	idle   []*pooledConn // LIFO: most recently used on top
	leased int
	closed bool

	slots chan struct{}

	// idleNotify wakes lease waiters when a connection is parked back
	// on the idle stack (slot tokens alone cannot signal that).
	idleNotify chan struct{}

	reaperStop chan struct{}
	reaperOnce sync.Once
}

type pooledConn struct {
	conn     ports.TransportConn
	lastUsed time.Time
}

func NewConnectionPool(p *domain.Provider, dialer ports.TransportDialer, budget *SharedBudget, logger *slog.Logger) *ConnectionPool {
	cp := &ConnectionPool{
		provider:   p,
		dialer:     dialer,
		budget:     budget,
		logger:     logger.With("provider", p.Name()),
		slots:      make(chan struct{}, p.MaxConnections),
		idleNotify: make(chan struct{}, p.MaxConnections),
		reaperStop: make(chan struct{}),
	}
	for i := 0; i < p.MaxConnections; i++ {
		cp.slots <- struct{}{}
	}
	go cp.reaperLoop()
	return cp
}

func (p *ConnectionPool) Provider() *domain.Provider {
	return p.provider
}

// Lease blocks on the provider budget, then on per-pool capacity, and
// hands out an idle connection or dials a fresh one. The dial runs on
// its own 60 s budget independent of the caller's operation deadline;
// if the caller gives up mid-dial the connection is parked idle for the
// next lease instead of wasted.
func (p *ConnectionPool) Lease(ctx context.Context, acquireTimeout time.Duration) (*Lease, error) {
	if acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}

	if err := p.budget.Acquire(ctx); err != nil {
		return nil, err
	}

	lease, err := p.acquireConn(ctx)
	if err != nil {
		p.budget.Release()
		return nil, err
	}
	return lease, nil
}

func (p *ConnectionPool) acquireConn(ctx context.Context) (*Lease, error) {
	for {
		// Prefer the most recently used idle connection.
		if conn := p.popIdle(); conn != nil {
			if conn.State() != domain.ConnIdle {
				p.closeConn(conn)
				continue
			}
			p.mu.Lock()
			p.leased++
			p.mu.Unlock()
			return newLease(p, conn), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.idleNotify:
			// A connection came back; loop around and grab it.
			continue
		case <-p.slots:
			conn, err := p.dialSlot(ctx)
			if err != nil {
				return nil, err
			}
			if conn == nil {
				// Caller gave up; the dial keeps going in the
				// background and parks the connection when done.
				return nil, ctx.Err()
			}
			p.mu.Lock()
			p.leased++
			p.mu.Unlock()
			return newLease(p, conn), nil
		}
	}
}

// dialSlot owns one slot token and converts it into a live connection.
// On failure the token is returned. A nil,nil return means the caller's
// context expired while the background dial continues.
func (p *ConnectionPool) dialSlot(ctx context.Context) (ports.TransportConn, error) {
	type dialResult struct {
		conn ports.TransportConn
		err  error
	}
	resCh := make(chan dialResult, 1)

	// The connect budget is deliberately decoupled from the operation
	// deadline: a short dynamic timeout must not strangle TLS+auth.
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ConnectTimeout)

	go func() {
		defer cancel()
		conn, err := p.dialer(dialCtx, p.provider)
		resCh <- dialResult{conn, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			p.slots <- struct{}{}
			return nil, res.err
		}
		return res.conn, nil
	case <-ctx.Done():
		go func() {
			res := <-resCh
			if res.err != nil {
				p.slots <- struct{}{}
				return
			}
			p.parkIdle(res.conn)
		}()
		return nil, nil
	}
}

func (p *ConnectionPool) popIdle() ports.TransportConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil
	}
	top := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return top.conn
}

func (p *ConnectionPool) parkIdle(conn ports.TransportConn) {
	p.mu.Lock()
	if p.closed || conn.State() != domain.ConnIdle {
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}
	p.idle = append(p.idle, &pooledConn{conn: conn, lastUsed: time.Now()})
	p.mu.Unlock()

	select {
	case p.idleNotify <- struct{}{}:
	default:
	}
}

// closeConn retires a connection and returns its slot token.
func (p *ConnectionPool) closeConn(conn ports.TransportConn) {
	_ = conn.Close()
	p.slots <- struct{}{}
}

// returnLease is called by Lease.Return after a successful quiet wait.
func (p *ConnectionPool) returnLease(conn ports.TransportConn) {
	p.mu.Lock()
	p.leased--
	p.mu.Unlock()
	p.parkIdle(conn)
	p.budget.Release()
}

// replaceLease retires the leased connection; the freed slot lets the
// next lease dial a replacement.
func (p *ConnectionPool) replaceLease(conn ports.TransportConn, reason string) {
	conn.MarkDirty(reason)
	p.mu.Lock()
	p.leased--
	p.mu.Unlock()
	p.closeConn(conn)
	p.budget.Release()
}

func (p *ConnectionPool) reaperLoop() {
	ticker := time.NewTicker(constants.IdleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *ConnectionPool) reapIdle() {
	cutoff := time.Now().Add(-constants.IdleConnectionTimeout)

	p.mu.Lock()
	var expired []*pooledConn
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if pc.lastUsed.Before(cutoff) {
			expired = append(expired, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, pc := range expired {
		p.closeConn(pc.conn)
	}
	if len(expired) > 0 {
		p.logger.Debug("reaped idle connections", "count", len(expired))
	}
}

// Counters for the dispatcher's ordering policies and the status
// surface.

func (p *ConnectionPool) IdleConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *ConnectionPool) ActiveLeases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leased
}

func (p *ConnectionPool) LiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.leased
}

func (p *ConnectionPool) MaxConnections() int {
	return p.provider.MaxConnections
}

// HasAvailability reports whether a lease could start without waiting
// on pool capacity.
func (p *ConnectionPool) HasAvailability() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) > 0 || len(p.idle)+p.leased < p.provider.MaxConnections
}

// AvailabilityRatio is free capacity over maximum, used by the balanced
// provider order to spread look-ahead load.
func (p *ConnectionPool) AvailabilityRatio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.provider.MaxConnections - p.leased
	if free < 0 {
		free = 0
	}
	return float64(free) / float64(p.provider.MaxConnections)
}

func (p *ConnectionPool) Budget() *SharedBudget {
	return p.budget
}

// Dispose closes every idle connection and stops the reaper. Leased
// connections are closed as they come back.
func (p *ConnectionPool) Dispose() {
	p.reaperOnce.Do(func() { close(p.reaperStop) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		p.closeConn(pc.conn)
	}
}
