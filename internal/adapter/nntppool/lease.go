package nntppool

import (
	"sync"

	"github.com/johoja12/nzbstream/internal/core/ports"
)

// Lease is exclusive ownership of one connection. The owner must call
// exactly one of Return or Replace; Return requires a successful
// AwaitQuiet beforehand, otherwise Replace is the only legal move.
type Lease struct {
	pool *ConnectionPool
	conn ports.TransportConn
	once sync.Once
}

func newLease(p *ConnectionPool, conn ports.TransportConn) *Lease {
	return &Lease{pool: p, conn: conn}
}

func (l *Lease) Conn() ports.TransportConn {
	return l.conn
}

func (l *Lease) Provider() string {
	return l.pool.provider.Name()
}

// Return hands the connection back for reuse. A second settle call is
// a no-op, so disposal paths may race safely.
func (l *Lease) Return() {
	l.once.Do(func() {
		l.pool.returnLease(l.conn)
	})
}

// Replace retires the connection; the pool dials a replacement on the
// next lease.
func (l *Lease) Replace(reason string) {
	l.once.Do(func() {
		l.pool.replaceLease(l.conn, reason)
	})
}
