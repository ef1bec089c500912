package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DialFunc opens a connection to an endpoint. Swappable in tests.
type DialFunc func(ctx context.Context, ep Endpoint) (Conn, error)

// Pool shares connections between hubs that target the same endpoint.
// Serial lines and many TCP gateways only tolerate a single client, so
// every hub on the same bus must go through one Conn. Connections are
// reference counted and closed when the last lease is released.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*poolEntry
	dial  DialFunc
	log   *zap.Logger
}

type poolEntry struct {
	conn Conn
	refs int
}

// NewPool creates a pool using the given dialer. A nil dialer uses Dial
// and a nil logger discards logs.
func NewPool(dial DialFunc, log *zap.Logger) *Pool {
	if dial == nil {
		dial = Dial
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		conns: make(map[string]*poolEntry),
		dial:  dial,
		log:   log,
	}
}

// Acquire returns a lease on the shared connection for the endpoint,
// dialing it on first use.
func (p *Pool) Acquire(ctx context.Context, ep Endpoint) (*Lease, error) {
	key := ep.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.conns[key]
	if !ok {
		conn, err := p.dial(ctx, ep)
		if err != nil {
			return nil, err
		}
		entry = &poolEntry{conn: conn}
		p.conns[key] = entry
		p.log.Info("connection opened", zap.String("endpoint", key))
	}
	entry.refs++

	return &Lease{pool: p, key: key, conn: entry.conn}, nil
}

// Close releases every pooled connection regardless of leases.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.conns {
		if err := entry.conn.Close(); err != nil {
			p.log.Warn("connection close failed", zap.String("endpoint", key), zap.Error(err))
		}
		delete(p.conns, key)
	}
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.conns[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	delete(p.conns, key)
	if err := entry.conn.Close(); err != nil {
		p.log.Warn("connection close failed", zap.String("endpoint", key), zap.Error(err))
	} else {
		p.log.Info("connection closed", zap.String("endpoint", key))
	}
}

// Lease is one holder's handle on a pooled connection.
type Lease struct {
	pool *Pool
	key  string
	conn Conn
	once sync.Once
}

// Conn returns the shared connection behind the lease.
func (l *Lease) Conn() Conn { return l.conn }

// Endpoint returns the pool key of the leased connection.
func (l *Lease) Endpoint() string { return l.key }

// Release gives the connection back. Releasing twice is harmless.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.key)
	})
}
