// Package connection keeps reusable TCP connections to gojostore servers,
// one bounded pool per address.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// PooledConn is a wrapper around net.Conn that includes a reference to the pool
// it belongs to. Close hands the connection back instead of closing it.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool. It doesn't actually close the underlying
// TCP connection. To force-close, use ForceClose().
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying connection and frees its slot, for
// connections left in an unknown state by a failed request.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.discard()
		c.pool = nil
	}
	return c.Conn.Close()
}

// hostPool manages the connections to a single address. slots holds one
// token per connection that may still be opened.
type hostPool struct {
	mu      sync.Mutex
	idle    chan net.Conn
	slots   chan struct{}
	dial    func(ctx context.Context) (net.Conn, error)
	address string
	closed  bool
}

func newHostPool(address string, maxSize int, timeout time.Duration) *hostPool {
	p := &hostPool{
		idle:    make(chan net.Conn, maxSize),
		slots:   make(chan struct{}, maxSize),
		address: address,
	}
	for i := 0; i < maxSize; i++ {
		p.slots <- struct{}{}
	}
	dialer := &net.Dialer{Timeout: timeout}
	p.dial = func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", address)
	}
	return p
}

// ConnectionPoolManager manages one hostPool per remote address.
type ConnectionPoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	maxSize int
	timeout time.Duration
	closed  bool
}

// NewConnectionPoolManager creates a new manager for connection pools.
// maxSize is the maximum number of open connections per address.
// timeout is the connection timeout for creating new connections.
func NewConnectionPoolManager(maxSize int, timeout time.Duration) *ConnectionPoolManager {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &ConnectionPoolManager{
		pools:   make(map[string]*hostPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get returns an idle connection to address, dials a new one while the pool
// is below its size, or waits for one to be returned until ctx is done.
func (m *ConnectionPoolManager) Get(ctx context.Context, address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if !ok {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		// Double-check after acquiring write lock
		pool, ok = m.pools[address]
		if !ok {
			pool = newHostPool(address, m.maxSize, m.timeout)
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get(ctx)
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (p *hostPool) get(ctx context.Context) (net.Conn, error) {
	select {
	case conn, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	default:
	}

	select {
	case conn, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-p.slots:
		conn, err := p.dial(ctx)
		if err != nil {
			p.discard()
			return nil, fmt.Errorf("dial %s: %w", p.address, err)
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return
	}
	// idle has room for every connection the slots allow
	p.idle <- conn
}

// discard gives back the slot of a connection that will not be returned.
func (p *hostPool) discard() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

// Close shuts down every pool and closes their idle connections.
// Connections checked out at the time are closed when they are returned.
func (m *ConnectionPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
	m.closed = true
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.idle)
	for conn := range p.idle {
		conn.Close()
	}
}
