// Package pool caches idle site-to-site connections per peer.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/peers"
)

// Conn is a connection managed by the pool.
type Conn interface {
	// The address of the peer the connection belongs to, as in peers.Peer.Addr.
	PeerAddr() string
	// Close tears down the connection immediately.
	Close() error
}

// Connections implementing GracefulCloser are shut down with it
// when the pool closes them while they are clean, i.e. idle or released.
type GracefulCloser interface {
	CloseGracefully() error
}

// Connections implementing Idler are notified when they enter and leave the idle queue.
type Idler interface {
	SetIdle(idle bool) error
}

type Dialer func(ctx context.Context, peer peers.Peer) (Conn, error)

type Config struct {
	// Maximum number of idle connections kept per peer.
	MaxIdlePerPeer int
	// Idle connections older than this are closed instead of leased.
	MaxIdleAge time.Duration
	Clock      clock.Clock
	Logger     logger.Logger
}

var ErrPoolClosed = errors.New("connection pool closed")

type idleConn struct {
	conn  Conn
	since time.Time
}

// Pool is safe for concurrent use.
type Pool struct {
	dial   Dialer
	config Config

	mtx    sync.Mutex
	idle   map[string][]idleConn // per peer address, most recently released last
	leased map[Conn]struct{}
	closed bool
}

func New(dial Dialer, config Config) *Pool {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = logger.NewNullLogger()
	}
	return &Pool{
		dial:   dial,
		config: config,
		idle:   make(map[string][]idleConn),
		leased: make(map[Conn]struct{}),
	}
}

// Lease returns the most recently released idle connection to peer that is
// younger than MaxIdleAge, or dials a new one.
// fromIdle reports which of the two happened.
func (p *Pool) Lease(ctx context.Context, peer peers.Peer) (c Conn, fromIdle bool, err error) {
	addr := peer.Addr()
	var expired []Conn

	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return nil, false, ErrPoolClosed
	}
	now := p.config.Clock.Now()
	q := p.idle[addr]
	for len(q) > 0 {
		ic := q[len(q)-1]
		q = q[:len(q)-1]
		if p.config.MaxIdleAge > 0 && now.Sub(ic.since) >= p.config.MaxIdleAge {
			expired = append(expired, ic.conn)
			continue
		}
		c = ic.conn
		break
	}
	p.setIdleLocked(addr, q)
	if c != nil {
		p.leased[c] = struct{}{}
	}
	p.mtx.Unlock()

	p.closeAll(expired, "expired")

	if c != nil {
		if idler, ok := c.(Idler); ok {
			if err := idler.SetIdle(false); err != nil {
				p.Discard(c)
				return p.leaseDialed(ctx, peer)
			}
		}
		prom.Leases.WithLabelValues("idle").Inc()
		return c, true, nil
	}
	return p.leaseDialed(ctx, peer)
}

func (p *Pool) leaseDialed(ctx context.Context, peer peers.Peer) (Conn, bool, error) {
	c, err := p.Dial(ctx, peer)
	return c, false, err
}

// Dial always opens a new connection to peer and marks it leased.
func (p *Pool) Dial(ctx context.Context, peer peers.Peer) (Conn, error) {
	c, err := p.dial(ctx, peer)
	if err != nil {
		prom.DialErrors.Inc()
		return nil, err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		c.Close()
		return nil, ErrPoolClosed
	}
	p.leased[c] = struct{}{}
	prom.Leases.WithLabelValues("dialed").Inc()
	return c, nil
}

func (p *Pool) setIdleLocked(addr string, q []idleConn) {
	if len(q) == 0 {
		delete(p.idle, addr)
		return
	}
	p.idle[addr] = q
}

func (p *Pool) takeLeasedLocked(c Conn) {
	if _, ok := p.leased[c]; !ok {
		panic("pool: connection returned that is not leased from this pool")
	}
	delete(p.leased, c)
}

// Release returns a leased connection whose last transaction completed cleanly.
// If the peer's idle queue is full, or the pool is closed, the connection is closed.
func (p *Pool) Release(c Conn) {
	p.mtx.Lock()
	p.takeLeasedLocked(c)
	addr := c.PeerAddr()
	q := p.idle[addr]
	if p.closed || len(q) >= p.config.MaxIdlePerPeer {
		p.mtx.Unlock()
		p.closeAll([]Conn{c}, "overflow")
		return
	}
	if idler, ok := c.(Idler); ok {
		if err := idler.SetIdle(true); err != nil {
			p.mtx.Unlock()
			prom.Discards.Inc()
			c.Close()
			return
		}
	}
	p.idle[addr] = append(q, idleConn{conn: c, since: p.config.Clock.Now()})
	p.mtx.Unlock()
}

// Discard closes a leased connection without returning it to the pool.
func (p *Pool) Discard(c Conn) {
	p.mtx.Lock()
	p.takeLeasedLocked(c)
	p.mtx.Unlock()
	prom.Discards.Inc()
	if err := c.Close(); err != nil {
		p.config.Logger.WithError(err).WithField("peer", c.PeerAddr()).Debug("error closing discarded connection")
	}
}

func (p *Pool) IdleCount(addr string) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.idle[addr])
}

// Evict closes all idle connections to the peer at addr.
func (p *Pool) Evict(addr string) error {
	p.mtx.Lock()
	q := p.idle[addr]
	delete(p.idle, addr)
	p.mtx.Unlock()
	conns := make([]Conn, len(q))
	for i := range q {
		conns[i] = q[i].conn
	}
	return p.closeAll(conns, "evicted")
}

// Close closes all idle connections. Connections leased at the time of
// the call are closed when they are released.
func (p *Pool) Close() error {
	p.mtx.Lock()
	p.closed = true
	var conns []Conn
	for _, q := range p.idle {
		for _, ic := range q {
			conns = append(conns, ic.conn)
		}
	}
	p.idle = make(map[string][]idleConn)
	p.mtx.Unlock()
	return p.closeAll(conns, "closed")
}

func (p *Pool) closeAll(conns []Conn, reason string) (err error) {
	for _, c := range conns {
		prom.Closes.WithLabelValues(reason).Inc()
		var cerr error
		if gc, ok := c.(GracefulCloser); ok {
			cerr = gc.CloseGracefully()
		} else {
			cerr = c.Close()
		}
		if cerr != nil {
			p.config.Logger.WithError(cerr).WithField("peer", c.PeerAddr()).WithField("reason", reason).
				Debug("error closing pooled connection")
		}
		err = multierr.Append(err, cerr)
	}
	return err
}
