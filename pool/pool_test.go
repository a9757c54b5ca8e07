package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/peers"
)

type fakeConn struct {
	id       int
	addr     string
	closed   int32
	graceful int32
	idle     bool
}

func (c *fakeConn) PeerAddr() string { return c.addr }

func (c *fakeConn) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func (c *fakeConn) CloseGracefully() error {
	atomic.AddInt32(&c.graceful, 1)
	return c.Close()
}

func (c *fakeConn) SetIdle(idle bool) error {
	c.idle = idle
	return nil
}

func (c *fakeConn) isClosed() bool { return atomic.LoadInt32(&c.closed) > 0 }

type fakeDialer struct {
	mtx   sync.Mutex
	dials int
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, peer peers.Peer) (Conn, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.dials++
	c := &fakeConn{id: d.dials, addr: peer.Addr()}
	d.conns = append(d.conns, c)
	return c, nil
}

var (
	peerA = peers.Peer{Host: "a", Port: 1}
	peerB = peers.Peer{Host: "b", Port: 1}
)

func newTestPool(t *testing.T, maxIdle int, clk clock.Clock) (*Pool, *fakeDialer) {
	d := &fakeDialer{}
	p := New(d.Dial, Config{
		MaxIdlePerPeer: maxIdle,
		MaxIdleAge:     30 * time.Second,
		Clock:          clk,
		Logger:         logger.NewTestLogger(t),
	})
	return p, d
}

func TestPool_ReleaseThenLeaseReuses(t *testing.T) {
	p, d := newTestPool(t, 2, clock.NewMock())
	ctx := context.Background()

	c, fromIdle, err := p.Lease(ctx, peerA)
	require.NoError(t, err)
	assert.False(t, fromIdle)
	p.Release(c)
	assert.Equal(t, 1, p.IdleCount(peerA.Addr()))
	assert.True(t, c.(*fakeConn).idle)

	c2, fromIdle, err := p.Lease(ctx, peerA)
	require.NoError(t, err)
	assert.True(t, fromIdle)
	assert.Same(t, c, c2)
	assert.False(t, c2.(*fakeConn).idle)
	assert.Equal(t, 1, d.dials)
	assert.Equal(t, 0, p.IdleCount(peerA.Addr()))

	// idle connections are per peer
	c3, fromIdle, err := p.Lease(ctx, peerB)
	require.NoError(t, err)
	assert.False(t, fromIdle)
	assert.NotSame(t, c, c3)
}

func TestPool_LIFO(t *testing.T) {
	p, _ := newTestPool(t, 2, clock.NewMock())
	ctx := context.Background()
	c1, _, _ := p.Lease(ctx, peerA)
	c2, _, _ := p.Lease(ctx, peerA)
	p.Release(c1)
	p.Release(c2)
	c, _, err := p.Lease(ctx, peerA)
	require.NoError(t, err)
	assert.Same(t, c2, c)
}

func TestPool_ReleaseOverflowCloses(t *testing.T) {
	p, _ := newTestPool(t, 1, clock.NewMock())
	ctx := context.Background()
	c1, _, _ := p.Lease(ctx, peerA)
	c2, _, _ := p.Lease(ctx, peerA)
	p.Release(c1)
	p.Release(c2)
	assert.Equal(t, 1, p.IdleCount(peerA.Addr()))
	assert.False(t, c1.(*fakeConn).isClosed())
	assert.True(t, c2.(*fakeConn).isClosed())
	assert.Equal(t, int32(1), c2.(*fakeConn).graceful)
}

func TestPool_DiscardNeverPools(t *testing.T) {
	p, _ := newTestPool(t, 2, clock.NewMock())
	c, _, err := p.Lease(context.Background(), peerA)
	require.NoError(t, err)
	p.Discard(c)
	assert.True(t, c.(*fakeConn).isClosed())
	assert.Equal(t, int32(0), c.(*fakeConn).graceful)
	assert.Equal(t, 0, p.IdleCount(peerA.Addr()))

	assert.Panics(t, func() { p.Release(c) })
}

func TestPool_MaxIdleAge(t *testing.T) {
	clk := clock.NewMock()
	p, d := newTestPool(t, 2, clk)
	ctx := context.Background()
	c, _, _ := p.Lease(ctx, peerA)
	p.Release(c)

	clk.Add(30 * time.Second)
	c2, fromIdle, err := p.Lease(ctx, peerA)
	require.NoError(t, err)
	assert.False(t, fromIdle)
	assert.NotSame(t, c, c2)
	assert.True(t, c.(*fakeConn).isClosed())
	assert.Equal(t, 2, d.dials)
}

func TestPool_DialError(t *testing.T) {
	p, d := newTestPool(t, 2, clock.NewMock())
	d.err = errors.New("connection refused")
	_, _, err := p.Lease(context.Background(), peerA)
	assert.EqualError(t, err, "connection refused")
}

func TestPool_Evict(t *testing.T) {
	p, _ := newTestPool(t, 4, clock.NewMock())
	ctx := context.Background()
	a1, _, _ := p.Lease(ctx, peerA)
	a2, _, _ := p.Lease(ctx, peerA)
	b1, _, _ := p.Lease(ctx, peerB)
	p.Release(a1)
	p.Release(a2)
	p.Release(b1)

	require.NoError(t, p.Evict(peerA.Addr()))
	assert.Equal(t, 0, p.IdleCount(peerA.Addr()))
	assert.Equal(t, 1, p.IdleCount(peerB.Addr()))
	assert.True(t, a1.(*fakeConn).isClosed())
	assert.True(t, a2.(*fakeConn).isClosed())
	assert.False(t, b1.(*fakeConn).isClosed())
}

func TestPool_Close(t *testing.T) {
	p, _ := newTestPool(t, 4, clock.NewMock())
	ctx := context.Background()
	idle, _, _ := p.Lease(ctx, peerA)
	leased, _, _ := p.Lease(ctx, peerA)
	p.Release(idle)

	require.NoError(t, p.Close())
	assert.True(t, idle.(*fakeConn).isClosed())
	assert.False(t, leased.(*fakeConn).isClosed())

	p.Release(leased)
	assert.True(t, leased.(*fakeConn).isClosed())

	_, _, err := p.Lease(ctx, peerA)
	assert.Equal(t, ErrPoolClosed, err)
}

func TestPool_ConcurrentLeaseRelease(t *testing.T) {
	p, d := newTestPool(t, 8, clock.NewMock())
	ctx := context.Background()

	var inUse sync.Map
	var eg errgroup.Group
	for i := 0; i < 10; i++ {
		i := i
		eg.Go(func() error {
			for j := 0; j < 100; j++ {
				c, _, err := p.Lease(ctx, peerA)
				if err != nil {
					return err
				}
				if _, loaded := inUse.LoadOrStore(c, i); loaded {
					return fmt.Errorf("connection %d leased twice", c.(*fakeConn).id)
				}
				inUse.Delete(c)
				if j%10 == 0 {
					p.Discard(c)
				} else {
					p.Release(c)
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.LessOrEqual(t, p.IdleCount(peerA.Addr()), 8)
	t.Logf("dials: %d", d.dials)
}
