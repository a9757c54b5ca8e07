// Package timeoutconn wraps a net.Conn to provide idle timeouts
// based on Set{Read,Write}Deadline.
package timeoutconn

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Conn renews its read (write) deadline before each Read (Write) call.
// A Read or Write that makes progress before the deadline expires is
// continued, so only a peer that stays silent for idleTimeout causes
// a timeout error.
type Conn struct {
	net.Conn
	renewDeadlinesDisabled int32
	idleTimeout            time.Duration
}

func Wrap(conn net.Conn, idleTimeout time.Duration) *Conn {
	return &Conn{Conn: conn, idleTimeout: idleTimeout}
}

// DisableTimeouts disables the idle timeout behavior provided by this package.
// Existing deadlines are cleared iff the call is the first call to this method.
func (c *Conn) DisableTimeouts() error {
	if atomic.CompareAndSwapInt32(&c.renewDeadlinesDisabled, 0, 1) {
		return c.SetDeadline(time.Time{})
	}
	return nil
}

// EnableTimeouts reverts DisableTimeouts.
func (c *Conn) EnableTimeouts() {
	atomic.StoreInt32(&c.renewDeadlinesDisabled, 0)
}

func (c *Conn) IdleTimeout() time.Duration { return c.idleTimeout }

func (c *Conn) renewReadDeadline() error {
	if atomic.LoadInt32(&c.renewDeadlinesDisabled) != 0 || c.idleTimeout <= 0 {
		return nil
	}
	return c.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

func (c *Conn) RenewWriteDeadline() error {
	if atomic.LoadInt32(&c.renewDeadlinesDisabled) != 0 || c.idleTimeout <= 0 {
		return nil
	}
	return c.SetWriteDeadline(time.Now().Add(c.idleTimeout))
}

func (c *Conn) Read(p []byte) (n int, err error) {
restart:
	if err := c.renewReadDeadline(); err != nil {
		return n, err
	}
	var nCurRead int
	nCurRead, err = c.Conn.Read(p[n:])
	n += nCurRead
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() && nCurRead > 0 && n < len(p) {
		err = nil
		goto restart
	}
	return n, err
}

func (c *Conn) Write(p []byte) (n int, err error) {
restart:
	if err := c.RenewWriteDeadline(); err != nil {
		return n, err
	}
	var nCurWrite int
	nCurWrite, err = c.Conn.Write(p[n:])
	n += nCurWrite
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() && nCurWrite > 0 {
		err = nil
		goto restart
	}
	return n, err
}

var ErrCloseWriteNotSupported = errors.New("wire does not support CloseWrite")

// CloseWrite shuts down the write direction of the wrapped connection,
// if it supports half-close (*net.TCPConn, *tls.Conn, *net.UnixConn).
func (c *Conn) CloseWrite() error {
	cw, ok := c.Conn.(interface{ CloseWrite() error })
	if !ok {
		return ErrCloseWriteNotSupported
	}
	return cw.CloseWrite()
}
