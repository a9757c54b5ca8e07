package tls

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
)

// HandshakeListener accepts TLS connections and completes the TLS handshake
// within handshakeTimeout before returning them from Accept.
type HandshakeListener struct {
	l                net.Listener
	handshakeTimeout time.Duration
}

func NewHandshakeListener(l net.Listener, config *tls.Config, handshakeTimeout time.Duration) *HandshakeListener {
	if config == nil || (len(config.Certificates) == 0 && config.GetCertificate == nil) {
		panic("tls server config must provide a certificate")
	}
	return &HandshakeListener{tls.NewListener(l, config), handshakeTimeout}
}

func (l *HandshakeListener) Accept() (net.Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	tlsConn, ok := c.(*tls.Conn)
	if !ok {
		return c, nil
	}
	if err := tlsConn.SetDeadline(time.Now().Add(l.handshakeTimeout)); err != nil {
		tlsConn.Close()
		return nil, handshakeError{err}
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, handshakeError{err}
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, handshakeError{err}
	}
	return tlsConn, nil
}

func (l *HandshakeListener) Addr() net.Addr { return l.l.Addr() }

func (l *HandshakeListener) Close() error { return l.l.Close() }

// A failed handshake only affects a single connection,
// serve loops must keep accepting.
type handshakeError struct{ err error }

func (e handshakeError) Error() string   { return errors.Wrap(e.err, "tls handshake").Error() }
func (e handshakeError) Unwrap() error   { return e.err }
func (e handshakeError) Temporary() bool { return true }
func (e handshakeError) Timeout() bool {
	ne, ok := e.err.(net.Error)
	return ok && ne.Timeout()
}

var _ net.Error = handshakeError{}
