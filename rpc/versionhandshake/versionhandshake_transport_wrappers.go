package versionhandshake

import (
	"context"
	"net"
	"time"

	"github.com/zrepl/sitetosite/transport"
)

// Conn is a Wire on which the banner exchange has completed.
type Conn struct {
	net.Conn
	extensions []string
}

// Extensions returns the protocol extensions both sides agreed on.
func (c *Conn) Extensions() []string { return c.extensions }

func (c *Conn) HasExtension(ext string) bool {
	for _, e := range c.extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// CloseWrite forwards to the wrapped Wire if it supports half-close.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Server performs the server side of the banner exchange on an accepted connection.
func Server(conn net.Conn, timeout time.Duration, extensions []string) (*Conn, error) {
	agreed, err := DoHandshakeCurrentVersion(conn, time.Now().Add(timeout), extensions)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, extensions: agreed}, nil
}

type HandshakeConnecter struct {
	connecter  transport.Connecter
	timeout    time.Duration
	extensions []string
}

func (c HandshakeConnecter) Address() string { return c.connecter.Address() }

// Connect returns a *Conn on success.
func (c HandshakeConnecter) Connect(ctx context.Context) (transport.Wire, error) {
	conn, err := c.connecter.Connect(ctx)
	if err != nil {
		return nil, err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(c.timeout)
	}
	agreed, hsErr := DoHandshakeCurrentVersion(conn, dl, c.extensions)
	if hsErr != nil {
		conn.Close()
		return nil, hsErr
	}
	return &Conn{Conn: conn, extensions: agreed}, nil
}

func Connecter(connecter transport.Connecter, timeout time.Duration, extensions []string) HandshakeConnecter {
	return HandshakeConnecter{
		connecter:  connecter,
		timeout:    timeout,
		extensions: extensions,
	}
}
