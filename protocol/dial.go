package protocol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/rpc/versionhandshake"
	"github.com/zrepl/sitetosite/transport"
)

type DialConfig struct {
	// Bounds the whole connection establishment if ctx has no earlier deadline.
	Timeout time.Duration
	// Idle timeout of every read and write once connected,
	// including the site-to-site handshake.
	IdleTimeout time.Duration
	Compression bool
	Handshake   Handshake
}

// A HandshakeRefusedError is returned by Dial if the remote side
// rejected the port requested in the handshake.
type HandshakeRefusedError struct {
	Code    ResponseCode
	Message string
}

func (e *HandshakeRefusedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("handshake refused: %s", e.Code)
	}
	return fmt.Sprintf("handshake refused: %s: %s", e.Code, e.Message)
}

func Extensions(compression bool) []string {
	if compression {
		return []string{ExtensionCompressionZstd}
	}
	return nil
}

// Dial connects using connecter, exchanges banners and performs the
// site-to-site handshake for the port named in cfg.Handshake.
func Dial(ctx context.Context, connecter transport.Connecter, cfg DialConfig) (*Conn, *HandshakeResponse, error) {
	log := transport.GetLogger(ctx).WithField("address", connecter.Address())
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	hc := versionhandshake.Connecter(connecter, cfg.Timeout, Extensions(cfg.Compression))
	wire, err := hc.Connect(ctx)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "connect to %s", connecter.Address())
	}
	c := NewConn(wire.(*versionhandshake.Conn), cfg.IdleTimeout)

	var resp HandshakeResponse
	if err := c.RoundTrip(MsgHandshake, cfg.Handshake, MsgHandshakeResponse, &resp); err != nil {
		c.Close()
		return nil, nil, errors.Wrap(err, "site-to-site handshake")
	}
	if resp.Code != CodePropertiesOK {
		c.Close()
		return nil, &resp, &HandshakeRefusedError{Code: resp.Code, Message: resp.Message}
	}
	log.WithField("port", resp.PortIdentifier).WithField("compression", c.Compressed()).
		Debug("site-to-site connection established")
	return c, &resp, nil
}

// Accept performs the server side of the banner exchange on nc.
// The caller continues with reading the HANDSHAKE message.
func Accept(nc net.Conn, handshakeTimeout, idleTimeout time.Duration, compression bool) (*Conn, error) {
	hc, err := versionhandshake.Server(nc, handshakeTimeout, Extensions(compression))
	if err != nil {
		return nil, err
	}
	return NewConn(hc, idleTimeout), nil
}
