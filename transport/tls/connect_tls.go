package tls

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/transport"
)

type TLSConnecter struct {
	address   string
	dialer    net.Dialer
	tlsConfig *tls.Config
}

// NewTLSConnecter returns a Connecter that performs the TLS handshake as
// part of Connect.
// If tlsConfig does not specify a ServerName, the host part of address is used.
func NewTLSConnecter(address string, tlsConfig *tls.Config) (*TLSConnecter, error) {
	if tlsConfig == nil {
		return nil, errors.New("tls config must not be nil")
	}
	cfg := tlsConfig.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot derive server name from address %q", address)
		}
		cfg.ServerName = host
	}
	return &TLSConnecter{address: address, tlsConfig: cfg}, nil
}

func (c *TLSConnecter) Address() string { return c.address }

func (c *TLSConnecter) Connect(dialCtx context.Context) (transport.Wire, error) {
	log := transport.GetLogger(dialCtx).WithField("address", c.address)
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.address)
	if err != nil {
		log.WithError(err).Debug("tcp dial failed")
		return nil, err
	}
	tlsConn := tls.Client(conn, c.tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		log.WithError(err).Debug("tls handshake failed")
		conn.Close()
		return nil, errors.Wrap(err, "tls handshake")
	}
	return tlsConn, nil
}
