package tcp

import (
	"context"
	"net"

	"github.com/zrepl/sitetosite/transport"
)

type TCPConnecter struct {
	address string
	dialer  net.Dialer
}

func NewTCPConnecter(address string) *TCPConnecter {
	return &TCPConnecter{address: address}
}

func (c *TCPConnecter) Address() string { return c.address }

func (c *TCPConnecter) Connect(dialCtx context.Context) (transport.Wire, error) {
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.address)
	if err != nil {
		transport.GetLogger(dialCtx).WithError(err).WithField("address", c.address).Debug("tcp dial failed")
		return nil, err
	}
	return conn, nil
}
