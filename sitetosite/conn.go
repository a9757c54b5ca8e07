package sitetosite

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/peers"
	"github.com/zrepl/sitetosite/pool"
	"github.com/zrepl/sitetosite/protocol"
	"github.com/zrepl/sitetosite/transport"
	"github.com/zrepl/sitetosite/transport/tcp"
	tlstransport "github.com/zrepl/sitetosite/transport/tls"
)

const gracefulCloseTimeout = 2 * time.Second

// peerConn is a handshaked connection to one peer, managed by the pool.
type peerConn struct {
	*protocol.Conn
	peer   peers.Peer
	portID string
}

var (
	_ pool.Conn           = (*peerConn)(nil)
	_ pool.GracefulCloser = (*peerConn)(nil)
	_ pool.Idler          = (*peerConn)(nil)
)

func (c *peerConn) PeerAddr() string { return c.peer.Addr() }

func (c *peerConn) CloseGracefully() error {
	return c.Shutdown(gracefulCloseTimeout)
}

func (c *peerConn) begin(direction TransferDirection, id string) (*protocol.TransactionResponse, error) {
	var resp protocol.TransactionResponse
	req := protocol.Begin{Direction: direction.wire(), TransactionID: id}
	if err := c.RoundTrip(protocol.MsgBegin, req, protocol.MsgTransactionResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) connecter(peer peers.Peer) (transport.Connecter, error) {
	if !peer.Secure {
		return tcp.NewTCPConnecter(peer.Addr()), nil
	}
	if c.config.TLSConfig == nil {
		return nil, errors.Errorf("peer %s requires TLS, but no TLS configuration is set", peer)
	}
	return tlstransport.NewTLSConnecter(peer.Addr(), c.config.TLSConfig)
}

func (c *Client) dialPool(ctx context.Context, peer peers.Peer) (pool.Conn, error) {
	pc, err := c.dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// dial opens a connection to peer and performs the handshake for the configured port.
// Port identifiers resolved from the port name are cached per peer.
func (c *Client) dial(ctx context.Context, peer peers.Peer) (*peerConn, error) {
	connecter, err := c.connecter(peer)
	if err != nil {
		return nil, err
	}
	hs := protocol.Handshake{
		CommsID:       c.commsID,
		TimeoutMillis: c.config.Timeout.Milliseconds(),
	}
	cachedID := false
	switch {
	case c.config.PortIdentifier != "":
		hs.PortIdentifier = c.config.PortIdentifier
	default:
		if id, ok := c.portIDs.Get(peer.Addr()); ok {
			hs.PortIdentifier = id
			cachedID = true
		} else {
			hs.PortName = c.config.PortName
		}
	}

	ctx = transport.WithLogger(ctx, c.log.ReplaceField("subsystem", "transport").WithField("peer", peer.Addr()))
	conn, resp, err := protocol.Dial(ctx, connecter, protocol.DialConfig{
		Timeout:     c.config.Timeout,
		IdleTimeout: c.config.Timeout,
		Compression: c.config.UseCompression,
		Handshake:   hs,
	})
	if err != nil {
		var refused *protocol.HandshakeRefusedError
		if cachedID && errors.As(err, &refused) {
			// the port may have been recreated with a new identifier
			c.portIDs.Remove(peer.Addr())
		}
		return nil, err
	}
	if c.config.PortName != "" && resp.PortIdentifier != "" {
		c.portIDs.Add(peer.Addr(), resp.PortIdentifier)
	}
	prom.Handshakes.Inc()
	return &peerConn{Conn: conn, peer: peer, portID: resp.PortIdentifier}, nil
}
