package sitetosite

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/peers"
	"github.com/zrepl/sitetosite/pool"
	"github.com/zrepl/sitetosite/protocol"
)

type Logger = logger.Logger

const portIdentifierCacheSize = 256

// Client creates transactions against the peers behind its configured URL.
// It is safe for concurrent use.
type Client struct {
	config   Config
	url      *url.URL
	log      Logger
	events   EventReporter
	clock    clock.Clock
	commsID  string
	registry *peers.Registry
	pool     *pool.Pool
	http     *http.Client

	// peer address -> port identifier resolved from PortName
	portIDs *lru.Cache[string, string]

	refresh          singleflight.Group
	refreshMtx       sync.Mutex
	lastRefreshTried time.Time

	closed atomic.Bool
}

// New validates config and returns a Client.
// The peer registry is loaded from config.PeerPersistencePath if that file exists.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.setDefaults()
	u, err := parseURL(config.URL)
	if err != nil {
		return nil, err
	}

	log := config.Logger.ReplaceField("subsystem", "client")
	registry, err := peers.NewRegistry(peers.RegistryConfig{
		Path:   config.PeerPersistencePath,
		Clock:  config.clock,
		Logger: config.Logger.ReplaceField("subsystem", "peers"),
	})
	if err != nil {
		return nil, &ConfigurationError{Field: "PeerPersistencePath", Msg: err.Error()}
	}
	portIDs, err := lru.New[string, string](portIdentifierCacheSize)
	if err != nil {
		panic(err) // only fails for non-positive sizes
	}

	c := &Client{
		config:   config,
		url:      u,
		log:      log,
		events:   config.EventReporter,
		clock:    config.clock,
		commsID:  uuid.NewString(),
		registry: registry,
		portIDs:  portIDs,
	}
	c.pool = pool.New(c.dialPool, pool.Config{
		MaxIdlePerPeer: config.MaxIdlePerPeer,
		MaxIdleAge:     config.IdleExpiration,
		Clock:          config.clock,
		Logger:         config.Logger.ReplaceField("subsystem", "pool"),
	})
	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLSConfig != nil {
		httpTransport.TLSClientConfig = config.TLSConfig.Clone()
	}
	c.http = &http.Client{Timeout: config.Timeout, Transport: httpTransport}
	return c, nil
}

// Config returns a copy of the client's configuration.
func (c *Client) Config() Config {
	cfg := c.config
	if cfg.TLSConfig != nil {
		cfg.TLSConfig = cfg.TLSConfig.Clone()
	}
	return cfg
}

// Peers returns the known peers and their penalization state.
func (c *Client) Peers() []peers.Status {
	return c.registry.Statuses()
}

// Close closes idle connections. Transactions in progress may still be
// finished, after which their connections are closed.
// Subsequent calls to CreateTransaction fail with ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.pool.Close()
}

var errDestinationFull = errors.New("destination full")

// CreateTransaction selects a peer, leases a connection to it and begins a
// transaction in the given direction.
// Peers that answer with backpressure are penalized and the next peer is tried.
// If no peer is available, a *CommunicationError wrapping ErrNoPeerAvailable is returned.
func (c *Client) CreateTransaction(ctx context.Context, direction TransferDirection) (*Transaction, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if !direction.valid() {
		return nil, errors.Errorf("invalid transfer direction %s", direction)
	}
	if err := c.ensurePeers(ctx); err != nil {
		return nil, &CommunicationError{Op: "discover peers", Err: err}
	}

	tried := make(map[string]bool)
	for {
		peer, err := c.registry.Select()
		if err == nil && tried[peer.Addr()] {
			err = errors.New("all peers signaled backpressure")
		}
		if err != nil {
			return nil, &CommunicationError{Op: "select peer", Err: errors.Wrap(ErrNoPeerAvailable, err.Error())}
		}
		tried[peer.Addr()] = true

		tx, err := c.begin(ctx, peer, direction)
		if errors.Is(err, errDestinationFull) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
}

func (c *Client) begin(ctx context.Context, peer peers.Peer, direction TransferDirection) (*Transaction, error) {
	log := c.log.WithField("peer", peer.Addr()).WithField("direction", direction)
	id := uuid.NewString()

	conn, fromIdle, err := c.pool.Lease(ctx, peer)
	if errors.Is(err, pool.ErrPoolClosed) {
		return nil, ErrClientClosed
	}
	if err != nil {
		c.communicationFailure(peer, err)
		return nil, &CommunicationError{Op: "connect", Peer: peer.Addr(), Err: err}
	}
	pc := conn.(*peerConn)
	resp, err := pc.begin(direction, id)
	if err != nil && fromIdle {
		log.WithError(err).Debug("pooled connection is stale, retrying with new connection")
		c.pool.Discard(pc)
		conn, err = c.pool.Dial(ctx, peer)
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, ErrClientClosed
		}
		if err != nil {
			c.communicationFailure(peer, err)
			return nil, &CommunicationError{Op: "connect", Peer: peer.Addr(), Err: err}
		}
		pc = conn.(*peerConn)
		resp, err = pc.begin(direction, id)
	}
	if err != nil {
		c.pool.Discard(pc)
		c.communicationFailure(peer, err)
		return nil, &CommunicationError{Op: "begin transaction", Peer: peer.Addr(), Err: err}
	}

	switch resp.Code {
	case protocol.CodeStarted:
		log.WithField("transaction", id).WithField("pooled", fromIdle).Debug("transaction started")
		return newTransaction(c, pc, peer, direction, id), nil
	case protocol.CodeDestinationFull:
		// the connection is still in a clean state
		c.pool.Release(pc)
		c.penalize(peer, backoffDuration(resp.BackoffMillis, c.config.PenalizationPeriod),
			fmt.Sprintf("peer signaled destination full for port %s", c.portDescription()))
		return nil, errDestinationFull
	default:
		c.pool.Discard(pc)
		err := errors.Errorf("unexpected transaction response code %q", resp.Code)
		c.communicationFailure(peer, err)
		return nil, &CommunicationError{Op: "begin transaction", Peer: peer.Addr(), Err: err}
	}
}

func backoffDuration(millis int64, def time.Duration) time.Duration {
	if millis <= 0 {
		return def
	}
	return time.Duration(millis) * time.Millisecond
}

func (c *Client) portDescription() string {
	if c.config.PortName != "" {
		return c.config.PortName
	}
	return c.config.PortIdentifier
}

func (c *Client) penalize(peer peers.Peer, d time.Duration, reason string) {
	until, err := c.registry.Penalize(peer.Addr(), d)
	if err != nil {
		// peer vanished from the registry through a concurrent refresh
		c.log.WithError(err).WithField("peer", peer.Addr()).Debug("cannot penalize peer")
		return
	}
	c.events.ReportEvent(SeverityWarning,
		fmt.Sprintf("peer %s penalized until %s: %s", peer, until.Format(time.RFC3339), reason))
}

// communicationFailure penalizes peer and closes its idle connections,
// which likely share the failure.
func (c *Client) communicationFailure(peer peers.Peer, cause error) {
	c.log.WithError(cause).WithField("peer", peer.Addr()).Warn("communication failure")
	c.penalize(peer, c.config.PenalizationPeriod, cause.Error())
	if err := c.pool.Evict(peer.Addr()); err != nil {
		c.log.WithError(err).WithField("peer", peer.Addr()).Debug("error evicting idle connections")
	}
}
