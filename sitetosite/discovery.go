package sitetosite

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/peers"
	"github.com/zrepl/sitetosite/protocol"
)

const maxDescriptorSize = 64 * 1024

// RefreshPeers discovers the current peer set and replaces the registry's
// known peers with it. Penalization of peers that remain known is kept.
func (c *Client) RefreshPeers(ctx context.Context) error {
	c.refreshMtx.Lock()
	c.lastRefreshTried = c.clock.Now()
	c.refreshMtx.Unlock()

	discovered, err := c.discover(ctx)
	if err != nil {
		return errors.Wrap(err, "peer discovery")
	}
	changed, err := c.registry.Replace(discovered)
	if err != nil {
		// the in-memory set is updated regardless
		c.log.WithError(err).Error("cannot persist peers")
		c.events.ReportEvent(SeverityWarning, "cannot persist peers: "+err.Error())
	}
	if changed {
		c.log.WithField("count", len(discovered)).Info("discovered peers")
	}
	return nil
}

// ensurePeers refreshes the registry on first use and when the last
// refresh attempt is older than the refresh interval.
// Concurrent callers share a single refresh.
// If discovery fails but peers are known, e.g. from the persisted set,
// those are used.
func (c *Client) ensurePeers(ctx context.Context) error {
	c.refreshMtx.Lock()
	lastTried := c.lastRefreshTried
	c.refreshMtx.Unlock()
	known := len(c.registry.Known()) > 0
	if known && !lastTried.IsZero() && c.clock.Since(lastTried) < c.config.PeerRefreshInterval {
		return nil
	}

	ch := c.refresh.DoChan("refresh", func() (interface{}, error) {
		// shared by all waiters, so it must not end with the first caller's ctx
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.config.Timeout)
		defer cancel()
		return nil, c.RefreshPeers(rctx)
	})
	var err error
	select {
	case res := <-ch:
		err = res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	if known {
		c.log.WithError(err).Warn("peer discovery failed, using last known peers")
		return nil
	}
	return err
}

func (c *Client) discover(ctx context.Context) ([]peers.Peer, error) {
	switch c.url.Scheme {
	case "tcp", "tls":
		p, err := peers.ParseAddr(c.url.Host, c.url.Scheme == "tls")
		if err != nil {
			return nil, err
		}
		return []peers.Peer{p}, nil
	case "http", "https":
		desc, err := c.fetchDescriptor(ctx)
		if err != nil {
			return nil, err
		}
		node := peers.Peer{Host: c.url.Hostname(), Port: desc.RawPort, Secure: desc.Secure}
		if err := node.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid site descriptor")
		}
		if !desc.Cluster {
			return []peers.Peer{node}, nil
		}
		return c.fetchPeerList(ctx, node)
	default:
		panic("unreachable: URL scheme validated in New")
	}
}

func (c *Client) fetchDescriptor(ctx context.Context) (*protocol.SiteDescriptor, error) {
	u := strings.TrimSuffix(c.url.String(), "/") + protocol.DescriptorPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch site descriptor")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch site descriptor: unexpected status %s", resp.Status)
	}
	var desc protocol.SiteDescriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDescriptorSize)).Decode(&desc); err != nil {
		return nil, errors.Wrap(err, "decode site descriptor")
	}
	return &desc, nil
}

// fetchPeerList asks the cluster coordinator for the current cluster members.
func (c *Client) fetchPeerList(ctx context.Context, coordinator peers.Peer) ([]peers.Peer, error) {
	conn, err := c.dial(ctx, coordinator)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to coordinator %s", coordinator)
	}
	var list protocol.PeerList
	err = conn.RoundTrip(protocol.MsgRequestPeerList, nil, protocol.MsgPeerList, &list)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "request peer list")
	}
	if err := conn.CloseGracefully(); err != nil {
		c.log.WithError(err).Debug("error closing coordinator connection")
	}

	ps := make([]peers.Peer, 0, len(list.Peers))
	for _, d := range list.Peers {
		p := peers.Peer{Host: d.Host, Port: d.Port, Secure: d.Secure}
		if err := p.Validate(); err != nil {
			c.log.WithError(err).Warn("ignoring invalid peer in peer list")
			continue
		}
		ps = append(ps, p)
	}
	if len(ps) == 0 {
		return []peers.Peer{coordinator}, nil
	}
	return ps, nil
}
