// Package peers implements the registry of remote site-to-site nodes:
// selection among non-penalized peers, penalization and persistence
// of the known peer set.
package peers

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Peer is one addressable remote node.
// Secure reports whether the node's raw site-to-site port requires TLS.
type Peer struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Peer) String() string {
	if p.Secure {
		return "tls://" + p.Addr()
	}
	return "tcp://" + p.Addr()
}

func (p Peer) Validate() error {
	if p.Host == "" {
		return errors.New("peer host must not be empty")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("peer %s: port %d out of range", p.Host, p.Port)
	}
	return nil
}

// ParseAddr parses host:port into a Peer.
func ParseAddr(addr string, secure bool) (Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, errors.Wrapf(err, "invalid peer address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Peer{}, errors.Wrapf(err, "invalid port in peer address %q", addr)
	}
	p := Peer{Host: host, Port: port, Secure: secure}
	return p, p.Validate()
}

// Status is a snapshot of a peer's selection state.
type Status struct {
	Peer
	PenalizedUntil time.Time
	Penalized      bool
}
