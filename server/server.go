// Package server implements a site-to-site node: named ports backed by
// in-memory packet queues, served over the raw site-to-site protocol,
// plus the HTTP site descriptor used for discovery.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/protocol"
	tlstransport "github.com/zrepl/sitetosite/transport/tls"
)

type Logger = logger.Logger

type PortConfig struct {
	Name string
	// Generated if empty.
	Identifier string
	// Handshakes for stopped ports are refused with PORT_NOT_RUNNING.
	Stopped bool
	// If > 0, sends completing while the queue holds at least this many
	// packets are answered with FINISHED_DESTINATION_FULL.
	MaxQueued int
}

type Config struct {
	Ports            []PortConfig
	BatchSize        int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	MaxConnections   int64
	Compression      bool
	// Served to REQUEST_PEER_LIST.
	ClusterPeers []protocol.PeerDescription
	// Backoff signaled to senders when a port is full.
	FullBackoff time.Duration
	Logger      Logger
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 64
	}
	if c.FullBackoff <= 0 {
		c.FullBackoff = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewNullLogger()
	}
}

// Stats are cumulative counters since the server was created.
type Stats struct {
	Accepted     uint64
	Handshakes   uint64
	Transactions uint64
	Completed    uint64
	Canceled     uint64
	Failed       uint64
}

type Server struct {
	config Config
	log    Logger
	ports  map[string]*Port // by name
	byID   map[string]*Port
	sem    *semaphore.Weighted

	mtx          sync.Mutex
	clusterPeers []protocol.PeerDescription
	listeners    map[net.Listener]struct{}
	conns        map[net.Conn]struct{}
	closed       bool
	wg           sync.WaitGroup

	stats struct {
		accepted, handshakes, transactions, completed, canceled, failed atomic.Uint64
	}
	tamper atomic.Uint32
}

// ChecksumTamper selects how the server corrupts its checksum at confirmation.
// Used to test integrity handling.
type ChecksumTamper uint32

const (
	TamperOff ChecksumTamper = iota
	// Answer BAD_CHECKSUM.
	TamperReject
	// Answer CONFIRMED, but with the corrupted checksum.
	TamperConfirm
)

func New(config Config) (*Server, error) {
	config.setDefaults()
	s := &Server{
		config:       config,
		log:          config.Logger.ReplaceField("subsystem", "server"),
		ports:        make(map[string]*Port),
		byID:         make(map[string]*Port),
		sem:          semaphore.NewWeighted(config.MaxConnections),
		clusterPeers: config.ClusterPeers,
		listeners:    make(map[net.Listener]struct{}),
		conns:        make(map[net.Conn]struct{}),
	}
	for _, pc := range config.Ports {
		if pc.Name == "" {
			return nil, errors.New("port name must not be empty")
		}
		if _, ok := s.ports[pc.Name]; ok {
			return nil, errors.Errorf("duplicate port name %q", pc.Name)
		}
		id := pc.Identifier
		if id == "" {
			id = uuid.NewString()
		}
		if _, ok := s.byID[id]; ok {
			return nil, errors.Errorf("duplicate port identifier %q", id)
		}
		p := &Port{name: pc.Name, id: id, running: !pc.Stopped, maxQueued: pc.MaxQueued}
		s.ports[pc.Name] = p
		s.byID[id] = p
	}
	return s, nil
}

// Port returns the port with the given name, or nil.
func (s *Server) Port(name string) *Port { return s.ports[name] }

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:     s.stats.accepted.Load(),
		Handshakes:   s.stats.handshakes.Load(),
		Transactions: s.stats.transactions.Load(),
		Completed:    s.stats.completed.Load(),
		Canceled:     s.stats.canceled.Load(),
		Failed:       s.stats.failed.Load(),
	}
}

func (s *Server) SetChecksumTamper(t ChecksumTamper) { s.tamper.Store(uint32(t)) }

func (s *Server) SetClusterPeers(ps []protocol.PeerDescription) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.clusterPeers = append([]protocol.PeerDescription(nil), ps...)
}

func (s *Server) peerList() protocol.PeerList {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return protocol.PeerList{Peers: append([]protocol.PeerDescription(nil), s.clusterPeers...)}
}

// DescriptorHandler serves desc as JSON. Mount it at protocol.DescriptorPath.
func (s *Server) DescriptorHandler(desc protocol.SiteDescriptor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(desc); err != nil {
			s.log.WithError(err).Debug("cannot write site descriptor")
		}
	})
}

// ListenAndServe listens on addr, with TLS if tlsConfig is not nil, and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		return s.Serve(ctx, tlstransport.NewHandshakeListener(l, tlsConfig, s.config.HandshakeTimeout))
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done or the server is closed.
// Both cases return nil.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		l.Close()
		return nil
	}
	s.listeners[l] = struct{}{}
	s.mtx.Unlock()

	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-serveDone:
		}
	}()
	defer func() {
		s.mtx.Lock()
		delete(s.listeners, l)
		s.mtx.Unlock()
		l.Close()
	}()

	s.log.WithField("addr", l.Addr()).Info("serving site-to-site")
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			if te, ok := err.(interface{ Temporary() bool }); ok && te.Temporary() {
				s.log.WithError(err).Warn("accept error")
				continue
			}
			return err
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			nc.Close()
			return nil
		}
		s.stats.accepted.Add(1)
		prom.Connections.Inc()
		if !s.trackConn(nc, true) {
			s.sem.Release(1)
			nc.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.trackConn(nc, false)
			defer nc.Close()
			s.serveConn(nc)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.closed
}

func (s *Server) trackConn(nc net.Conn, add bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[nc] = struct{}{}
	} else {
		delete(s.conns, nc)
	}
	return true
}

// Close stops all listeners, closes all connections and waits for their handlers.
func (s *Server) Close() (err error) {
	s.mtx.Lock()
	s.closed = true
	for l := range s.listeners {
		err = multierr.Append(err, ignoreClosed(l.Close()))
	}
	for nc := range s.conns {
		err = multierr.Append(err, ignoreClosed(nc.Close()))
	}
	s.mtx.Unlock()
	s.wg.Wait()
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
