package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/logger"
)

var (
	ErrNoPeers         = errors.New("no peers known")
	ErrAllPenalized    = errors.New("all peers are penalized")
	errUnknownPeerAddr = errors.New("unknown peer")
)

type Logger = logger.Logger

type RegistryConfig struct {
	// If not empty, the known peer set is loaded from and saved to this file.
	Path   string
	Clock  clock.Clock
	Logger Logger
}

type entry struct {
	peer           Peer
	penalizedUntil time.Time
}

// Registry tracks the known peers of one client.
// It is safe for concurrent use.
type Registry struct {
	mtx         sync.Mutex
	clock       clock.Clock
	path        string
	log         Logger
	entries     []*entry // sorted by address
	next        uint64
	lastRefresh time.Time
}

// NewRegistry returns a registry, loading the peer set persisted at cfg.Path if that file exists.
// Penalizations that were still active when the file was saved are restored.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{
		clock: cfg.Clock,
		path:  cfg.Path,
		log:   cfg.Logger,
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.log == nil {
		r.log = logger.NewNullLogger()
	}
	if r.path == "" {
		return r, nil
	}
	persisted, err := load(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "load peers from %q", r.path)
	}
	if persisted == nil {
		return r, nil
	}
	for _, pp := range persisted.Peers {
		if err := pp.Peer.Validate(); err != nil {
			r.log.WithError(err).Warn("ignoring invalid persisted peer")
			continue
		}
		r.entries = append(r.entries, &entry{peer: pp.Peer, penalizedUntil: pp.PenalizedUntil})
	}
	r.sortLocked()
	r.log.WithField("count", len(r.entries)).WithField("path", r.path).Debug("loaded persisted peers")
	return r, nil
}

func (r *Registry) sortLocked() {
	sort.Slice(r.entries, func(i, j int) bool {
		return r.entries[i].peer.Addr() < r.entries[j].peer.Addr()
	})
}

func (r *Registry) findLocked(addr string) *entry {
	for _, e := range r.entries {
		if e.peer.Addr() == addr {
			return e
		}
	}
	return nil
}

// Replace sets the known peers to ps, as reported by discovery.
// Penalization of peers that remain in the set is preserved.
// If the set changed, it is saved before Replace returns.
func (r *Registry) Replace(ps []Peer) (changed bool, err error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.lastRefresh = r.clock.Now()

	newEntries := make([]*entry, 0, len(ps))
	seen := make(map[string]bool, len(ps))
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return false, err
		}
		if seen[p.Addr()] {
			continue
		}
		seen[p.Addr()] = true
		e := &entry{peer: p}
		if old := r.findLocked(p.Addr()); old != nil {
			e.penalizedUntil = old.penalizedUntil
			changed = changed || old.peer != p
		} else {
			changed = true
		}
		newEntries = append(newEntries, e)
	}
	changed = changed || len(newEntries) != len(r.entries)
	r.entries = newEntries
	r.sortLocked()

	if !changed {
		return false, nil
	}
	prom.KnownPeers.Set(float64(len(r.entries)))
	r.log.WithField("peers", r.knownLocked()).Info("peer set changed")
	return true, r.saveLocked()
}

// Add adds peers that are not yet known and saves the set if it changed.
func (r *Registry) Add(ps ...Peer) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	added := false
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
		if r.findLocked(p.Addr()) != nil {
			continue
		}
		r.entries = append(r.entries, &entry{peer: p})
		added = true
	}
	if !added {
		return nil
	}
	r.sortLocked()
	prom.KnownPeers.Set(float64(len(r.entries)))
	return r.saveLocked()
}

// Select returns the next non-penalized peer in round-robin order.
// It never blocks: if all peers are penalized, ErrAllPenalized is returned.
func (r *Registry) Select() (Peer, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if len(r.entries) == 0 {
		return Peer{}, ErrNoPeers
	}
	now := r.clock.Now()
	for i := 0; i < len(r.entries); i++ {
		e := r.entries[(r.next+uint64(i))%uint64(len(r.entries))]
		if now.Before(e.penalizedUntil) {
			continue
		}
		r.next = (r.next + uint64(i) + 1) % uint64(len(r.entries))
		return e.peer, nil
	}
	return Peer{}, ErrAllPenalized
}

// Penalize excludes the peer at addr from selection for d.
// An existing longer penalization is not shortened.
func (r *Registry) Penalize(addr string, d time.Duration) (until time.Time, err error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findLocked(addr)
	if e == nil {
		return time.Time{}, errors.Wrap(errUnknownPeerAddr, addr)
	}
	until = r.clock.Now().Add(d)
	if until.After(e.penalizedUntil) {
		e.penalizedUntil = until
	}
	prom.Penalizations.Inc()
	r.log.WithField("peer", addr).WithField("until", e.penalizedUntil).Debug("peer penalized")
	return e.penalizedUntil, nil
}

func (r *Registry) IsPenalized(addr string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findLocked(addr)
	return e != nil && r.clock.Now().Before(e.penalizedUntil)
}

func (r *Registry) Known() []Peer {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.knownLocked()
}

func (r *Registry) knownLocked() []Peer {
	ps := make([]Peer, len(r.entries))
	for i, e := range r.entries {
		ps[i] = e.peer
	}
	return ps
}

func (r *Registry) Statuses() []Status {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	now := r.clock.Now()
	st := make([]Status, len(r.entries))
	for i, e := range r.entries {
		st[i] = Status{
			Peer:           e.peer,
			PenalizedUntil: e.penalizedUntil,
			Penalized:      now.Before(e.penalizedUntil),
		}
	}
	return st
}

// LastRefresh returns the time of the last call to Replace,
// or the zero time if the set was never refreshed by discovery.
func (r *Registry) LastRefresh() time.Time {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.lastRefresh
}

// Save writes the current peer set, including penalization deadlines, to the configured path.
func (r *Registry) Save() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	pf := persistedFile{
		Version:   persistenceVersion,
		LastSaved: r.clock.Now(),
		Peers:     make([]persistedPeer, len(r.entries)),
	}
	for i, e := range r.entries {
		pf.Peers[i] = persistedPeer{Peer: e.peer, PenalizedUntil: e.penalizedUntil}
	}
	if err := save(r.path, &pf); err != nil {
		return errors.Wrapf(err, "save peers to %q", r.path)
	}
	return nil
}
