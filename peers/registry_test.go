package peers

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kr/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zrepl/sitetosite/logger"
)

var (
	peerA = Peer{Host: "10.0.0.1", Port: 8081}
	peerB = Peer{Host: "10.0.0.2", Port: 8081}
	peerC = Peer{Host: "10.0.0.3", Port: 8081, Secure: true}
)

func newTestRegistry(t *testing.T, path string, clk clock.Clock) *Registry {
	r, err := NewRegistry(RegistryConfig{Path: path, Clock: clk, Logger: logger.NewTestLogger(t)})
	require.NoError(t, err)
	return r
}

func TestParseAddr(t *testing.T) {
	p, err := ParseAddr("node1:8443", true)
	require.NoError(t, err)
	assert.Equal(t, Peer{Host: "node1", Port: 8443, Secure: true}, p)
	assert.Equal(t, "tls://node1:8443", p.String())

	_, err = ParseAddr("node1", false)
	assert.Error(t, err)
	_, err = ParseAddr("node1:0", false)
	assert.Error(t, err)
	_, err = ParseAddr("node1:http", false)
	assert.Error(t, err)
}

func TestRegistry_SelectEmpty(t *testing.T) {
	r := newTestRegistry(t, "", clock.NewMock())
	_, err := r.Select()
	assert.Equal(t, ErrNoPeers, err)
}

func TestRegistry_RoundRobin(t *testing.T) {
	r := newTestRegistry(t, "", clock.NewMock())
	_, err := r.Replace([]Peer{peerC, peerA, peerB})
	require.NoError(t, err)

	counts := map[Peer]int{}
	for i := 0; i < 30; i++ {
		p, err := r.Select()
		require.NoError(t, err)
		counts[p]++
	}
	assert.Equal(t, map[Peer]int{peerA: 10, peerB: 10, peerC: 10}, counts)
}

func TestRegistry_PenalizeExpires(t *testing.T) {
	clk := clock.NewMock()
	r := newTestRegistry(t, "", clk)
	require.NoError(t, r.Add(peerA))

	until, err := r.Penalize(peerA.Addr(), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(3*time.Second), until)
	assert.True(t, r.IsPenalized(peerA.Addr()))

	_, err = r.Select()
	assert.Equal(t, ErrAllPenalized, err)

	// a shorter penalization does not shorten the existing one
	until2, err := r.Penalize(peerA.Addr(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, until, until2)

	clk.Add(3 * time.Second)
	assert.False(t, r.IsPenalized(peerA.Addr()))
	p, err := r.Select()
	require.NoError(t, err)
	assert.Equal(t, peerA, p)

	_, err = r.Penalize("unknown:1", time.Second)
	assert.Error(t, err)
}

func TestRegistry_ConcurrentSelectSkipsPenalized(t *testing.T) {
	clk := clock.NewMock()
	r := newTestRegistry(t, "", clk)
	_, err := r.Replace([]Peer{peerA, peerB, peerC})
	require.NoError(t, err)

	_, err = r.Penalize(peerB.Addr(), time.Minute)
	require.NoError(t, err)

	selectMany := func() map[Peer]int {
		var mtx sync.Mutex
		counts := map[Peer]int{}
		var eg errgroup.Group
		for i := 0; i < 10; i++ {
			eg.Go(func() error {
				for j := 0; j < 100; j++ {
					p, err := r.Select()
					if err != nil {
						return err
					}
					mtx.Lock()
					counts[p]++
					mtx.Unlock()
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())
		return counts
	}

	counts := selectMany()
	t.Logf("while penalized: %# v", pretty.Formatter(counts))
	assert.Zero(t, counts[peerB])
	assert.Equal(t, 1000, counts[peerA]+counts[peerC])

	clk.Add(time.Minute)
	counts = selectMany()
	t.Logf("after penalization: %# v", pretty.Formatter(counts))
	assert.NotZero(t, counts[peerB])
	assert.Equal(t, 1000, counts[peerA]+counts[peerB]+counts[peerC])
}

func TestRegistry_ReplacePreservesPenalization(t *testing.T) {
	clk := clock.NewMock()
	r := newTestRegistry(t, "", clk)
	_, err := r.Replace([]Peer{peerA, peerB})
	require.NoError(t, err)
	_, err = r.Penalize(peerA.Addr(), time.Minute)
	require.NoError(t, err)

	changed, err := r.Replace([]Peer{peerA, peerB})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = r.Replace([]Peer{peerA, peerC})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.ElementsMatch(t, []Peer{peerA, peerC}, r.Known())
	assert.True(t, r.IsPenalized(peerA.Addr()))
	assert.Equal(t, clk.Now(), r.LastRefresh())
}

func TestRegistry_PersistenceRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "peers.json")

	r := newTestRegistry(t, path, clk)
	_, err := r.Replace([]Peer{peerA, peerB, peerC})
	require.NoError(t, err)
	_, err = r.Penalize(peerC.Addr(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, r.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	t.Logf("persisted:\n%s", data)

	loaded := newTestRegistry(t, path, clk)
	assert.ElementsMatch(t, []Peer{peerA, peerB, peerC}, loaded.Known())
	assert.True(t, loaded.IsPenalized(peerC.Addr()))
	assert.True(t, loaded.LastRefresh().IsZero())

	// no leftover temporary files
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegistry_LoadMissingFile(t *testing.T) {
	r := newTestRegistry(t, filepath.Join(t.TempDir(), "does-not-exist.json"), clock.NewMock())
	assert.Empty(t, r.Known())
}

func TestRegistry_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := NewRegistry(RegistryConfig{Path: path})
	assert.Error(t, err)
}
