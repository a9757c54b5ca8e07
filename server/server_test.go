package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/sitetosite/protocol"
	"github.com/zrepl/sitetosite/transport/tcp"
)

func startServer(t *testing.T, config Config) (*Server, string) {
	t.Helper()
	s, err := New(config)
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, s.Close())
	})
	return s, l.Addr().String()
}

func dial(t *testing.T, addr string, hs protocol.Handshake) (*protocol.Conn, *protocol.HandshakeResponse, error) {
	t.Helper()
	c, resp, err := protocol.Dial(context.Background(), tcp.NewTCPConnecter(addr), protocol.DialConfig{
		Timeout:     2 * time.Second,
		IdleTimeout: 2 * time.Second,
		Handshake:   hs,
	})
	if c != nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, resp, err
}

func begin(t *testing.T, c *protocol.Conn, dir protocol.Direction) protocol.TransactionResponse {
	t.Helper()
	var resp protocol.TransactionResponse
	require.NoError(t, c.RoundTrip(protocol.MsgBegin, protocol.Begin{Direction: dir, TransactionID: "t"},
		protocol.MsgTransactionResponse, &resp))
	return resp
}

func sendPackets(t *testing.T, c *protocol.Conn, contents ...string) protocol.Confirm {
	t.Helper()
	var sum protocol.Checksum
	for i, content := range contents {
		_, err := c.WritePacket(map[string]string{"i": string(rune('a' + i))}, bytes.NewBufferString(content), &sum)
		require.NoError(t, err)
	}
	return sum.Confirm()
}

func TestServer_Handshake(t *testing.T) {
	s, addr := startServer(t, Config{Ports: []PortConfig{
		{Name: "in", Identifier: "in-id"},
		{Name: "stopped", Stopped: true},
	}})

	_, resp, err := dial(t, addr, protocol.Handshake{PortName: "in"})
	require.NoError(t, err)
	assert.Equal(t, "in-id", resp.PortIdentifier)

	_, resp, err = dial(t, addr, protocol.Handshake{PortIdentifier: "in-id"})
	require.NoError(t, err)
	assert.Equal(t, "in", resp.PortName)

	_, _, err = dial(t, addr, protocol.Handshake{PortName: "nope"})
	var refused *protocol.HandshakeRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, protocol.CodeUnknownPort, refused.Code)

	_, resp, err = dial(t, addr, protocol.Handshake{PortName: "stopped"})
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, protocol.CodePortNotRunning, refused.Code)
	assert.Equal(t, s.Port("stopped").ID(), resp.PortIdentifier)

	assert.Equal(t, uint64(2), s.Stats().Handshakes)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Ports: []PortConfig{{Name: ""}}})
	assert.Error(t, err)
	_, err = New(Config{Ports: []PortConfig{{Name: "a"}, {Name: "a"}}})
	assert.Error(t, err)
	_, err = New(Config{Ports: []PortConfig{{Name: "a", Identifier: "x"}, {Name: "b", Identifier: "x"}}})
	assert.Error(t, err)
}

func TestServer_SendThenReceive(t *testing.T) {
	s, addr := startServer(t, Config{Ports: []PortConfig{{Name: "q"}}})

	c, _, err := dial(t, addr, protocol.Handshake{PortName: "q"})
	require.NoError(t, err)
	require.Equal(t, protocol.CodeStarted, begin(t, c, protocol.DirectionSend).Code)
	local := sendPackets(t, c, "hello", "world")

	var confirm protocol.ConfirmResponse
	require.NoError(t, c.RoundTrip(protocol.MsgConfirm, local, protocol.MsgConfirmResponse, &confirm))
	assert.Equal(t, protocol.CodeConfirmed, confirm.Code)
	assert.Equal(t, local.Checksum, confirm.Checksum)
	assert.Equal(t, uint64(2), confirm.Packets)
	assert.Equal(t, 0, s.Port("q").Len(), "packets must not be visible before complete")

	var complete protocol.CompleteResponse
	require.NoError(t, c.RoundTrip(protocol.MsgComplete, protocol.Complete{}, protocol.MsgCompleteResponse, &complete))
	assert.Equal(t, protocol.CodeFinished, complete.Code)
	require.Equal(t, 2, s.Port("q").Len())

	// same connection, reverse direction
	require.Equal(t, protocol.CodeStarted, begin(t, c, protocol.DirectionReceive).Code)
	var (
		sum      protocol.Checksum
		received []string
	)
	for {
		typ, payload, err := c.ReadMessage()
		require.NoError(t, err)
		if typ == protocol.MsgNoMoreData {
			break
		}
		require.Equal(t, protocol.MsgPacketHeader, typ)
		p, err := c.ReadPacket(payload, &sum)
		require.NoError(t, err)
		received = append(received, string(p.Content))
	}
	assert.Equal(t, []string{"hello", "world"}, received)
	assert.Equal(t, local, sum.Confirm())

	require.NoError(t, c.RoundTrip(protocol.MsgConfirm, sum.Confirm(), protocol.MsgConfirmResponse, &confirm))
	require.Equal(t, protocol.CodeConfirmed, confirm.Code)
	require.NoError(t, c.RoundTrip(protocol.MsgComplete, protocol.Complete{}, protocol.MsgCompleteResponse, &complete))
	assert.Equal(t, 0, s.Port("q").Len())

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Transactions)
	assert.Equal(t, uint64(2), stats.Completed)
}

func TestServer_ReceiveCanceledRequeues(t *testing.T) {
	s, addr := startServer(t, Config{Ports: []PortConfig{{Name: "q"}}})
	s.Port("q").Enqueue(
		protocol.Packet{Attributes: map[string]string{}, Content: []byte("1")},
		protocol.Packet{Attributes: map[string]string{}, Content: []byte("2")},
	)

	c, _, err := dial(t, addr, protocol.Handshake{PortName: "q"})
	require.NoError(t, err)
	require.Equal(t, protocol.CodeStarted, begin(t, c, protocol.DirectionReceive).Code)
	for {
		typ, payload, err := c.ReadMessage()
		require.NoError(t, err)
		if typ == protocol.MsgNoMoreData {
			break
		}
		_, err = c.ReadPacket(payload, &protocol.Checksum{})
		require.NoError(t, err)
	}
	require.NoError(t, c.WriteMessage(protocol.MsgCancel, protocol.Cancel{Explanation: "test"}))

	_, _, err = c.ReadMessage()
	require.Error(t, err, "server closes the connection after cancel")
	require.Eventually(t, func() bool { return s.Port("q").Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	packets := s.Port("q").Packets()
	assert.Equal(t, "1", string(packets[0].Content))
	assert.Equal(t, uint64(1), s.Stats().Canceled)
}

func TestServer_TamperedChecksum(t *testing.T) {
	s, addr := startServer(t, Config{Ports: []PortConfig{{Name: "q"}}})
	s.SetChecksumTamper(TamperReject)

	c, _, err := dial(t, addr, protocol.Handshake{PortName: "q"})
	require.NoError(t, err)
	require.Equal(t, protocol.CodeStarted, begin(t, c, protocol.DirectionSend).Code)
	local := sendPackets(t, c, "x")

	var confirm protocol.ConfirmResponse
	require.NoError(t, c.RoundTrip(protocol.MsgConfirm, local, protocol.MsgConfirmResponse, &confirm))
	assert.Equal(t, protocol.CodeBadChecksum, confirm.Code)
	assert.NotEqual(t, local.Checksum, confirm.Checksum)

	_, _, err = c.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, s.Port("q").Len())
}

func TestServer_TamperedChecksumConfirmed(t *testing.T) {
	s, addr := startServer(t, Config{Ports: []PortConfig{{Name: "q"}}})
	s.SetChecksumTamper(TamperConfirm)

	c, _, err := dial(t, addr, protocol.Handshake{PortName: "q"})
	require.NoError(t, err)
	require.Equal(t, protocol.CodeStarted, begin(t, c, protocol.DirectionSend).Code)
	local := sendPackets(t, c, "x")

	var confirm protocol.ConfirmResponse
	require.NoError(t, c.RoundTrip(protocol.MsgConfirm, local, protocol.MsgConfirmResponse, &confirm))
	assert.Equal(t, protocol.CodeConfirmed, confirm.Code)
	assert.NotEqual(t, local.Checksum, confirm.Checksum)

	require.NoError(t, c.WriteMessage(protocol.MsgCancel, protocol.Cancel{Explanation: "checksum mismatch"}))
	assert.Eventually(t, func() bool { return s.Stats().Canceled == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Port("q").Len())
}

func TestServer_DestinationFull(t *testing.T) {
	s, addr := startServer(t, Config{
		Ports:       []PortConfig{{Name: "q", MaxQueued: 1}},
		FullBackoff: 3 * time.Second,
	})

	c, _, err := dial(t, addr, protocol.Handshake{PortName: "q"})
	require.NoError(t, err)
	require.Equal(t, protocol.CodeStarted, begin(t, c, protocol.DirectionSend).Code)
	local := sendPackets(t, c, "x")
	var confirm protocol.ConfirmResponse
	require.NoError(t, c.RoundTrip(protocol.MsgConfirm, local, protocol.MsgConfirmResponse, &confirm))
	var complete protocol.CompleteResponse
	require.NoError(t, c.RoundTrip(protocol.MsgComplete, protocol.Complete{}, protocol.MsgCompleteResponse, &complete))
	assert.Equal(t, protocol.CodeFinishedDestinationFull, complete.Code)
	assert.Equal(t, int64(3000), complete.BackoffMillis)

	resp := begin(t, c, protocol.DirectionSend)
	assert.Equal(t, protocol.CodeDestinationFull, resp.Code)
	assert.Equal(t, int64(3000), resp.BackoffMillis)
	assert.Equal(t, 1, s.Port("q").Len())
}

func TestServer_ReceiverBackoff(t *testing.T) {
	s, addr := startServer(t, Config{Ports: []PortConfig{{Name: "q"}}})

	c, _, err := dial(t, addr, protocol.Handshake{PortName: "q"})
	require.NoError(t, err)
	require.Equal(t, protocol.CodeStarted, begin(t, c, protocol.DirectionReceive).Code)
	require.NoError(t, c.Expect(protocol.MsgNoMoreData, nil))
	var confirm protocol.ConfirmResponse
	require.NoError(t, c.RoundTrip(protocol.MsgConfirm, protocol.Confirm{}, protocol.MsgConfirmResponse, &confirm))
	require.Equal(t, protocol.CodeConfirmed, confirm.Code)
	var complete protocol.CompleteResponse
	require.NoError(t, c.RoundTrip(protocol.MsgComplete, protocol.Complete{Backoff: true, BackoffMillis: 60000},
		protocol.MsgCompleteResponse, &complete))

	assert.True(t, s.Port("q").BackoffRemaining(time.Now()) > 50*time.Second)
	resp := begin(t, c, protocol.DirectionSend)
	assert.Equal(t, protocol.CodeDestinationFull, resp.Code)
	assert.True(t, resp.BackoffMillis > 50000)
}

func TestServer_PeerListAndDescriptor(t *testing.T) {
	s, addr := startServer(t, Config{Ports: []PortConfig{{Name: "q"}}})
	peers := []protocol.PeerDescription{{Host: "a", Port: 1}, {Host: "b", Port: 2, Secure: true}}
	s.SetClusterPeers(peers)

	c, _, err := dial(t, addr, protocol.Handshake{PortName: "q"})
	require.NoError(t, err)
	var list protocol.PeerList
	require.NoError(t, c.RoundTrip(protocol.MsgRequestPeerList, nil, protocol.MsgPeerList, &list))
	assert.Equal(t, peers, list.Peers)

	mux := http.NewServeMux()
	mux.Handle(protocol.DescriptorPath, s.DescriptorHandler(protocol.SiteDescriptor{RawPort: 1234, Cluster: true}))
	hs := httptest.NewServer(mux)
	defer hs.Close()
	res, err := http.Get(hs.URL + protocol.DescriptorPath)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rawPort":1234,"secure":false,"cluster":true}`, string(body))
}

func TestServer_CloseStopsServe(t *testing.T) {
	s, err := New(Config{Ports: []PortConfig{{Name: "q"}}})
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), l) }()

	c, _, err := dial(t, l.Addr().String(), protocol.Handshake{PortName: "q"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	_, _, err = c.ReadMessage()
	assert.Error(t, err)
}
