package versionhandshake

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/sitetosite/util/socketpair"
)

func TestHandshakeMessage_Encode(t *testing.T) {

	msg := HandshakeMessage{
		ProtocolVersion: 2342,
	}

	encB, err := msg.Encode()
	require.NoError(t, err)
	enc := string(encB)
	t.Logf("enc: %s", enc)

	assert.False(t, strings.ContainsAny(enc[0:10], " "))
	assert.True(t, enc[10] == ' ')

	var (
		headerlen, protoversion, extensionCount int
	)
	n, err := fmt.Sscanf(enc, "%010d SITE_TO_SITE PROTOVERSION=%04d EXTENSIONS=%04d\n",
		&headerlen, &protoversion, &extensionCount)
	if n != 3 || (err != nil && err != io.EOF) {
		t.Fatalf("%v %v", n, err)
	}

	assert.Equal(t, 2342, protoversion)
	assert.Equal(t, 0, extensionCount)
	assert.Equal(t, len(enc)-11, headerlen)
}

func TestHandshakeMessage_Encode_InvalidProtocolVersion(t *testing.T) {

	for _, pv := range []int{-1, 0, 10000, 10001} {
		t.Logf("testing invalid protocol version = %v", pv)
		msg := HandshakeMessage{
			ProtocolVersion: pv,
		}
		b, err := msg.Encode()
		assert.Error(t, err)
		assert.Nil(t, b)
	}
}

func TestHandshakeMessage_Encode_InvalidExtension(t *testing.T) {
	msg := HandshakeMessage{ProtocolVersion: 1, Extensions: []string{"a\nb"}}
	_, err := msg.Encode()
	assert.Error(t, err)
}

func TestHandshakeMessage_DecodeReader(t *testing.T) {

	in := HandshakeMessage{
		2342,
		[]string{"foo", "bar 2342"},
	}

	enc, err := in.Encode()
	require.NoError(t, err)

	out := HandshakeMessage{}
	err = out.DecodeReader(bytes.NewReader(enc), 4*4096)
	assert.NoError(t, err)
	assert.Equal(t, 2342, out.ProtocolVersion)
	assert.Equal(t, []string{"foo", "bar 2342"}, out.Extensions)
}

func TestHandshakeMessage_DecodeReader_Garbage(t *testing.T) {
	out := HandshakeMessage{}
	err := out.DecodeReader(strings.NewReader("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"), 4*4096)
	assert.Error(t, err)

	err = out.DecodeReader(strings.NewReader("0000099999 SITE_TO_SITE"), 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max length")
}

func TestDoHandshakeVersion_ErrorOnDifferentVersions(t *testing.T) {
	srv, client, err := socketpair.SocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	defer client.Close()

	srvErrCh := make(chan error)
	go func() {
		_, err := DoHandshakeVersion(srv, time.Now().Add(2*time.Second), 1, nil)
		if err != nil {
			srvErrCh <- err
			return
		}
		srvErrCh <- nil
	}()
	_, hsErr := DoHandshakeVersion(client, time.Now().Add(2*time.Second), 2, nil)
	require.NotNil(t, hsErr)
	assert.Contains(t, hsErr.Error(), "version")

	srvErr := <-srvErrCh
	require.Error(t, srvErr)
	assert.Contains(t, srvErr.Error(), "version")
}

func TestDoHandshakeCurrentVersion_NegotiatesExtensions(t *testing.T) {
	srv, client, err := socketpair.SocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	defer client.Close()

	type result struct {
		agreed []string
		err    *HandshakeError
	}
	srvCh := make(chan result)
	go func() {
		agreed, err := DoHandshakeCurrentVersion(srv, time.Now().Add(2*time.Second), []string{"compression=zstd", "other"})
		srvCh <- result{agreed, err}
	}()
	agreed, hsErr := DoHandshakeCurrentVersion(client, time.Now().Add(2*time.Second), []string{"compression=zstd"})
	require.Nil(t, hsErr)
	assert.Equal(t, []string{"compression=zstd"}, agreed)

	res := <-srvCh
	require.Nil(t, res.err)
	assert.Equal(t, []string{"compression=zstd"}, res.agreed)
}

func TestServer_NoCommonExtensions(t *testing.T) {
	srv, client, err := socketpair.SocketPair()
	require.NoError(t, err)
	defer srv.Close()
	defer client.Close()

	go DoHandshakeCurrentVersion(client, time.Now().Add(2*time.Second), nil)
	conn, err := Server(srv, 2*time.Second, []string{"compression=zstd"})
	require.NoError(t, err)
	assert.False(t, conn.HasExtension("compression=zstd"))
	assert.Empty(t, conn.Extensions())
}
