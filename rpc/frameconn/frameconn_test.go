package frameconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/sitetosite/rpc/timeoutconn"
	"github.com/zrepl/sitetosite/util/socketpair"
)

func pair(t *testing.T, maxPayload uint32) (*Conn, *Conn) {
	a, b, err := socketpair.SocketPair()
	require.NoError(t, err)
	ca := Wrap(timeoutconn.Wrap(a, 2*time.Second), maxPayload)
	cb := Wrap(timeoutconn.Wrap(b, 2*time.Second), maxPayload)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestIsPublicFrameType(t *testing.T) {
	assert.True(t, IsPublicFrameType(0))
	assert.True(t, IsPublicFrameType(1<<27))
	assert.False(t, IsPublicFrameType(rstFrameType))
	assert.Panics(t, func() { assertPublicFrameType(rstFrameType) })
}

func TestConn_RoundTrip(t *testing.T) {
	a, b := pair(t, 0)

	go func() {
		a.WriteFrame([]byte("hello"), 23)
		a.WriteFrame(nil, 42)
	}()

	f, err := b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint32(23), f.Header.Type)
	assert.Equal(t, []byte("hello"), f.Payload)

	f, err = b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), f.Header.Type)
	assert.Len(t, f.Payload, 0)
}

func TestConn_FrameTooLarge(t *testing.T) {
	a, b := pair(t, 4)

	err := a.WriteFrame([]byte("12345"), 1)
	var tooLarge *FrameTooLargeError
	require.ErrorAs(t, err, &tooLarge)

	// bypass the write-side check to exercise the read side
	a.writeMtx.Lock()
	require.NoError(t, a.writeFrame([]byte("12345"), 1))
	a.writeMtx.Unlock()
	_, err = b.ReadFrame()
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, uint32(5), tooLarge.Len)
}

func TestConn_Shutdown(t *testing.T) {
	a, b := pair(t, 0)

	done := make(chan error)
	go func() {
		done <- a.Shutdown(time.Now().Add(time.Second))
	}()

	_, err := b.ReadFrame()
	assert.Equal(t, ErrShutdown, err)
	assert.Equal(t, ErrShutdown, b.WriteFrame([]byte("x"), 1))
	require.NoError(t, b.Close())
	assert.NoError(t, <-done)

	_, err = a.ReadFrame()
	assert.Equal(t, ErrShutdown, err)
}
