// Package protocol implements the site-to-site message layer:
// JSON control messages and binary packet frames on top of rpc/frameconn.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/rpc/frameconn"
	"github.com/zrepl/sitetosite/rpc/timeoutconn"
	"github.com/zrepl/sitetosite/rpc/versionhandshake"
	"github.com/zrepl/sitetosite/util/envconst"
)

func maxFramePayload() uint32 {
	return envconst.Uint32("SITETOSITE_MAX_FRAME_PAYLOAD", frameconn.DefaultMaxPayloadLen)
}

func chunkSize() int {
	return envconst.Int("SITETOSITE_PACKET_CHUNK_SIZE", 32*1024)
}

// Received packets are held in memory, so their content is bounded.
func maxPacketSize() int {
	return envconst.Int("SITETOSITE_MAX_PACKET_SIZE", 256<<20)
}

// Conn is a handshaked site-to-site connection.
// It is not safe for concurrent use: a connection serves one
// transaction at a time.
type Conn struct {
	fc            *frameconn.Conn
	compressed    bool
	maxPacketSize int
	extensions    []string
	remote        string
}

// NewConn wraps a connection on which the banner exchange has completed.
// Packet frames are compressed iff both sides agreed on ExtensionCompressionZstd.
func NewConn(hc *versionhandshake.Conn, idleTimeout time.Duration) *Conn {
	tc := timeoutconn.Wrap(hc, idleTimeout)
	return &Conn{
		fc:            frameconn.Wrap(tc, maxFramePayload()),
		compressed:    hc.HasExtension(ExtensionCompressionZstd),
		maxPacketSize: maxPacketSize(),
		extensions:    hc.Extensions(),
		remote:        hc.RemoteAddr().String(),
	}
}

func (c *Conn) Compressed() bool { return c.compressed }

func (c *Conn) Extensions() []string { return c.extensions }

func (c *Conn) RemoteAddr() string { return c.remote }

// An UnexpectedMessageError is returned if the peer sent a message
// that is not valid at the current point of the conversation.
type UnexpectedMessageError struct {
	Got  MessageType
	Want []MessageType
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message %s, expected one of %v", e.Got, e.Want)
}

// WriteMessage writes msg as a JSON control message of type t.
func (c *Conn) WriteMessage(t MessageType, msg interface{}) error {
	var payload []byte
	if msg != nil {
		var err error
		payload, err = json.Marshal(msg)
		if err != nil {
			return errors.Wrapf(err, "marshal %s", t)
		}
	}
	if err := c.fc.WriteFrame(payload, uint32(t)); err != nil {
		return errors.Wrapf(err, "write %s", t)
	}
	return nil
}

// ReadMessage reads the next frame.
// Packet frame payloads are returned decompressed.
func (c *Conn) ReadMessage() (MessageType, []byte, error) {
	f, err := c.fc.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	t := MessageType(f.Header.Type)
	payload := f.Payload
	if c.compressed && (t == MsgPacketHeader || t == MsgPacketData) {
		if payload, err = decompress(payload); err != nil {
			return 0, nil, errors.Wrapf(err, "read %s", t)
		}
	}
	return t, payload, nil
}

// Decode unmarshals a control message payload read with ReadMessage.
func Decode(t MessageType, payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrapf(err, "decode %s", t)
	}
	return nil
}

// Expect reads the next message, which must be of type t, into v.
// v may be nil for messages without payload.
func (c *Conn) Expect(t MessageType, v interface{}) error {
	got, payload, err := c.ReadMessage()
	if err != nil {
		return errors.Wrapf(err, "read %s", t)
	}
	if got != t {
		return &UnexpectedMessageError{Got: got, Want: []MessageType{t}}
	}
	if v == nil {
		return nil
	}
	return Decode(t, payload, v)
}

// RoundTrip writes req as type reqType and reads the response of type respType into resp.
func (c *Conn) RoundTrip(reqType MessageType, req interface{}, respType MessageType, resp interface{}) error {
	if err := c.WriteMessage(reqType, req); err != nil {
		return err
	}
	return c.Expect(respType, resp)
}

// IsShutdown reports whether err signals that the peer closed the connection
// gracefully or at a message boundary.
func IsShutdown(err error) bool {
	return errors.Is(err, frameconn.ErrShutdown) || errors.Is(err, io.EOF)
}

// SetIdle disables the idle timeout while the connection sits in a pool.
func (c *Conn) SetIdle(idle bool) error {
	return c.fc.SetIdleTimeoutEnabled(!idle)
}

// Shutdown closes the connection after notifying the peer.
func (c *Conn) Shutdown(timeout time.Duration) error {
	return c.fc.Shutdown(time.Now().Add(timeout))
}

// Close closes the connection immediately.
func (c *Conn) Close() error {
	return c.fc.Close()
}
