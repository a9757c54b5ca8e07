// Package frameconn implements a length-prefixed frame layer on top of a
// timeoutconn.Conn.
//
// Each frame is an 8 byte header (type, payload length; both uint32 big endian)
// followed by the payload.
package frameconn

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zrepl/sitetosite/rpc/timeoutconn"
)

type FrameHeader struct {
	Type       uint32
	PayloadLen uint32
}

// The 4 MSBs of ft are reserved for frameconn.
func IsPublicFrameType(ft uint32) bool {
	return (0xf<<28)&ft == 0
}

const (
	rstFrameType uint32 = 1<<28 + iota
)

func assertPublicFrameType(frameType uint32) {
	if !IsPublicFrameType(frameType) {
		panic(fmt.Sprintf("frameconn: frame type %v cannot be used by consumers of this package", frameType))
	}
}

func (f *FrameHeader) Unmarshal(buf []byte) {
	if len(buf) != 8 {
		panic("frame header is 8 bytes long")
	}
	f.Type = binary.BigEndian.Uint32(buf[0:4])
	f.PayloadLen = binary.BigEndian.Uint32(buf[4:8])
}

func (f *FrameHeader) Marshal(buf []byte) {
	if len(buf) != 8 {
		panic("frame header is 8 bytes long")
	}
	binary.BigEndian.PutUint32(buf[0:4], f.Type)
	binary.BigEndian.PutUint32(buf[4:8], f.PayloadLen)
}

type Frame struct {
	Header  FrameHeader
	Payload []byte
}

const DefaultMaxPayloadLen = 1 << 22

type Conn struct {
	readMtx, writeMtx sync.Mutex
	nc                *timeoutconn.Conn
	maxPayloadLen     uint32
	shutdown          atomic.Bool // set once either side began shutdown
}

// Wrap returns a frame layer over nc.
// Frames with a payload larger than maxPayloadLen are rejected on read
// and refused on write. A zero maxPayloadLen means DefaultMaxPayloadLen.
func Wrap(nc *timeoutconn.Conn, maxPayloadLen uint32) *Conn {
	if maxPayloadLen == 0 {
		maxPayloadLen = DefaultMaxPayloadLen
	}
	return &Conn{nc: nc, maxPayloadLen: maxPayloadLen}
}

var ErrShutdown = fmt.Errorf("frameconn: shutting down")

type FrameTooLargeError struct {
	Len, Max uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frameconn: frame payload length %d exceeds maximum of %d", e.Len, e.Max)
}

// ReadFrame reads a frame from the connection.
// If the peer initiated shutdown, ErrShutdown is returned.
func (c *Conn) ReadFrame() (Frame, error) {
	if c.shutdown.Load() {
		return Frame{}, ErrShutdown
	}
	c.readMtx.Lock()
	defer c.readMtx.Unlock()
	f, err := c.readFrame()
	if err != nil {
		return Frame{}, err
	}
	if f.Header.Type == rstFrameType {
		c.shutdown.Store(true)
		return Frame{}, ErrShutdown
	}
	prom.FramesRead.Inc()
	return f, nil
}

// callers must have readMtx locked
func (c *Conn) readFrame() (Frame, error) {
	var hdrBuf [8]byte
	if _, err := io.ReadFull(c.nc, hdrBuf[:]); err != nil {
		return Frame{}, err
	}
	var hdr FrameHeader
	hdr.Unmarshal(hdrBuf[:])
	if hdr.PayloadLen > c.maxPayloadLen {
		return Frame{}, &FrameTooLargeError{hdr.PayloadLen, c.maxPayloadLen}
	}
	payload := make([]byte, hdr.PayloadLen)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, errors.Wrap(err, "frameconn: read payload")
	}
	return Frame{Header: hdr, Payload: payload}, nil
}

func (c *Conn) WriteFrame(payload []byte, frameType uint32) error {
	assertPublicFrameType(frameType)
	if uint64(len(payload)) > uint64(c.maxPayloadLen) {
		return &FrameTooLargeError{uint32(len(payload)), c.maxPayloadLen}
	}
	if c.shutdown.Load() {
		return ErrShutdown
	}
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	if err := c.writeFrame(payload, frameType); err != nil {
		return err
	}
	prom.FramesWritten.Inc()
	return nil
}

func (c *Conn) writeFrame(payload []byte, frameType uint32) error {
	var hdrBuf [8]byte
	hdr := FrameHeader{Type: frameType, PayloadLen: uint32(len(payload))}
	hdr.Marshal(hdrBuf[:])
	if err := c.nc.RenewWriteDeadline(); err != nil {
		return err
	}
	bufs := net.Buffers([][]byte{hdrBuf[:], payload})
	if _, err := bufs.WriteTo(c.nc); err != nil {
		return err
	}
	return nil
}

// SetIdleTimeoutEnabled toggles the idle timeout of the underlying connection.
// Pooled connections disable it while they sit idle.
func (c *Conn) SetIdleTimeoutEnabled(enabled bool) error {
	if enabled {
		c.nc.EnableTimeouts()
		return nil
	}
	return c.nc.DisableTimeouts()
}

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the underlying connection without notifying the peer.
func (c *Conn) Close() error {
	c.shutdown.Store(true)
	return c.nc.Close()
}

// Shutdown notifies the peer with a reset frame, half-closes the connection,
// drains the read side until the peer closes its end or deadline passes,
// and finally closes the connection.
func (c *Conn) Shutdown(deadline time.Time) error {
	defer prometheus.NewTimer(prom.ShutdownSeconds).ObserveDuration()

	closeWire := func(step string) error {
		closeErr := c.nc.Close()
		if closeErr == nil {
			return nil
		}
		if errors.Is(closeErr, syscall.ECONNRESET) {
			// the fd is closed nonetheless
			return nil
		}
		prom.ShutdownCloseErrors.WithLabelValues(step).Inc()
		return closeErr
	}

	hardclose := func(err error, step string) error {
		prom.ShutdownHardCloses.WithLabelValues(step).Inc()
		return closeWire(step)
	}

	if alreadyShuttingDown := c.shutdown.Swap(true); alreadyShuttingDown {
		return closeWire("close")
	}
	// new calls to c.ReadFrame and c.WriteFrame will now return ErrShutdown

	if err := c.nc.DisableTimeouts(); err != nil {
		return hardclose(err, "disable_timeouts")
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return hardclose(err, "set_deadline")
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if err := c.writeFrame([]byte{}, rstFrameType); err != nil {
		return hardclose(err, "write_frame")
	}

	if err := c.nc.CloseWrite(); err != nil {
		return hardclose(err, "close_write")
	}

	c.readMtx.Lock()
	defer c.readMtx.Unlock()

	defer prometheus.NewTimer(prom.ShutdownDrainSeconds).ObserveDuration()
	n, _ := io.CopyN(io.Discard, c.nc, int64(c.maxPayloadLen))
	prom.ShutdownDrainBytesRead.Observe(float64(n))

	return closeWire("close")
}
