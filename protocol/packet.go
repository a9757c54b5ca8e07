package protocol

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Packet is a received packet, fully read into memory.
type Packet struct {
	Attributes map[string]string
	Content    []byte
}

// EncodeAttributes encodes attrs as a uint32 count followed by
// uint32 length-prefixed key and value strings, all big endian.
// Keys are written in sorted order so that equal maps produce equal bytes.
func EncodeAttributes(attrs map[string]string) []byte {
	keys := make([]string, 0, len(attrs))
	size := 4
	for k, v := range attrs {
		keys = append(keys, k)
		size += 8 + len(k) + len(v)
	}
	sort.Strings(keys)
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(attrs)))
	for _, k := range keys {
		v := attrs[k]
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

var errAttributeBlockShort = errors.New("attribute block truncated")

func DecodeAttributes(buf []byte) (map[string]string, error) {
	readString := func() (string, error) {
		if len(buf) < 4 {
			return "", errAttributeBlockShort
		}
		l := binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		if uint64(len(buf)) < uint64(l) {
			return "", errAttributeBlockShort
		}
		s := string(buf[:l])
		buf = buf[l:]
		return s, nil
	}
	if len(buf) < 4 {
		return nil, errAttributeBlockShort
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	// every attribute takes at least 8 bytes
	if uint64(n)*8 > uint64(len(buf)) {
		return nil, errAttributeBlockShort
	}
	attrs := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString()
		if err != nil {
			return nil, err
		}
		v, err := readString()
		if err != nil {
			return nil, err
		}
		attrs[k] = v
	}
	if len(buf) != 0 {
		return nil, errors.New("trailing data after attribute block")
	}
	return attrs, nil
}

func (c *Conn) writePacketFrame(t MessageType, payload []byte) error {
	if c.compressed {
		var err error
		if payload, err = compress(payload); err != nil {
			return err
		}
	}
	if err := c.fc.WriteFrame(payload, uint32(t)); err != nil {
		return errors.Wrapf(err, "write %s", t)
	}
	return nil
}

// ContentReadError wraps errors returned by the packet content reader
// passed to WritePacket, as opposed to errors of the connection.
type ContentReadError struct{ Err error }

func (e *ContentReadError) Error() string { return "read packet content: " + e.Err.Error() }
func (e *ContentReadError) Unwrap() error { return e.Err }

// WritePacket writes a packet as PACKET_HEADER, PACKET_DATA chunks and PACKET_END,
// folding the uncompressed payloads into sum.
// It returns the number of content bytes written.
func (c *Conn) WritePacket(attrs map[string]string, content io.Reader, sum *Checksum) (int64, error) {
	hdr := EncodeAttributes(attrs)
	sum.Update(hdr)
	if err := c.writePacketFrame(MsgPacketHeader, hdr); err != nil {
		return 0, err
	}
	var n int64
	if content != nil {
		buf := make([]byte, chunkSize())
		for {
			nr, rerr := io.ReadFull(content, buf)
			if nr > 0 {
				chunk := buf[:nr]
				sum.Update(chunk)
				if err := c.writePacketFrame(MsgPacketData, chunk); err != nil {
					return n, err
				}
				n += int64(nr)
			}
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			if rerr != nil {
				return n, &ContentReadError{rerr}
			}
		}
	}
	if err := c.fc.WriteFrame(nil, uint32(MsgPacketEnd)); err != nil {
		return n, errors.Wrapf(err, "write %s", MsgPacketEnd)
	}
	sum.AddPacket()
	return n, nil
}

// ReadPacket reads the remainder of a packet whose PACKET_HEADER payload
// was already returned by ReadMessage, folding payloads into sum.
// Content larger than SITETOSITE_MAX_PACKET_SIZE is rejected.
func (c *Conn) ReadPacket(header []byte, sum *Checksum) (*Packet, error) {
	attrs, err := DecodeAttributes(header)
	if err != nil {
		return nil, errors.Wrap(err, "decode packet header")
	}
	sum.Update(header)
	var content []byte
	for {
		t, payload, err := c.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "read packet")
		}
		switch t {
		case MsgPacketData:
			if len(content)+len(payload) > c.maxPacketSize {
				return nil, errors.Errorf("packet content exceeds %d bytes", c.maxPacketSize)
			}
			sum.Update(payload)
			content = append(content, payload...)
		case MsgPacketEnd:
			sum.AddPacket()
			if content == nil {
				content = []byte{}
			}
			return &Packet{Attributes: attrs, Content: content}, nil
		default:
			return nil, &UnexpectedMessageError{Got: t, Want: []MessageType{MsgPacketData, MsgPacketEnd}}
		}
	}
}
