package sitetosite

import (
	"bytes"
	"io"
)

// DataPacket is the unit of transfer: string attributes plus content.
// A packet handed to Transaction.Send must not be modified afterwards.
type DataPacket struct {
	Attributes map[string]string
	Content    io.Reader
	// Content length in bytes, or -1 if unknown.
	Size int64
}

func NewDataPacket(attributes map[string]string, content []byte) *DataPacket {
	return &DataPacket{
		Attributes: attributes,
		Content:    bytes.NewReader(content),
		Size:       int64(len(content)),
	}
}

// NewStreamingDataPacket returns a packet whose content is read from r during Send.
func NewStreamingDataPacket(attributes map[string]string, r io.Reader, size int64) *DataPacket {
	return &DataPacket{Attributes: attributes, Content: r, Size: size}
}
