package protocol

import "hash/crc32"

// Checksum accumulates the CRC32 (IEEE) of all packet header and data
// payloads of a transaction, before compression, plus the packet count.
// The zero value is ready to use.
type Checksum struct {
	crc     uint32
	packets uint64
}

func (c *Checksum) Update(p []byte) {
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p)
}

func (c *Checksum) AddPacket() { c.packets++ }

func (c *Checksum) Sum() uint32 { return c.crc }

func (c *Checksum) Packets() uint64 { return c.packets }

func (c *Checksum) Confirm() Confirm {
	return Confirm{Checksum: c.crc, Packets: c.packets}
}

// Matches reports whether the remote side's checksum and packet count equal ours.
func (c *Checksum) Matches(checksum uint32, packets uint64) bool {
	return c.crc == checksum && c.packets == packets
}
