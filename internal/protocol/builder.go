package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs big-endian packets for the login and game servers.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// WriteFixed writes data truncated or zero-padded to exactly n bytes.
func (b *PacketBuilder) WriteFixed(data []byte, n int) *PacketBuilder {
	if len(data) > n {
		data = data[:n]
	}
	b.buf.Write(data)
	b.WriteZeros(n - len(data))
	return b
}

// WriteZeros writes n zero bytes.
func (b *PacketBuilder) WriteZeros(n int) *PacketBuilder {
	for i := 0; i < n; i++ {
		b.buf.WriteByte(0)
	}
	return b
}

// Build returns the constructed bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// BuildWithLength returns the packet with a 4-byte BE length prefix that
// counts itself.
func (b *PacketBuilder) BuildWithLength() []byte {
	data := b.buf.Bytes()
	result := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(result[:LengthPrefixSize], uint32(len(result)))
	copy(result[LengthPrefixSize:], data)
	return result
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
