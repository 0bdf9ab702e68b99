// Package protocol implements the packet layout, framing and builders for the
// Seer game protocol. All integers are big-endian. Every packet starts with a
// 4-byte length prefix that counts itself, followed by a fixed 13-byte header
// and the command payload.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPacket is returned for plaintext that is not a valid packet.
var ErrMalformedPacket = errors.New("malformed packet")

// Header layout offsets.
const (
	OffsetLength  = 0
	OffsetVersion = 4
	OffsetCommand = 5
	OffsetUserID  = 9
	OffsetResult  = 13
	HeaderSize    = 17
)

// Version is the protocol version byte ('1').
const Version byte = 0x31

// Known command ids.
const (
	CmdLogin       uint32 = 103  // Login request / response on the login socket
	CmdEnterServer uint32 = 1001 // Enter server (out) / handshake acknowledgement (in)
)

// LengthPrefixSize is the size of the length prefix in bytes.
const LengthPrefixSize = 4

// MaxFrameSize bounds the declared length accepted by ReadFrame.
const MaxFrameSize = 1 << 20

// Packet is a decoded plaintext packet.
type Packet struct {
	Length  uint32
	Version byte
	Command uint32
	UserID  uint32
	Result  uint32
	Payload []byte

	// Raw is the complete plaintext, length prefix included.
	Raw []byte
}

// ParsePacket decodes the fixed header of a plaintext packet.
func ParsePacket(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (header is %d)", ErrMalformedPacket, len(raw), HeaderSize)
	}

	return &Packet{
		Length:  binary.BigEndian.Uint32(raw[OffsetLength:]),
		Version: raw[OffsetVersion],
		Command: binary.BigEndian.Uint32(raw[OffsetCommand:]),
		UserID:  binary.BigEndian.Uint32(raw[OffsetUserID:]),
		Result:  binary.BigEndian.Uint32(raw[OffsetResult:]),
		Payload: raw[HeaderSize:],
		Raw:     raw,
	}, nil
}

// CommandOf returns the command id of a plaintext packet, or 0 when the
// packet is too short to carry one.
func CommandOf(raw []byte) uint32 {
	if len(raw) < OffsetCommand+4 {
		return 0
	}
	return binary.BigEndian.Uint32(raw[OffsetCommand:])
}

// Hex renders the packet as uppercase space-separated byte pairs.
func (p *Packet) Hex() string {
	return FormatHex(p.Raw)
}

// FormatHex renders data as uppercase space-separated byte pairs.
func FormatHex(data []byte) string {
	s := strings.ToUpper(hex.EncodeToString(data))
	var sb strings.Builder
	sb.Grow(len(s) + len(s)/2)
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s[i : i+2])
	}
	return sb.String()
}

// DecodeHex parses a hex string, ignoring whitespace.
func DecodeHex(s string) ([]byte, error) {
	clean := strings.Join(strings.Fields(s), "")
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex: %v", ErrMalformedPacket, err)
	}
	return data, nil
}

// NewPacket builds a complete plaintext packet.
func NewPacket(cmd, userID, result uint32, payload []byte) []byte {
	return NewPacketBuilder().
		WriteByte(Version).
		WriteUint32(cmd).
		WriteUint32(userID).
		WriteUint32(result).
		WriteBytes(payload).
		BuildWithLength()
}

// Stamp overwrites the user id and result fields of a plaintext packet in
// place and fixes up the length prefix.
func Stamp(raw []byte, userID, result uint32) error {
	if len(raw) < HeaderSize {
		return fmt.Errorf("%w: %d bytes is too short to stamp", ErrMalformedPacket, len(raw))
	}
	binary.BigEndian.PutUint32(raw[OffsetLength:], uint32(len(raw)))
	binary.BigEndian.PutUint32(raw[OffsetUserID:], userID)
	binary.BigEndian.PutUint32(raw[OffsetResult:], result)
	return nil
}
