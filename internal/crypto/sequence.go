package crypto

// Sequence produces the per-connection result field stamped into every
// outgoing packet. Each value depends on the previous one, so packets must be
// stamped in the order they are written.
type Sequence struct {
	result int64
}

// NewSequence returns a sequence starting at zero.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Compute advances the sequence for an outgoing packet and returns the value
// to stamp at header offset 13.
//
// The payload checksum is only mixed in for command ids above 1000. Division
// truncates toward zero, which is what the servers validate against.
func (s *Sequence) Compute(cmdID uint32, payload []byte) uint32 {
	var crc int64
	if cmdID > 1000 {
		var fold byte
		for _, b := range payload {
			fold ^= b
		}
		crc = int64(fold)
	}

	prev := s.result
	s.result = prev + crc + prev/-3 + int64(len(payload)%17) + int64(cmdID%23) + 120
	return uint32(s.result)
}

// Seed installs the server-assigned starting value.
func (s *Sequence) Seed(v uint32) {
	s.result = int64(v)
}

// Value returns the last computed value.
func (s *Sequence) Value() uint32 {
	return uint32(s.result)
}
