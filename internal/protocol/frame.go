package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidFrameLength is returned when a length prefix cannot describe a
// real frame. The stream cannot be resynchronized after this.
var ErrInvalidFrameLength = errors.New("invalid frame length")

// TryExtractFrame splits the first complete frame off buf. When fewer than
// four bytes, or fewer than the declared length, are buffered it returns
// ok=false and leaves buf untouched.
func TryExtractFrame(buf []byte) (frame, rest []byte, ok bool, err error) {
	if len(buf) < LengthPrefixSize {
		return nil, buf, false, nil
	}

	length := binary.BigEndian.Uint32(buf[:LengthPrefixSize])
	if length < LengthPrefixSize {
		return nil, buf, false, fmt.Errorf("%w: %d", ErrInvalidFrameLength, length)
	}
	if uint32(len(buf)) < length {
		return nil, buf, false, nil
	}

	return buf[:length], buf[length:], true, nil
}

// ReadFrame reads exactly one length-prefixed frame from r. The body is
// allocated up front, so lengths above MaxFrameSize are rejected.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length < LengthPrefixSize || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameLength, length)
	}

	frame := make([]byte, length)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(r, frame[LengthPrefixSize:]); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length, err)
	}
	return frame, nil
}
