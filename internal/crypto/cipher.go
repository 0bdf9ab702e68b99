// Package crypto implements the session cipher and the outgoing sequence
// generator used on the Seer game connection.
//
// Wire format handled here:
//
//	plaintext packet: [total_len:4 BE][body...]
//	frame:            [total_len:4 BE][ciphertext, len(body)+1 bytes]
//
// The 4-byte prefix is never enciphered; each direction synthesizes a new one.
package crypto

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// DefaultKey is the well-known key used until the handshake acknowledgement
// rotates it.
const DefaultKey = "!crAckmE4nOthIng:-)"

const (
	lengthPrefixSize = 4
	rotationFactor   = 13
	packTag          = 0x03
	derivedKeyLen    = 10
)

var (
	ErrPacketTooShort = errors.New("plaintext packet shorter than length prefix")
	ErrFrameTooShort  = errors.New("frame too short to decrypt")
	ErrEmptyKey       = errors.New("session key must not be empty")
)

// Cipher is the symmetric stream cipher + bit-packing transform keyed by the
// mutable session key. It is not safe for concurrent use; the owning
// connection serializes access.
type Cipher struct {
	key     []byte
	rotated bool
}

// NewCipher returns a cipher initialized with DefaultKey.
func NewCipher() *Cipher {
	return &Cipher{key: []byte(DefaultKey)}
}

// NewCipherWithKey returns a cipher using the given key.
func NewCipherWithKey(key []byte) (*Cipher, error) {
	c := &Cipher{}
	if err := c.SetKey(key); err != nil {
		return nil, err
	}
	return c, nil
}

// Key returns a copy of the current session key.
func (c *Cipher) Key() []byte {
	out := make([]byte, len(c.key))
	copy(out, c.key)
	return out
}

// SetKey replaces the session key.
func (c *Cipher) SetKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	c.key = append([]byte(nil), key...)
	return nil
}

// Rotated reports whether Rotate has installed a derived key.
func (c *Cipher) Rotated() bool {
	return c.rotated
}

// Encrypt turns a logical plaintext packet into a wire frame.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	if len(plain) < lengthPrefixSize {
		return nil, ErrPacketTooShort
	}

	body := plain[lengthPrefixSize:]
	buf := make([]byte, len(body)+1)
	xorKeystream(buf[:len(body)], body, c.key)
	buf[len(body)] = 0

	// Descending so each byte reads its predecessor before that one is packed.
	for i := len(buf) - 1; i > 0; i-- {
		buf[i] = buf[i]<<5 | buf[i-1]>>3
	}
	buf[0] = buf[0]<<5 | packTag

	r := int(c.key[len(body)%len(c.key)]) * rotationFactor % len(buf)

	frame := make([]byte, lengthPrefixSize+len(buf))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(plain)+1))
	n := copy(frame[lengthPrefixSize:], buf[r:])
	copy(frame[lengthPrefixSize+n:], buf[:r])

	return frame, nil
}

// Decrypt turns a wire frame back into a logical plaintext packet whose
// length prefix is one less than the frame's.
func (c *Cipher) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < lengthPrefixSize+1 {
		return nil, ErrFrameTooShort
	}

	body := frame[lengthPrefixSize:]
	n := len(body)
	r := int(c.key[(n-1)%len(c.key)]) * rotationFactor % n

	rot := make([]byte, n)
	k := copy(rot, body[n-r:])
	copy(rot[k:], body[:n-r])

	plain := make([]byte, lengthPrefixSize+n-1)
	binary.BigEndian.PutUint32(plain[:lengthPrefixSize], uint32(len(frame)-1))

	out := plain[lengthPrefixSize:]
	for i := 0; i < n-1; i++ {
		out[i] = rot[i]>>5 | rot[i+1]<<3
	}
	xorKeystream(out, out, c.key)

	return plain, nil
}

// Rotate derives the session key from the handshake acknowledgement and
// installs it.
func (c *Cipher) Rotate(ack []byte, userID uint32) ([]byte, error) {
	key, err := DeriveKey(ack, userID)
	if err != nil {
		return nil, err
	}
	c.key = key
	c.rotated = true
	return c.Key(), nil
}

// DeriveKey computes the post-handshake session key: the last four bytes of
// the acknowledgement packet (big-endian) XOR the user id, rendered in
// decimal, MD5 hashed, first ten hex characters.
func DeriveKey(ack []byte, userID uint32) ([]byte, error) {
	if len(ack) < 4 {
		return nil, fmt.Errorf("derive key: acknowledgement has %d bytes, need 4", len(ack))
	}
	seed := binary.BigEndian.Uint32(ack[len(ack)-4:]) ^ userID
	sum := md5.Sum([]byte(strconv.FormatUint(uint64(seed), 10)))
	return []byte(hex.EncodeToString(sum[:])[:derivedKeyLen]), nil
}

// DoubleMD5 returns md5hex(md5hex(password)), the credential string sent at
// login.
func DoubleMD5(password string) string {
	first := md5.Sum([]byte(password))
	second := md5.Sum([]byte(hex.EncodeToString(first[:])))
	return hex.EncodeToString(second[:])
}

// xorKeystream XORs src with the session keystream into dst. After the first
// pass over the key, every later cycle repeats k0 once: k0, k0, k1 ... k(n-1).
// Servers depend on this schedule.
func xorKeystream(dst, src, key []byte) {
	j := 0
	repeat := false
	for i := range src {
		if j == 1 && repeat {
			j = 0
			repeat = false
		}
		if j == len(key) {
			j = 0
			repeat = true
		}
		dst[i] = src[i] ^ key[j]
		j++
	}
}

// keystream returns the first n keystream bytes for key.
func keystream(key []byte, n int) []byte {
	out := make([]byte, n)
	xorKeystream(out, out, key)
	return out
}
