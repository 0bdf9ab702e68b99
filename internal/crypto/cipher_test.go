package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestKeystream_RepeatsFirstByteAfterFirstCycle(t *testing.T) {
	assert.Equal(t, []byte("AAAA"), keystream([]byte("A"), 4))
	assert.Equal(t, []byte("abcaabcaabc"), keystream([]byte("abc"), 11))

	key := []byte("0123456789")
	got := keystream(key, 25)
	assert.Equal(t, []byte("0123456789"+"00123456789"+"0012"), got)
}

func TestCipher_EncryptGoldenVector(t *testing.T) {
	c, err := NewCipherWithKey([]byte("ABCDE"))
	require.NoError(t, err)

	frame, err := c.Encrypt(mustHex(t, "0000000a31000003e907"))
	require.NoError(t, err)
	assert.Equal(t, "0000000b88d508034e68e8", hex.EncodeToString(frame))

	plain, err := c.Decrypt(frame)
	require.NoError(t, err)
	assert.Equal(t, "0000000a31000003e907", hex.EncodeToString(plain))
}

func TestCipher_EncryptDefaultKey(t *testing.T) {
	plain := []byte{0x00, 0x00, 0x00, 0x21}
	for i := 1; i <= 0x1d; i++ {
		plain = append(plain, byte(i))
	}

	c := NewCipher()
	frame, err := c.Encrypt(plain)
	require.NoError(t, err)
	assert.Equal(t,
		"00000022ada9878c08afec28ec6ee547a786a6ae2c4b2fce2e2b0503242caec8ac4d",
		hex.EncodeToString(frame))
}

func TestCipher_RoundTrip(t *testing.T) {
	keys := [][]byte{
		[]byte("A"),
		[]byte("xyz"),
		[]byte(DefaultKey),
		[]byte("0123456789"),
	}

	for _, key := range keys {
		c, err := NewCipherWithKey(key)
		require.NoError(t, err)

		for size := 0; size < 300; size += 7 {
			body := make([]byte, size)
			for i := range body {
				body[i] = byte(i*31 + size)
			}
			plain := make([]byte, 4+size)
			binary.BigEndian.PutUint32(plain, uint32(len(plain)))
			copy(plain[4:], body)

			frame, err := c.Encrypt(plain)
			require.NoError(t, err)
			assert.Len(t, frame, len(plain)+1)
			assert.Equal(t, uint32(len(plain)+1), binary.BigEndian.Uint32(frame))

			back, err := c.Decrypt(frame)
			require.NoError(t, err)
			assert.Equal(t, plain, back, "key=%q size=%d", key, size)
		}
	}
}

func TestCipher_EmptyBody(t *testing.T) {
	c := NewCipher()
	frame, err := c.Encrypt([]byte{0, 0, 0, 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 5, packTag}, frame)

	plain, err := c.Decrypt(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 4}, plain)
}

func TestCipher_ShortInput(t *testing.T) {
	c := NewCipher()

	_, err := c.Encrypt([]byte{0, 0, 1})
	assert.ErrorIs(t, err, ErrPacketTooShort)

	_, err = c.Decrypt([]byte{0, 0, 0, 4})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestCipher_SetKeyRejectsEmpty(t *testing.T) {
	_, err := NewCipherWithKey(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)

	c := NewCipher()
	assert.ErrorIs(t, c.SetKey([]byte{}), ErrEmptyKey)
	assert.Equal(t, []byte(DefaultKey), c.Key())
}

func TestCipher_KeyReturnsCopy(t *testing.T) {
	c := NewCipher()
	k := c.Key()
	k[0] = 'X'
	assert.Equal(t, []byte(DefaultKey), c.Key())
}

func TestDeriveKey(t *testing.T) {
	ack := mustHex(t, "0000001531000003e90000000100000000deadbeef")

	key, err := DeriveKey(ack, 12345678)
	require.NoError(t, err)
	assert.Equal(t, "54e7a1e82c", string(key))

	again, err := DeriveKey(ack, 12345678)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	other, err := DeriveKey(ack, 12345679)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = DeriveKey([]byte{1, 2, 3}, 1)
	assert.Error(t, err)
}

func TestCipher_Rotate(t *testing.T) {
	c := NewCipher()
	assert.False(t, c.Rotated())

	ack := mustHex(t, "0000001531000003e90000000100000000deadbeef")
	key, err := c.Rotate(ack, 12345678)
	require.NoError(t, err)

	assert.True(t, c.Rotated())
	assert.Equal(t, "54e7a1e82c", string(key))
	assert.Equal(t, key, c.Key())
}

func TestDoubleMD5(t *testing.T) {
	assert.Equal(t, "7022cd14c42ff272619d6beacdc9ffde", DoubleMD5("secret"))
	assert.Len(t, DoubleMD5(""), 32)
}
