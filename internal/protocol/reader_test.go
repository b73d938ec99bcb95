package protocol

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, c *Codec, cmd string, payload []byte) []byte {
	t.Helper()
	msg, err := c.Encode(cmd, payload, 209)
	require.NoError(t, err)
	return msg
}

func TestReaderSplitsStream(t *testing.T) {
	c := NewCodec(wire.MainNet)
	r := NewReader(c)

	stream := append(encode(t, c, "version", []byte("abc")), encode(t, c, "verack", nil)...)
	// feed byte by byte
	var got []string
	for _, b := range stream {
		r.Write([]byte{b})
		for {
			msg, err := r.Next(209)
			require.NoError(t, err)
			if msg == nil {
				break
			}
			got = append(got, msg.Command)
		}
	}
	assert.Equal(t, []string{"version", "verack"}, got)
	assert.Equal(t, 0, r.Buffered())
}

func TestReaderDropsBadChecksum(t *testing.T) {
	c := NewCodec(wire.MainNet)
	r := NewReader(c)

	bad := encode(t, c, "addr", []byte{1, 2, 3})
	bad[len(bad)-1] ^= 0xff
	r.Write(bad)
	r.Write(encode(t, c, "verack", nil))

	msg, err := r.Next(209)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "verack", msg.Command)
	assert.Equal(t, 1, r.Dropped())
}

func TestReaderResyncsAfterDrop(t *testing.T) {
	c := NewCodec(wire.MainNet)
	r := NewReader(c)

	bad := encode(t, c, "addr", []byte{1, 2, 3})
	bad[len(bad)-1] ^= 0xff
	r.Write(bad)
	// garbage between messages is tolerated once the stream lost alignment
	r.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	r.Write(encode(t, c, "verack", nil))

	msg, err := r.Next(209)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "verack", msg.Command)
}

func TestReaderBoundsJunk(t *testing.T) {
	c := NewCodec(wire.MainNet)
	r := NewReader(c)

	bad := encode(t, c, "addr", []byte{1})
	bad[len(bad)-1] ^= 0xff
	r.Write(bad)
	r.Write(make([]byte, 4096))

	msg, err := r.Next(209)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.LessOrEqual(t, r.Buffered(), HeaderSize(209))
}

func TestReaderInvalidHeader(t *testing.T) {
	c := NewCodec(wire.MainNet)
	r := NewReader(c)
	r.Write(encode(t, NewCodec(wire.TestNet3), "version", nil))

	_, err := r.Next(209)
	assert.True(t, errors.Is(err, ErrInvalidHeader))
}

func TestReaderWaitsForPayload(t *testing.T) {
	c := NewCodec(wire.MainNet)
	r := NewReader(c)
	msg := encode(t, c, "addr", make([]byte, 100))

	r.Write(msg[:50])
	m, err := r.Next(209)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 50, r.Buffered())

	r.Write(msg[50:])
	m, err = r.Next(209)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Len(t, m.Payload, 100)
}
