package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseHeader(t *testing.T) {
	c := NewCodec(wire.MainNet)
	tests := []struct {
		name    string
		command string
		payload []byte
		pver    uint32
	}{
		{"verack with checksum", "verack", nil, 209},
		{"addr with checksum", "addr", []byte{1, 2, 3, 4, 5}, wire.ProtocolVersion},
		{"version without checksum", "version", []byte("hello"), 106},
		{"full width command", "abcdefghijkl", []byte{0}, 209},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := c.Encode(tt.command, tt.payload, tt.pver)
			require.NoError(t, err)
			require.Len(t, msg, HeaderSize(tt.pver)+len(tt.payload))

			hdr, n, err := c.ParseHeader(msg, tt.pver, false)
			require.NoError(t, err)
			assert.Equal(t, HeaderSize(tt.pver), n)
			assert.Equal(t, wire.MainNet, hdr.Magic)
			assert.Equal(t, tt.command, hdr.Command)
			assert.Equal(t, uint32(len(tt.payload)), hdr.Length)
			assert.Equal(t, tt.pver >= ChecksumVersion, hdr.HasChecksum)
			assert.True(t, VerifyChecksum(msg[n:], hdr))
		})
	}
}

func TestHeaderSize(t *testing.T) {
	assert.Equal(t, 20, HeaderSize(208))
	assert.Equal(t, 24, HeaderSize(209))
}

func TestEncodeRejectsLongCommand(t *testing.T) {
	c := NewCodec(wire.MainNet)
	_, err := c.Encode("thiscommandistoolong", nil, 209)
	assert.Error(t, err)
}

func TestParseHeaderOversize(t *testing.T) {
	c := NewCodec(wire.MainNet)
	msg, err := c.Encode("block", nil, 209)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(msg[16:20], MaxPayload+1)

	// only the header is buffered, the payload never will be
	_, _, err = c.ParseHeader(msg, 209, false)
	assert.True(t, errors.Is(err, ErrInvalidHeader))

	_, _, err = c.ParseHeader(msg, 209, true)
	assert.True(t, errors.Is(err, ErrInvalidHeader))

	binary.LittleEndian.PutUint32(msg[16:20], MaxPayload)
	_, _, err = c.ParseHeader(msg, 209, false)
	assert.NoError(t, err)
}

func TestParseHeaderBadMagic(t *testing.T) {
	c := NewCodec(wire.MainNet)
	other := NewCodec(wire.TestNet3)
	msg, err := other.Encode("version", []byte{1}, 209)
	require.NoError(t, err)

	_, _, err = c.ParseHeader(msg, 209, false)
	assert.True(t, errors.Is(err, ErrInvalidHeader))
}

func TestParseHeaderCommandBytes(t *testing.T) {
	c := NewCodec(wire.MainNet)
	tests := []struct {
		name    string
		command []byte
		valid   bool
	}{
		{"nul padded", []byte("ping\x00\x00\x00\x00\x00\x00\x00\x00"), true},
		{"data after nul", []byte("ping\x00x\x00\x00\x00\x00\x00\x00"), false},
		{"control char", []byte("pi\x01g\x00\x00\x00\x00\x00\x00\x00\x00"), false},
		{"high byte", []byte("pi\xffg\x00\x00\x00\x00\x00\x00\x00\x00"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := c.Encode("", nil, 209)
			require.NoError(t, err)
			copy(msg[4:16], tt.command)
			_, _, err = c.ParseHeader(msg, 209, false)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidHeader))
			}
		})
	}
}

func TestParseHeaderNeedMoreData(t *testing.T) {
	c := NewCodec(wire.MainNet)
	msg, err := c.Encode("verack", nil, 209)
	require.NoError(t, err)

	_, n, err := c.ParseHeader(msg[:10], 209, false)
	assert.True(t, errors.Is(err, ErrNeedMoreData))
	assert.Equal(t, 0, n)
}

func TestParseHeaderResync(t *testing.T) {
	c := NewCodec(wire.MainNet)
	msg, err := c.Encode("verack", nil, 209)
	require.NoError(t, err)

	t.Run("junk before magic is skipped", func(t *testing.T) {
		buf := append([]byte{9, 9, 9}, msg...)
		hdr, n, err := c.ParseHeader(buf, 209, true)
		require.NoError(t, err)
		assert.Equal(t, "verack", hdr.Command)
		assert.Equal(t, 3+24, n)
	})

	t.Run("no magic keeps the last header bytes", func(t *testing.T) {
		junk := make([]byte, 100)
		_, n, err := c.ParseHeader(junk, 209, true)
		assert.True(t, errors.Is(err, ErrNeedMoreData))
		assert.Equal(t, 100-24, n)
	})

	t.Run("short junk is kept", func(t *testing.T) {
		_, n, err := c.ParseHeader(make([]byte, 10), 209, true)
		assert.True(t, errors.Is(err, ErrNeedMoreData))
		assert.Equal(t, 0, n)
	})
}

func TestVerifyChecksumMismatch(t *testing.T) {
	c := NewCodec(wire.MainNet)
	msg, err := c.Encode("addr", []byte{1, 2, 3}, 209)
	require.NoError(t, err)
	hdr, n, err := c.ParseHeader(msg, 209, false)
	require.NoError(t, err)
	assert.False(t, VerifyChecksum([]byte{1, 2, 4}, hdr))
	assert.True(t, VerifyChecksum(msg[n:], hdr))
}
