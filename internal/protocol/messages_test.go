package protocol

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVersion(t *testing.T) {
	assert.Equal(t, int32(300), NormalizeVersion(10300))
	assert.Equal(t, int32(70016), NormalizeVersion(70016))
	assert.Equal(t, int32(10301), NormalizeVersion(10301))
}

func TestEncodeDecodeVersion(t *testing.T) {
	local := LocalVersion{
		Pver:      wire.ProtocolVersion,
		Nonce:     0x0539a019ca550825,
		Height:    123,
		UserAgent: "/test:1.0/",
	}
	remote := netip.MustParseAddrPort("1.2.3.4:8333")
	payload, err := EncodeVersion(local, remote, time.Unix(1700000000, 0))
	require.NoError(t, err)

	v, err := DecodeVersion(payload)
	require.NoError(t, err)
	assert.Equal(t, int32(wire.ProtocolVersion), v.Version)
	assert.Equal(t, uint64(0x0539a019ca550825), v.Nonce)
	assert.Equal(t, "/test:1.0/", v.SubVersion)
	assert.Equal(t, int32(123), v.Height)
	assert.Equal(t, int64(1700000000), v.Timestamp.Unix())

	// relay flag is the last byte and always 0
	assert.Equal(t, byte(0), payload[len(payload)-1])
}

// legacyVersionPayload builds a version payload by hand with the given
// protocol version and all optional fields present.
func legacyVersionPayload(t *testing.T, version int32) []byte {
	t.Helper()
	msg := wire.NewMsgVersion(
		wire.NewNetAddressIPPort(net.IPv4zero, 0, 0),
		wire.NewNetAddressIPPort(net.ParseIP("1.2.3.4"), 8333, 0),
		42, 777)
	msg.UserAgent = "/old:0.3/"
	var buf bytes.Buffer
	require.NoError(t, msg.BtcEncode(&buf, 0, wire.BaseEncoding))
	b := buf.Bytes()
	// overwrite the protocol version field
	b[0] = byte(version)
	b[1] = byte(version >> 8)
	b[2] = byte(version >> 16)
	b[3] = byte(version >> 24)
	return b
}

func TestDecodeVersionGating(t *testing.T) {
	t.Run("10300 is normalized before gating", func(t *testing.T) {
		v, err := DecodeVersion(legacyVersionPayload(t, 10300))
		require.NoError(t, err)
		assert.Equal(t, int32(300), v.Version)
		assert.Equal(t, "/old:0.3/", v.SubVersion)
		assert.Equal(t, int32(777), v.Height)
	})
	t.Run("below 209 has no height", func(t *testing.T) {
		v, err := DecodeVersion(legacyVersionPayload(t, 200))
		require.NoError(t, err)
		assert.Equal(t, "/old:0.3/", v.SubVersion)
		assert.Equal(t, int32(0), v.Height)
	})
	t.Run("below 106 has no sub version", func(t *testing.T) {
		v, err := DecodeVersion(legacyVersionPayload(t, 100))
		require.NoError(t, err)
		assert.Equal(t, "", v.SubVersion)
		assert.Equal(t, uint64(0), v.Nonce)
	})
}

func TestDecodeVersionTruncated(t *testing.T) {
	_, err := DecodeVersion([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeDecodeAddr(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	in := []*wire.NetAddress{
		wire.NewNetAddressTimestamp(ts, wire.SFNodeNetwork, net.ParseIP("1.2.3.4"), 8333),
		wire.NewNetAddressTimestamp(ts, wire.SFNodeWitness, net.ParseIP("2001:4860::1"), 8333),
	}
	payload, err := EncodeAddr(in, wire.ProtocolVersion)
	require.NoError(t, err)
	out, err := DecodeAddr(payload, wire.ProtocolVersion)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, ts.Unix(), out[0].Timestamp.Unix())
	ap, ok := FromNetAddress(out[0])
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("1.2.3.4:8333"), ap)
}
