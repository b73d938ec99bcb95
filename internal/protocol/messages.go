package protocol

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/btcsuite/btcd/wire"
)

const (
	// peers from 106 on send their own address, nonce and user agent
	AddrMeVersion = 106
	// legacy clients reported 0.3.0 as 10300
	legacyVersion = 10300
)

// LocalVersion is what we announce about ourselves.
type LocalVersion struct {
	Pver      uint32
	Nonce     uint64
	Height    int32
	UserAgent string
	Services  wire.ServiceFlag
}

// PeerVersion holds the fields of a peer version message that survived
// the version gating. Optional fields are zero when the peer is too old
// to send them.
type PeerVersion struct {
	Version    int32
	Services   wire.ServiceFlag
	Timestamp  time.Time
	Nonce      uint64
	SubVersion string
	Height     int32
}

// NormalizeVersion maps the legacy 10300 numbering to 300.
func NormalizeVersion(v int32) int32 {
	if v == legacyVersion {
		return 300
	}
	return v
}

// EncodeVersion serializes our version message addressed to remote.
// The relay flag is always sent as 0.
func EncodeVersion(local LocalVersion, remote netip.AddrPort, now time.Time) ([]byte, error) {
	you := wire.NewNetAddressIPPort(net.IP(remote.Addr().AsSlice()), remote.Port(), 0)
	// placeholder, peers don't use it
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)

	msg := wire.NewMsgVersion(me, you, local.Nonce, local.Height)
	msg.ProtocolVersion = int32(local.Pver)
	msg.Services = local.Services
	msg.Timestamp = time.Unix(now.Unix(), 0)
	msg.UserAgent = local.UserAgent
	msg.DisableRelayTx = true

	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, local.Pver, wire.BaseEncoding); err != nil {
		return nil, fmt.Errorf("failed to encode version: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVersion parses a peer version payload.
func DecodeVersion(payload []byte) (*PeerVersion, error) {
	msg := new(wire.MsgVersion)
	// field presence is decided by the remaining bytes, not by pver
	if err := msg.BtcDecode(bytes.NewBuffer(payload), wire.ProtocolVersion, wire.BaseEncoding); err != nil {
		return nil, fmt.Errorf("failed to decode version: %w", err)
	}
	v := PeerVersion{
		Version:   NormalizeVersion(msg.ProtocolVersion),
		Services:  msg.Services,
		Timestamp: msg.Timestamp,
	}
	if v.Version >= AddrMeVersion {
		v.Nonce = msg.Nonce
		v.SubVersion = msg.UserAgent
	}
	if v.Version >= ChecksumVersion {
		v.Height = msg.LastBlock
	}
	return &v, nil
}

// DecodeAddr parses an addr payload. Timestamps are read when pver says so.
func DecodeAddr(payload []byte, pver uint32) ([]*wire.NetAddress, error) {
	msg := new(wire.MsgAddr)
	if err := msg.BtcDecode(bytes.NewReader(payload), pver, wire.BaseEncoding); err != nil {
		return nil, fmt.Errorf("failed to decode addr: %w", err)
	}
	return msg.AddrList, nil
}

// EncodeAddr is the counterpart of DecodeAddr, used by tests and fake peers.
func EncodeAddr(addrs []*wire.NetAddress, pver uint32) ([]byte, error) {
	msg := wire.NewMsgAddr()
	for _, na := range addrs {
		if err := msg.AddAddress(na); err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, pver, wire.BaseEncoding); err != nil {
		return nil, fmt.Errorf("failed to encode addr: %w", err)
	}
	return buf.Bytes(), nil
}
