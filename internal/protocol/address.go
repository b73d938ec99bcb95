package protocol

import (
	"encoding/base32"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/wire"
)

// Tor v2 addresses travel inside IPv6 using the OnionCat prefix.
var onionCat = netip.MustParsePrefix("fd87:d87e:eb43::/48")

func IsTor(a netip.Addr) bool {
	return onionCat.Contains(a)
}

// IsRoutable reports whether the address may be handed out to peers.
func IsRoutable(a netip.Addr) bool {
	if !a.IsValid() {
		return false
	}
	if IsTor(a) {
		return true
	}
	na := wire.NetAddressV2FromBytes(time.Time{}, 0, a.AsSlice(), 0)
	return addrmgr.IsRoutable(na)
}

// OnionHost turns an OnionCat address into its .onion hostname.
func OnionHost(a netip.Addr) string {
	b := a.As16()
	// go base32 uses capitals, tor uses lowercase
	return strings.ToLower(base32.StdEncoding.EncodeToString(b[6:])) + ".onion"
}

// ParseOnion is the inverse of OnionHost.
func ParseOnion(host string) (netip.Addr, bool) {
	if len(host) != 22 || !strings.HasSuffix(host, ".onion") {
		return netip.Addr{}, false
	}
	data, err := base32.StdEncoding.DecodeString(strings.ToUpper(host[:16]))
	if err != nil || len(data) != 10 {
		return netip.Addr{}, false
	}
	var b [16]byte
	copy(b[:], []byte{0xfd, 0x87, 0xd8, 0x7e, 0xeb, 0x43})
	copy(b[6:], data)
	return netip.AddrFrom16(b), true
}

// DialAddress is the host:port used to reach the peer.
func DialAddress(ap netip.AddrPort) string {
	port := strconv.Itoa(int(ap.Port()))
	if IsTor(ap.Addr()) {
		return net.JoinHostPort(OnionHost(ap.Addr()), port)
	}
	return net.JoinHostPort(ap.Addr().String(), port)
}

// FromNetAddress converts a wire address, unmapping IPv4-in-IPv6.
func FromNetAddress(na *wire.NetAddress) (netip.AddrPort, bool) {
	a, ok := netip.AddrFromSlice(na.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), na.Port), true
}

// ParseAddrPort accepts ip:port, [ipv6]:port and xxx.onion:port.
func ParseAddrPort(s string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if a, ok := ParseOnion(host); ok {
		return netip.AddrPortFrom(a, uint16(p)), nil
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(p)), nil
}

// FormatAddrPort is the inverse of ParseAddrPort.
func FormatAddrPort(ap netip.AddrPort) string {
	return DialAddress(ap)
}
