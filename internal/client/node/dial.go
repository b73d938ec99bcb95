package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/proxy"

	"github.com/1F47E/go-btc-seeder/internal/protocol"
)

const defaultProxyPort = "9050"

var ErrNoTorProxy = errors.New("no tor proxy configured")

// ProxyDialer routes connections through optional SOCKS5 proxies, one per
// network class. Networks without a proxy are dialed directly, except Tor
// which can't be reached at all without one.
type ProxyDialer struct {
	tor  proxy.Dialer
	ipv4 proxy.Dialer
	ipv6 proxy.Dialer
}

func NewProxyDialer(torAddr, ipv4Addr, ipv6Addr string) (*ProxyDialer, error) {
	var d ProxyDialer
	var err error
	if d.tor, err = socks5(torAddr); err != nil {
		return nil, fmt.Errorf("tor proxy: %w", err)
	}
	if d.ipv4, err = socks5(ipv4Addr); err != nil {
		return nil, fmt.Errorf("ipv4 proxy: %w", err)
	}
	if d.ipv6, err = socks5(ipv6Addr); err != nil {
		return nil, fmt.Errorf("ipv6 proxy: %w", err)
	}
	return &d, nil
}

func socks5(addr string) (proxy.Dialer, error) {
	if addr == "" {
		return nil, nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultProxyPort)
	}
	return proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
}

func (d *ProxyDialer) DialContext(ctx context.Context, ap netip.AddrPort) (net.Conn, error) {
	var p proxy.Dialer
	switch {
	case protocol.IsTor(ap.Addr()):
		if d.tor == nil {
			return nil, ErrNoTorProxy
		}
		p = d.tor
	case ap.Addr().Is4():
		p = d.ipv4
	default:
		p = d.ipv6
	}

	addr := protocol.DialAddress(ap)
	if p == nil {
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", addr)
	}
	if cd, ok := p.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return p.Dial("tcp", addr)
}
