// Package dns resolves the bootstrap seeds and serves the seed zone.
package dns

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/1F47E/go-btc-seeder/internal/logger"
)

// Resolver asks the well known DNS seeds for peers.
type Resolver struct {
	log       *logger.Logger
	dnsSeeds  []string
	dnsServer string
	timeout   time.Duration
	port      uint16
}

func NewResolver(log *logger.Logger, seeds []string, server string, timeout time.Duration, port uint16) *Resolver {
	return &Resolver{
		log:       log,
		dnsSeeds:  seeds,
		dnsServer: server,
		timeout:   timeout,
		port:      port,
	}
}

// Scan resolves A and AAAA records of every seed and returns the unique
// addresses with the network port attached.
func (d *Resolver) Scan(ctx context.Context) []netip.AddrPort {
	ips := make(map[netip.Addr]struct{}, 0)
	c := new(dns.Client)
	c.Net = "tcp"
	c.Timeout = d.timeout
	for _, seed := range d.dnsSeeds {
		if ctx.Err() != nil {
			break
		}
		d.log.Debugf("[DNS]:[%s] asking for nodes", seed)
		found := 0
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			m := new(dns.Msg)
			m.SetQuestion(dns.Fqdn(seed), qtype)
			in, _, err := c.ExchangeContext(ctx, m, d.dnsServer)
			if err != nil {
				d.log.Warnf("[DNS]:[%s] error %v", seed, err)
				continue
			}
			// loop through dns records
			for _, ans := range in.Answer {
				var ip netip.Addr
				var ok bool
				switch rr := ans.(type) {
				case *dns.A:
					ip, ok = netip.AddrFromSlice(rr.A)
				case *dns.AAAA:
					ip, ok = netip.AddrFromSlice(rr.AAAA)
				default:
					continue
				}
				if !ok {
					d.log.Warnf("[DNS]:[%s] invalid dns record, skipping", seed)
					continue
				}
				// only add new ones
				ip = ip.Unmap()
				if _, ok := ips[ip]; ok {
					d.log.Debugf("[DNS]:[%s] got duplicate ip %v", seed, ip)
					continue
				}
				ips[ip] = struct{}{}
				found++
			}
		}
		if found > 0 {
			d.log.Infof("[DNS]:[%s] found %d new nodes", seed, found)
		} else {
			d.log.Debugf("[DNS]:[%s] no new nodes", seed)
		}
	}
	d.log.Infof("[DNS]: finished scan. Got %d nodes from %d seeds", len(ips), len(d.dnsSeeds))
	ret := make([]netip.AddrPort, 0, len(ips))
	for ip := range ips {
		ret = append(ret, netip.AddrPortFrom(ip, d.port))
	}
	return ret
}
