package dns

import (
	"math/rand"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// addresses pulled from the store per refresh
	refreshSize = 1000
	// a quiet filter is not refreshed more often than this
	refreshAge = 5 * time.Second
	// hex digits of a filter label, excluding the x
	maxFilterDigits = 16
)

// Source is the address store as seen by the DNS path.
type Source interface {
	FetchForFilter(flags uint64, max int, ipv4, ipv6 bool) ([]netip.Addr, error)
}

// flagCache is the snapshot kept for one filter value.
type flagCache struct {
	mu        sync.Mutex
	addrs     []netip.Addr
	n4, n6    int
	refreshed time.Time
	// last failed refresh, zero once one succeeds
	failed time.Time
	hits   int
	filled bool
}

// Cache answers DNS queries from per-filter snapshots of the store. Every
// DNS worker owns one.
type Cache struct {
	src       Source
	clock     clock.Clock
	host      string
	whitelist map[uint64]struct{}

	mu      sync.Mutex
	entries map[uint64]*flagCache

	requests  atomic.Uint64
	dbQueries atomic.Uint64
}

func NewCache(src Source, host string, whitelist []uint64, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	wl := make(map[uint64]struct{}, len(whitelist))
	for _, f := range whitelist {
		wl[f] = struct{}{}
	}
	return &Cache{
		src:       src,
		clock:     clk,
		host:      normalizeName(host),
		whitelist: wl,
		entries:   make(map[uint64]*flagCache),
	}
}

// Requests is the number of names asked through AnswerQuery.
func (c *Cache) Requests() uint64 {
	return c.requests.Load()
}

// DBQueries is the number of store pulls.
func (c *Cache) DBQueries() uint64 {
	return c.dbQueries.Load()
}

func (c *Cache) entry(flags uint64) *flagCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	fc, ok := c.entries[flags]
	if !ok {
		fc = &flagCache{}
		c.entries[flags] = fc
	}
	return fc
}

// AnswerQuery resolves a queried name to a filter and samples it. The seed
// host itself means no filter, x<hex>.<host> a whitelisted one. Anything
// else gets no answers and never reaches the store.
func (c *Cache) AnswerQuery(name string, max int, ipv4, ipv6 bool) []netip.Addr {
	c.requests.Add(1)
	flags, ok := c.parseName(name)
	if !ok {
		return nil
	}
	return c.Query(flags, ipv4, ipv6, max)
}

func (c *Cache) parseName(name string) (uint64, bool) {
	name = normalizeName(name)
	if name == c.host {
		return 0, true
	}
	if len(name) < 2 || name[0] != 'x' || name[1] == '0' {
		return 0, false
	}
	dot := strings.IndexByte(name, '.')
	if dot < 2 || dot-1 > maxFilterDigits || name[dot+1:] != c.host {
		return 0, false
	}
	flags, err := strconv.ParseUint(name[1:dot], 16, 64)
	if err != nil {
		return 0, false
	}
	if _, ok := c.whitelist[flags]; !ok {
		return 0, false
	}
	return flags, true
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Query returns up to max distinct addresses of the requested families,
// refreshing the filter snapshot first when due.
func (c *Cache) Query(flags uint64, ipv4, ipv6 bool, max int) []netip.Addr {
	fc := c.entry(flags)
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.hits++
	if c.needsRefresh(fc) {
		c.refresh(fc, flags)
	}
	return fc.sample(ipv4, ipv6, max)
}

// needsRefresh is evaluated after the hit is counted. Busy filters refresh
// in proportion to their traffic, quiet ones at most every refreshAge.
func (c *Cache) needsRefresh(fc *flagCache) bool {
	// a failing store is retried at most every refreshAge
	if !fc.failed.IsZero() && c.clock.Since(fc.failed) < refreshAge {
		return false
	}
	if !fc.filled {
		return true
	}
	size := len(fc.addrs)
	if fc.hits*400 > size*size {
		return true
	}
	return fc.hits*fc.hits*20 > size && c.clock.Since(fc.refreshed) >= refreshAge
}

// refresh replaces the snapshot. On a store error the old one is kept.
func (c *Cache) refresh(fc *flagCache, flags uint64) {
	c.dbQueries.Add(1)
	ips, err := c.src.FetchForFilter(flags, refreshSize, true, true)
	if err != nil {
		fc.failed = c.clock.Now()
		return
	}
	addrs := make([]netip.Addr, 0, len(ips))
	n4, n6 := 0, 0
	for _, ip := range ips {
		ip = ip.Unmap()
		switch {
		case ip.Is4():
			n4++
		case ip.Is6():
			n6++
		default:
			continue
		}
		addrs = append(addrs, ip)
	}
	fc.addrs = addrs
	fc.n4, fc.n6 = n4, n6
	fc.hits = 0
	fc.refreshed = c.clock.Now()
	fc.failed = time.Time{}
	fc.filled = true
}

// sample draws without replacement: pick a random slot at or after i, scan
// forward to the next address of a wanted family, swap it into i.
func (fc *flagCache) sample(ipv4, ipv6 bool, max int) []netip.Addr {
	size := len(fc.addrs)
	avail := 0
	if ipv4 {
		avail += fc.n4
	}
	if ipv6 {
		avail += fc.n6
	}
	if max > size {
		max = size
	}
	if max > avail {
		max = avail
	}
	if max <= 0 {
		return nil
	}

	ret := make([]netip.Addr, 0, max)
	for i := 0; i < max; i++ {
		j := i + rand.Intn(size-i)
		for {
			a := fc.addrs[j]
			if (ipv4 && a.Is4()) || (ipv6 && a.Is6()) {
				break
			}
			j++
			if j == size {
				j = i
			}
		}
		fc.addrs[i], fc.addrs[j] = fc.addrs[j], fc.addrs[i]
		ret = append(ret, fc.addrs[i])
	}
	return ret
}
