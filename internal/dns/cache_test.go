package dns

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	addrs []netip.Addr
	err   error
	calls int
	flags []uint64
}

func (f *fakeSource) FetchForFilter(flags uint64, max int, ipv4, ipv6 bool) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.flags = append(f.flags, flags)
	if f.err != nil {
		return nil, f.err
	}
	ret := make([]netip.Addr, 0, len(f.addrs))
	ret = append(ret, f.addrs...)
	if len(ret) > max {
		ret = ret[:max]
	}
	return ret, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testAddrs(n4, n6 int) []netip.Addr {
	ret := make([]netip.Addr, 0, n4+n6)
	for i := 0; i < n4; i++ {
		ret = append(ret, netip.AddrFrom4([4]byte{11, 0, byte(i >> 8), byte(i)}))
	}
	for i := 0; i < n6; i++ {
		b := netip.MustParseAddr("2001:4860::").As16()
		b[14], b[15] = byte(i>>8), byte(i)
		ret = append(ret, netip.AddrFrom16(b))
	}
	return ret
}

func newTestCache(n4, n6 int) (*Cache, *fakeSource, *clock.Mock) {
	src := &fakeSource{addrs: testAddrs(n4, n6)}
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	c := NewCache(src, "seed.example.com", []uint64{1, 9, 0x409}, mock)
	return c, src, mock
}

func TestCacheFirstQueryRefreshes(t *testing.T) {
	c, src, _ := newTestCache(100, 0)
	got := c.Query(0, true, true, 10)
	assert.Len(t, got, 10)
	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, uint64(1), c.DBQueries())
}

func TestCacheRefreshOnTraffic(t *testing.T) {
	c, src, _ := newTestCache(100, 0)
	c.Query(0, true, true, 1)

	// 25*400 == 100*100, not above
	for i := 0; i < 25; i++ {
		c.Query(0, true, true, 1)
	}
	assert.Equal(t, 1, src.Calls())

	c.Query(0, true, true, 1)
	assert.Equal(t, 2, src.Calls())
}

func TestCacheRefreshOnAge(t *testing.T) {
	c, src, mock := newTestCache(100, 0)
	c.Query(0, true, true, 1)

	// hits 1 and 2: 2*2*20 = 80 is not above 100
	c.Query(0, true, true, 1)
	mock.Add(time.Minute)
	c.Query(0, true, true, 1)
	assert.Equal(t, 1, src.Calls())

	// hits 3: above 100 but too young
	c2, src2, mock2 := newTestCache(100, 0)
	c2.Query(0, true, true, 1)
	c2.Query(0, true, true, 1)
	c2.Query(0, true, true, 1)
	mock2.Add(4999 * time.Millisecond)
	c2.Query(0, true, true, 1)
	assert.Equal(t, 1, src2.Calls())

	mock2.Add(time.Millisecond)
	c2.Query(0, true, true, 1)
	assert.Equal(t, 2, src2.Calls())
}

func TestCacheRefreshAgeAfterTraffic(t *testing.T) {
	c, src, mock := newTestCache(100, 0)
	c.Query(0, true, true, 1)
	mock.Add(5 * time.Second)

	c.Query(0, true, true, 1)
	c.Query(0, true, true, 1)
	assert.Equal(t, 1, src.Calls())
	// third hit: 9*20 > 100 and 5s elapsed
	c.Query(0, true, true, 1)
	assert.Equal(t, 2, src.Calls())
}

func TestCacheServesStaleOnError(t *testing.T) {
	c, src, _ := newTestCache(100, 0)
	require.Len(t, c.Query(0, true, true, 5), 5)

	src.mu.Lock()
	src.err = errors.New("store down")
	src.mu.Unlock()
	for i := 0; i < 30; i++ {
		assert.Len(t, c.Query(0, true, true, 5), 5)
	}
	assert.Greater(t, src.Calls(), 1)
}

func TestCacheFailedRefreshWaits(t *testing.T) {
	c, src, mock := newTestCache(100, 0)
	src.mu.Lock()
	src.err = errors.New("store down")
	src.mu.Unlock()

	for i := 0; i < 50; i++ {
		assert.Empty(t, c.Query(0, true, true, 5))
	}
	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, uint64(1), c.DBQueries())

	mock.Add(4999 * time.Millisecond)
	c.Query(0, true, true, 5)
	assert.Equal(t, 1, src.Calls())

	// store back, next retry fills the snapshot
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	mock.Add(time.Millisecond)
	assert.Len(t, c.Query(0, true, true, 5), 5)
	assert.Equal(t, 2, src.Calls())
	assert.Equal(t, uint64(2), c.DBQueries())
}

func TestCacheFailedTrafficRefreshWaits(t *testing.T) {
	c, src, mock := newTestCache(100, 0)
	c.Query(0, true, true, 1)
	src.mu.Lock()
	src.err = errors.New("store down")
	src.mu.Unlock()

	// 26th hit asks the store and fails, the busy filter then backs off
	for i := 0; i < 100; i++ {
		assert.Len(t, c.Query(0, true, true, 1), 1)
	}
	assert.Equal(t, 2, src.Calls())

	mock.Add(5 * time.Second)
	c.Query(0, true, true, 1)
	assert.Equal(t, 3, src.Calls())
}

func TestCacheEmptyStore(t *testing.T) {
	c, _, _ := newTestCache(0, 0)
	assert.Empty(t, c.Query(0, true, true, 10))
	assert.Empty(t, c.Query(0, true, true, 10))
}

func TestCacheSampling(t *testing.T) {
	tests := []struct {
		name       string
		ipv4, ipv6 bool
		max        int
		want       int
	}{
		{"ipv4 only", true, false, 100, 60},
		{"ipv6 only", false, true, 10, 10},
		{"ipv6 all", false, true, 100, 40},
		{"both", true, true, 1000, 100},
		{"both capped", true, true, 25, 25},
		{"none", false, false, 10, 0},
		{"zero max", true, true, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestCache(60, 40)
			for round := 0; round < 20; round++ {
				got := c.Query(0, tt.ipv4, tt.ipv6, tt.max)
				require.Len(t, got, tt.want)
				seen := make(map[netip.Addr]struct{}, len(got))
				for _, a := range got {
					_, dup := seen[a]
					require.False(t, dup, "duplicate %s", a)
					seen[a] = struct{}{}
					if a.Is4() {
						require.True(t, tt.ipv4)
					} else {
						require.True(t, tt.ipv6)
					}
				}
			}
		})
	}
}

func TestAnswerQueryNames(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		flags    uint64
		answered bool
	}{
		{"seed host", "seed.example.com", 0, true},
		{"fqdn", "seed.example.com.", 0, true},
		{"case insensitive", "SEED.Example.COM.", 0, true},
		{"whitelisted filter", "x9.seed.example.com.", 9, true},
		{"multi digit", "x409.seed.example.com", 0x409, true},
		{"filter not whitelisted", "x8.seed.example.com", 0, false},
		{"leading zero", "x09.seed.example.com", 0, false},
		{"no digits", "x.seed.example.com", 0, false},
		{"not hex", "xz.seed.example.com", 0, false},
		{"too many digits", "x10000000000000009.seed.example.com", 0, false},
		{"other zone", "x9.other.example.com", 0, false},
		{"other host", "www.seed.example.com", 0, false},
		{"unrelated", "example.org", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, src, _ := newTestCache(10, 0)
			got := c.AnswerQuery(tt.query, 5, true, true)
			assert.Equal(t, uint64(1), c.Requests())
			if !tt.answered {
				assert.Empty(t, got)
				assert.Zero(t, src.Calls())
				return
			}
			assert.Len(t, got, 5)
			require.Equal(t, 1, src.Calls())
			assert.Equal(t, tt.flags, src.flags[0])
		})
	}
}

func TestCachePerFilterEntries(t *testing.T) {
	c, src, _ := newTestCache(10, 0)
	c.AnswerQuery("seed.example.com", 5, true, true)
	c.AnswerQuery("x9.seed.example.com", 5, true, true)
	c.AnswerQuery("x1.seed.example.com", 5, true, true)
	assert.Equal(t, 3, src.Calls())
	assert.Equal(t, uint64(3), c.Requests())
	assert.Equal(t, []uint64{0, 9, 1}, src.flags)
}
