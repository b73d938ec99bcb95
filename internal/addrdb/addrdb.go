package addrdb

import (
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/wire"

	"github.com/1F47E/go-btc-seeder/internal/client/node"
	"github.com/1F47E/go-btc-seeder/internal/logger"
	"github.com/1F47E/go-btc-seeder/internal/protocol"
)

const (
	// MinRetry is the shortest interval between two probes of one address.
	MinRetry = 1000 * time.Second

	minWait = 5 * time.Second
	maxWait = 30 * time.Second

	// consecutive failures before an address is ignored
	ignoreAfter     = 10
	baseIgnore      = 12 * time.Hour
	maxIgnore       = 10 * 24 * time.Hour
	maxBackoffShift = 4

	nodeNetwork        = wire.SFNodeNetwork
	nodeNetworkLimited = wire.ServiceFlag(1 << 10)
)

type Options struct {
	// Port is the only port whose addresses are served over DNS.
	Port           uint16
	RequireVersion int32
	RequireHeight  int32
	Clock          clock.Clock
}

// Stats is a point in time summary of the store.
type Stats struct {
	Tracked   int
	Available int
	New       int
	Banned    int
	Good      int
	Active    int
	Age       time.Duration
}

// DB is the in-memory address store shared by the crawler and the DNS
// caches. Safe for concurrent use.
type DB struct {
	log  *logger.Logger
	opts Options

	mu      sync.RWMutex
	entries map[netip.AddrPort]*Entry
	banned  map[netip.AddrPort]time.Time
}

func New(log *logger.Logger, opts Options) *DB {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &DB{
		log:     log,
		opts:    opts,
		entries: make(map[netip.AddrPort]*Entry),
		banned:  make(map[netip.AddrPort]time.Time),
	}
}

func (db *DB) now() time.Time {
	return db.opts.Clock.Now()
}

// isBanned also forgets expired bans. Caller holds the write lock.
func (db *DB) isBanned(addr netip.AddrPort, now time.Time) bool {
	until, ok := db.banned[addr]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(db.banned, addr)
	return false
}

func (db *DB) isGood(e *Entry) bool {
	if e.LastSuccess.IsZero() || !e.LastSuccess.Equal(e.LastTry) {
		return false
	}
	if e.Addr.Port() != db.opts.Port || !protocol.IsRoutable(e.Addr.Addr()) {
		return false
	}
	if e.Version < db.opts.RequireVersion || e.Height < db.opts.RequireHeight {
		return false
	}
	if e.Services&(nodeNetwork|nodeNetworkLimited) == 0 {
		return false
	}
	return e.reliable()
}

func (db *DB) retryAfter(e *Entry) time.Duration {
	if e.isNew() {
		return 0
	}
	if e.Failures == 0 {
		return MinRetry
	}
	shift := e.Failures
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return MinRetry << shift
}

func ignoreFor(failures int) time.Duration {
	shift := failures - ignoreAfter
	if shift > 8 {
		shift = 8
	}
	d := baseIgnore << shift
	if d > maxIgnore {
		return maxIgnore
	}
	return d
}

// FetchCandidates hands out up to count addresses that are due for a probe
// and marks them in flight. When nothing is due it returns how long the
// caller should wait before asking again.
func (db *DB) FetchCandidates(count int) ([]node.Candidate, time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.now()

	due := make([]*Entry, 0, count)
	next := maxWait
	for addr, e := range db.entries {
		if e.inFlight || now.Before(e.IgnoreUntil) || db.isBanned(addr, now) {
			continue
		}
		at := e.LastTry.Add(db.retryAfter(e))
		if at.After(now) {
			if wait := at.Sub(now); wait < next {
				next = wait
			}
			continue
		}
		due = append(due, e)
	}
	if len(due) == 0 {
		if next < minWait {
			next = minWait
		}
		return nil, next
	}

	// never tried first, then the longest waiting
	sort.Slice(due, func(i, j int) bool {
		return due[i].LastTry.Before(due[j].LastTry)
	})
	if len(due) > count {
		due = due[:count]
	}
	ret := make([]node.Candidate, 0, len(due))
	for _, e := range due {
		e.inFlight = true
		ret = append(ret, node.Candidate{
			Addr:        e.Addr,
			Services:    e.Services,
			LastSuccess: e.LastSuccess,
		})
	}
	return ret, 0
}

// ReportResults records probe outcomes. A banned address is dropped from
// the store and refused until the ban expires.
func (db *DB) ReportResults(results []node.Result) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.now()

	for _, r := range results {
		e, ok := db.entries[r.Addr]
		if !ok {
			continue
		}
		e.inFlight = false
		if r.Ban > 0 {
			db.banned[r.Addr] = now.Add(time.Duration(r.Ban) * time.Second)
			delete(db.entries, r.Addr)
			db.log.Debugf("[DB]: %s banned for %ds", protocol.FormatAddrPort(r.Addr), r.Ban)
			continue
		}
		if r.Success {
			e.Services = r.Services
			e.Version = r.Version
			e.SubVersion = r.SubVersion
			e.Height = r.Height
		}
		e.record(r.Success, now)
		if !r.Success && e.Failures >= ignoreAfter {
			e.IgnoreUntil = now.Add(ignoreFor(e.Failures))
			db.log.Debugf("[DB]: %s ignored until %s", protocol.FormatAddrPort(r.Addr), e.IgnoreUntil.Format(time.RFC3339))
		}
	}
	return nil
}

// IngestAddresses merges gossiped addresses. Unroutable and banned ones are
// skipped, known ones only get a fresher timestamp.
func (db *DB) IngestAddresses(addrs []node.Discovered) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.now()

	for _, d := range addrs {
		if !protocol.IsRoutable(d.Addr.Addr()) {
			continue
		}
		db.add(d.Addr, d.Services, d.Timestamp, now)
	}
	return nil
}

// AddSeeds force-adds addresses from the DNS seeds. Routability is not
// checked and a running ignore period is lifted.
func (db *DB) AddSeeds(addrs []netip.AddrPort, services wire.ServiceFlag) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.now()

	added := 0
	for _, addr := range addrs {
		if db.add(addr, services, now, now) {
			added++
			continue
		}
		if e, ok := db.entries[addr]; ok {
			e.IgnoreUntil = time.Time{}
		}
	}
	return added
}

// add reports whether a new entry was created. Caller holds the write lock.
func (db *DB) add(addr netip.AddrPort, services wire.ServiceFlag, seen, now time.Time) bool {
	if db.isBanned(addr, now) {
		return false
	}
	if e, ok := db.entries[addr]; ok {
		if seen.After(e.Seen) {
			e.Seen = seen
			if e.isNew() {
				e.Services = services
			}
		}
		return false
	}
	db.entries[addr] = &Entry{
		Addr:     addr,
		Services: services,
		Seen:     seen,
	}
	return true
}

// FetchForFilter returns up to max random good addresses whose services
// include every bit of flags.
func (db *DB) FetchForFilter(flags uint64, max int, ipv4, ipv6 bool) ([]netip.Addr, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ret := make([]netip.Addr, 0)
	for _, e := range db.entries {
		a := e.Addr.Addr()
		if protocol.IsTor(a) {
			continue
		}
		if (a.Is4() && !ipv4) || (a.Is6() && !ipv6) {
			continue
		}
		if uint64(e.Services)&flags != flags || !db.isGood(e) {
			continue
		}
		ret = append(ret, a)
	}
	rand.Shuffle(len(ret), func(i, j int) {
		ret[i], ret[j] = ret[j], ret[i]
	})
	if max >= 0 && len(ret) > max {
		ret = ret[:max]
	}
	return ret, nil
}

func (db *DB) Statistics() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	now := db.now()

	var s Stats
	var oldest time.Time
	for _, e := range db.entries {
		if e.inFlight {
			s.Active++
		}
		if e.isNew() {
			s.New++
		} else {
			s.Tracked++
			if oldest.IsZero() || e.LastTry.Before(oldest) {
				oldest = e.LastTry
			}
		}
		if !now.Before(e.IgnoreUntil) {
			s.Available++
		}
		if db.isGood(e) {
			s.Good++
		}
	}
	for _, until := range db.banned {
		if now.Before(until) {
			s.Banned++
		}
	}
	if !oldest.IsZero() {
		s.Age = now.Sub(oldest)
	}
	return s
}

// WipeBans lifts every ban and returns how many there were.
func (db *DB) WipeBans() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := len(db.banned)
	db.banned = make(map[netip.AddrPort]time.Time)
	return n
}

// ResetIgnores clears every ignore period.
func (db *DB) ResetIgnores() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, e := range db.entries {
		if !e.IgnoreUntil.IsZero() {
			e.IgnoreUntil = time.Time{}
			n++
		}
	}
	return n
}
