package addrdb

import (
	"net/netip"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Snapshot is the persisted form of the store.
type Snapshot struct {
	Entries []Entry `json:"entries"`
	Banned  []Ban   `json:"banned"`
}

type Ban struct {
	Addr  netip.AddrPort `json:"addr"`
	Until time.Time      `json:"until"`
}

// ReportRow is one line of the reliability dump.
type ReportRow struct {
	Addr        netip.AddrPort
	Good        bool
	LastSuccess time.Time
	Uptime      [numWindows]float64
	Height      int32
	Services    wire.ServiceFlag
	Version     int32
	SubVersion  string
}

func (db *DB) Snapshot() Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()

	s := Snapshot{
		Entries: make([]Entry, 0, len(db.entries)),
		Banned:  make([]Ban, 0, len(db.banned)),
	}
	for _, e := range db.entries {
		c := *e
		c.inFlight = false
		s.Entries = append(s.Entries, c)
	}
	for addr, until := range db.banned {
		s.Banned = append(s.Banned, Ban{Addr: addr, Until: until})
	}
	return s
}

// Restore replaces the store content with a snapshot. Expired bans are
// dropped on the way in.
func (db *DB) Restore(s Snapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.now()

	db.entries = make(map[netip.AddrPort]*Entry, len(s.Entries))
	db.banned = make(map[netip.AddrPort]time.Time, len(s.Banned))
	for i := range s.Entries {
		e := s.Entries[i]
		if !e.Addr.IsValid() {
			continue
		}
		db.entries[e.Addr] = &e
	}
	for _, b := range s.Banned {
		if now.Before(b.Until) {
			db.banned[b.Addr] = b.Until
		}
	}
	db.log.Infof("[DB]: restored %d addresses, %d banned", len(db.entries), len(db.banned))
}

// Report lists every address probed at least once.
func (db *DB) Report() []ReportRow {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows := make([]ReportRow, 0, len(db.entries))
	for _, e := range db.entries {
		if e.isNew() {
			continue
		}
		rows = append(rows, ReportRow{
			Addr:        e.Addr,
			Good:        db.isGood(e),
			LastSuccess: e.LastSuccess,
			Uptime:      e.uptime(),
			Height:      e.Height,
			Services:    e.Services,
			Version:     e.Version,
			SubVersion:  e.SubVersion,
		})
	}
	return rows
}
