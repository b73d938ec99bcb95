package addrdb

import (
	"math"
	"net/netip"
	"time"

	"github.com/btcsuite/btcd/wire"
)

const numWindows = 5

// reliability windows
var windows = [numWindows]time.Duration{
	2 * time.Hour,
	8 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

const (
	w2h = iota
	w8h
	w1d
	w7d
	w30d
)

// Stat is an exponentially decaying success ratio over one window.
type Stat struct {
	Weight      float64 `json:"weight"`
	Count       float64 `json:"count"`
	Reliability float64 `json:"reliability"`
}

func (s *Stat) update(good bool, age, tau time.Duration) {
	f := math.Exp(-age.Seconds() / tau.Seconds())
	s.Reliability = s.Reliability*f + b2f(good)*(1.0-f)
	s.Count = s.Count*f + 1
	s.Weight = s.Weight*f + (1.0 - f)
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Entry is everything the store knows about one address.
type Entry struct {
	Addr        netip.AddrPort   `json:"addr"`
	Services    wire.ServiceFlag `json:"services"`
	Seen        time.Time        `json:"seen"`
	LastTry     time.Time        `json:"last_try"`
	LastSuccess time.Time        `json:"last_success"`
	Attempts    int              `json:"attempts"`
	Successes   int              `json:"successes"`
	Failures    int              `json:"failures"`
	Version     int32            `json:"version,omitempty"`
	SubVersion  string           `json:"sub_version,omitempty"`
	Height      int32            `json:"height,omitempty"`
	IgnoreUntil time.Time        `json:"ignore_until"`
	Stats       [numWindows]Stat `json:"stats"`

	inFlight bool
}

func (e *Entry) isNew() bool {
	return e.LastTry.IsZero()
}

func (e *Entry) record(good bool, now time.Time) {
	age := now.Sub(e.LastTry)
	if e.LastTry.IsZero() || age < 0 {
		age = 0
	}
	for i, tau := range windows {
		e.Stats[i].update(good, age, tau)
	}
	e.LastTry = now
	e.Attempts++
	if good {
		e.Successes++
		e.Failures = 0
		e.LastSuccess = now
		e.IgnoreUntil = time.Time{}
		return
	}
	e.Failures++
}

// reliable applies the tiered uptime thresholds: a few early successes or
// a high enough ratio over any window.
func (e *Entry) reliable() bool {
	if e.Attempts <= 3 && e.Successes*2 >= e.Attempts {
		return true
	}
	s := e.Stats
	switch {
	case s[w2h].Reliability > 0.85 && s[w2h].Count > 2:
		return true
	case s[w8h].Reliability > 0.70 && s[w8h].Count > 4:
		return true
	case s[w1d].Reliability > 0.55 && s[w1d].Count > 8:
		return true
	case s[w7d].Reliability > 0.45 && s[w7d].Count > 16:
		return true
	case s[w30d].Reliability > 0.35 && s[w30d].Count > 32:
		return true
	}
	return false
}

func (e *Entry) uptime() [numWindows]float64 {
	var u [numWindows]float64
	for i := range e.Stats {
		u[i] = e.Stats[i].Reliability
	}
	return u
}
