package main

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/multierr"

	"github.com/1F47E/go-btc-seeder/internal/addrdb"
	"github.com/1F47E/go-btc-seeder/internal/client"
	"github.com/1F47E/go-btc-seeder/internal/config"
	"github.com/1F47E/go-btc-seeder/internal/dns"
	"github.com/1F47E/go-btc-seeder/internal/gui"
	"github.com/1F47E/go-btc-seeder/internal/logger"
	"github.com/1F47E/go-btc-seeder/internal/storage"
)

const statsInterval = time.Second

// jobs are the periodic tasks around the crawler and the DNS server.
type jobs struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *addrdb.DB
	srv    *dns.Server
	client *client.Client
}

// Resolve the DNS seeds now and then and push them into the store.
func (j *jobs) wSeeder(ctx context.Context, r *dns.Resolver) error {
	j.log.Debug("[SEEDER]: worker started")
	defer j.log.Debug("[SEEDER]: worker exited")

	ticker := time.NewTicker(j.cfg.SeedInterval)
	defer ticker.Stop()
	for {
		if len(j.cfg.SeedNodes) > 0 {
			added := j.db.AddSeeds(j.cfg.SeedNodes, wire.SFNodeNetwork)
			j.log.Debugf("[SEEDER]: %d configured seed nodes, %d new", len(j.cfg.SeedNodes), added)
		}
		addrs := r.Scan(ctx)
		if len(addrs) == 0 {
			j.log.Warn("[SEEDER]: no seed nodes found")
		} else {
			added := j.db.AddSeeds(addrs, wire.SFNodeNetwork)
			j.log.Infof("[SEEDER]: %d seed nodes, %d new", len(addrs), added)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Save the database and the dumps on every tick.
func (j *jobs) wDumper(ctx context.Context) error {
	j.log.Debug("[DUMPER]: worker started")
	defer j.log.Debug("[DUMPER]: worker exited")

	ticker := time.NewTicker(j.cfg.DumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.dump(); err != nil {
				j.log.Errorf("[DUMPER]: %v", err)
			}
		}
	}
}

func (j *jobs) dump() error {
	now := time.Now()
	rows := j.db.Report()
	err := storage.Save(j.cfg.DBFilename, j.db.Snapshot())
	err = multierr.Append(err, storage.WriteDump(j.cfg.DumpFilename, rows))
	err = multierr.Append(err, storage.AppendStats(j.cfg.AddrStatsFile, storage.AddrStatsLine(now, rows)))
	if j.srv != nil {
		line := storage.DNSStatsLine(now, j.srv.Requests(), j.srv.DBQueries())
		err = multierr.Append(err, storage.AppendStats(j.cfg.DNSStatsFilename, line))
	}
	if err == nil {
		j.log.Debugf("[DUMPER]: saved %d tried addresses", len(rows))
	}
	return err
}

// Report the counters to the log, or to the dashboard when it is on.
func (j *jobs) wStats(ctx context.Context, guiCh chan gui.IncomingData) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		st := j.db.Statistics()
		cs := j.client.Stats()
		var requests, queries uint64
		if j.srv != nil {
			requests, queries = j.srv.Requests(), j.srv.DBQueries()
		}
		if guiCh == nil {
			j.log.Infof("[STATS]: %d/%d available (%d tried in %s, %d new, %d active), %d banned; %d probes (%d good, %d banned, %d addrs); %d DNS requests, %d db queries",
				st.Available, st.Tracked+st.New, st.Tracked, st.Age.Round(time.Second), st.New, cs.Active, st.Banned,
				cs.Probes, cs.Good, cs.Banned, cs.Discovered, requests, queries)
			continue
		}
		// do not block on a busy dashboard
		select {
		case guiCh <- gui.IncomingData{
			Active:    cs.Active,
			Probes:    cs.Probes,
			Succeeded: cs.Good,
			Found:     cs.Discovered,
			Tracked:   st.Tracked + st.New,
			Available: st.Available,
			Good:      st.Good,
			Banned:    st.Banned,
			Requests:  requests,
			Queries:   queries,
		}:
		default:
		}
	}
}
