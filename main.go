package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/1F47E/go-btc-seeder/internal/addrdb"
	"github.com/1F47E/go-btc-seeder/internal/client"
	"github.com/1F47E/go-btc-seeder/internal/client/node"
	"github.com/1F47E/go-btc-seeder/internal/config"
	"github.com/1F47E/go-btc-seeder/internal/dns"
	"github.com/1F47E/go-btc-seeder/internal/gui"
	"github.com/1F47E/go-btc-seeder/internal/logger"
	"github.com/1F47E/go-btc-seeder/internal/metrics"
	"github.com/1F47E/go-btc-seeder/internal/printer"
	"github.com/1F47E/go-btc-seeder/internal/protocol"
	"github.com/1F47E/go-btc-seeder/internal/storage"
)

func main() {
	cfg, err := config.New(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "seeder: %v\n", err)
		os.Exit(2)
	}
	if err := storage.Bootstrap(cfg.DataDir); err != nil {
		fmt.Fprintf(os.Stderr, "seeder: %v\n", err)
		os.Exit(1)
	}

	// the dashboard owns the terminal, logs go to a file and to the dashboard
	var logsCh chan string
	if cfg.GUI {
		logsCh = make(chan string, 100)
	} else {
		printer.Banner(string(cfg.Network), config.Version)
	}
	log := logger.New(logsCh, cfg.Debug, filepath.Join(cfg.DataDir, "seeder.log"))
	err = run(cfg, log, logsCh)
	// closes the log file when the dashboard was on
	log.ResetToStdout()
	if err != nil {
		log.Errorf("exited with error: %v", err)
		os.Exit(1)
	}
	log.Info("bye")
}

func run(cfg *config.Config, log *logger.Logger, logsCh chan string) error {
	// context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := addrdb.New(log, addrdb.Options{
		Port:           cfg.NodesPort,
		RequireVersion: cfg.RequireVersion,
		RequireHeight:  cfg.RequireHeight,
	})
	if err := loadDB(log, cfg, db); err != nil {
		return err
	}

	dialer, err := node.NewProxyDialer(cfg.TorProxy, cfg.IPv4Proxy, cfg.IPv6Proxy)
	if err != nil {
		return err
	}
	nodeOpts := &node.Options{
		Codec: protocol.NewCodec(cfg.Btcnet),
		Local: protocol.LocalVersion{
			Pver:      cfg.Pver,
			Nonce:     node.SeedNonce,
			Height:    cfg.BestHeight,
			UserAgent: cfg.UserAgent,
		},
		ConnectTimeout: cfg.ConnectTimeout,
		Timeout:        cfg.NodeTimeout,
		TorTimeout:     cfg.TorTimeout,
		Dialer:         dialer,
		Clock:          clock.New(),
	}

	var m *metrics.Metrics
	clientOpts := client.Options{Threads: cfg.Threads, Node: nodeOpts}
	if cfg.MetricsAddr != "" {
		m = metrics.New(log)
		m.RegisterStore(db.Statistics)
		clientOpts.Observer = m
	}

	var srv *dns.Server
	if cfg.DNSEnabled() {
		caches := make([]*dns.Cache, 0, cfg.DNSThreads)
		for i := 0; i < cfg.DNSThreads; i++ {
			caches = append(caches, dns.NewCache(db, cfg.Host, cfg.Filters, clock.New()))
		}
		srv = dns.NewServer(log, dns.ServerOptions{
			Host:    cfg.Host,
			NS:      cfg.NS,
			Mbox:    cfg.Mbox,
			Port:    cfg.Port,
			DataTTL: cfg.DataTTL,
			NSTTL:   cfg.NSTTL,
		}, caches)
		if m != nil {
			m.RegisterDNS(srv.Requests, srv.DBQueries)
		}
	} else {
		log.Warn("[DNS]: no nameserver set, not starting the DNS server")
	}

	g, gctx := errgroup.WithContext(ctx)
	j := &jobs{cfg: cfg, log: log, db: db, srv: srv}

	resolver := dns.NewResolver(log, cfg.DnsSeeds, cfg.DnsAddress, cfg.DnsTimeout, cfg.NodesPort)
	g.Go(func() error { return j.wSeeder(gctx, resolver) })

	// CLIENT
	c := client.NewClient(gctx, log, db, clientOpts)
	j.client = c
	c.Start()
	g.Go(func() error {
		c.Wait()
		return nil
	})

	if srv != nil {
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}
	g.Go(func() error { return j.wDumper(gctx) })

	var guiCh chan gui.IncomingData
	if cfg.GUI {
		guiCh = make(chan gui.IncomingData, 42)
		ui := gui.New(gctx, guiCh, logsCh, cfg.Threads)
		g.Go(func() error {
			err := ui.Start()
			// quitting the dashboard stops the seeder
			stop()
			return err
		})
	}
	g.Go(func() error { return j.wStats(gctx, guiCh) })

	if m != nil {
		g.Go(func() error { return m.Serve(gctx, cfg.MetricsAddr) })
	}

	err = g.Wait()
	log.Info("shutting down, saving the database")
	return multierr.Append(err, j.dump())
}

func loadDB(log *logger.Logger, cfg *config.Config, db *addrdb.DB) error {
	var snap addrdb.Snapshot
	err := storage.Load(cfg.DBFilename, &snap)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Infof("[DB]: no database at %s, starting empty", cfg.DBFilename)
	case err != nil:
		return fmt.Errorf("failed to load database: %w", err)
	default:
		db.Restore(snap)
	}
	if cfg.WipeBan {
		log.Infof("[DB]: lifted %d bans", db.WipeBans())
	}
	if cfg.WipeIgnore {
		log.Infof("[DB]: reset %d ignored addresses", db.ResetIgnores())
	}
	return nil
}
