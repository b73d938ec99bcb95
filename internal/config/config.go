package config

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/1F47E/go-btc-seeder/internal/protocol"
)

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

const Version = "0.3.0"

// service bits used to build the default filter whitelist
const (
	nodeNetwork        = uint64(wire.SFNodeNetwork)
	nodeBloom          = uint64(wire.SFNodeBloom)
	nodeWitness        = uint64(wire.SFNodeWitness)
	nodeCompactFilters = uint64(wire.SFNodeCF)
	nodeNetworkLimited = uint64(1 << 10)
)

type Config struct {
	Network Network

	// Wire
	Btcnet         wire.BitcoinNet
	Pver           uint32
	NodesPort      uint16
	UserAgent      string
	BestHeight     int32
	RequireVersion int32
	RequireHeight  int32

	// Crawler
	Threads        int
	ConnectTimeout time.Duration
	NodeTimeout    time.Duration
	TorTimeout     time.Duration
	TorProxy       string
	IPv4Proxy      string
	IPv6Proxy      string

	// DNS server
	Host       string
	NS         string
	Mbox       string
	Port       int
	DNSThreads int
	DataTTL    uint32
	NSTTL      uint32
	Filters    []uint64

	// Seeds resolver
	DnsAddress   string
	DnsTimeout   time.Duration
	DnsSeeds     []string
	SeedNodes    []netip.AddrPort
	SeedInterval time.Duration

	// Storage
	DataDir          string
	DBFilename       string
	DumpFilename     string
	DNSStatsFilename string
	AddrStatsFile    string
	DumpInterval     time.Duration
	WipeBan          bool
	WipeIgnore       bool

	MetricsAddr string
	Debug       bool
	GUI         bool
}

// New builds the config from the network preset, the environment and
// the command line, in that order of precedence.
func New(args []string) (*Config, error) {
	cfg := &Config{
		// cloudflare dns
		DnsAddress: "1.1.1.1:53",

		Pver:           wire.ProtocolVersion, // 70016
		RequireVersion: int32(wire.SendHeadersVersion),
		ConnectTimeout: 5 * time.Second,
		NodeTimeout:    30 * time.Second,
		TorTimeout:     120 * time.Second,
		Threads:        96,
		DNSThreads:     4,
		Port:           53,
		DataTTL:        3600,
		NSTTL:          40000,
		SeedInterval:   30 * time.Minute,
		DumpInterval:   5 * time.Minute,
		DataDir:        "data",
		UserAgent:      "/go-btc-seeder:" + Version + "/",
	}
	cfg.Debug = os.Getenv("DEBUG") == "1"
	cfg.GUI = os.Getenv("GUI") == "1"

	fs := flag.NewFlagSet("seeder", flag.ContinueOnError)
	testnet := fs.Bool("testnet", os.Getenv("TESTNET") == "1", "Use testnet")
	fs.StringVar(&cfg.Host, "h", "", "Hostname of the DNS seed")
	fs.StringVar(&cfg.NS, "n", "", "Hostname of the nameserver")
	fs.StringVar(&cfg.Mbox, "m", "", "E-Mail address reported in SOA records")
	fs.IntVar(&cfg.Threads, "t", cfg.Threads, "Number of crawlers to run in parallel")
	fs.IntVar(&cfg.DNSThreads, "d", cfg.DNSThreads, "Number of DNS server workers")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "UDP/TCP port to listen on")
	fs.StringVar(&cfg.TorProxy, "o", "", "Tor proxy IP/Port")
	fs.StringVar(&cfg.IPv4Proxy, "i", "", "IPV4 SOCKS5 proxy IP/Port")
	fs.StringVar(&cfg.IPv6Proxy, "k", "", "IPV6 SOCKS5 proxy IP/Port")
	seeds := fs.String("s", "", "Extra seed nodes to crawl (ip:port or onion:port, comma separated)")
	filters := fs.String("w", "", "Allow these flag combinations as filters (f1,f2,...)")
	fs.BoolVar(&cfg.WipeBan, "wipeban", false, "Wipe list of banned nodes")
	fs.BoolVar(&cfg.WipeIgnore, "wipeignore", false, "Wipe list of ignored nodes")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "Serve prometheus metrics on this address")
	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "Directory for the database and dumps")
	height := fs.Int("height", -1, "Best known block height reported to peers")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *testnet {
		cfg.Network = NetworkTestnet
		cfg.Btcnet = wire.TestNet3
		cfg.DnsTimeout = 10 * time.Second
		cfg.NodesPort = 18333
		cfg.BestHeight = 2500000
		cfg.RequireHeight = 500000
		cfg.DnsSeeds = []string{
			"testnet-seed.bitcoin.jonasschnelli.ch",
			"seed.tbtc.petertodd.org",
			"seed.testnet.bitcoin.sprovoost.nl",
			"testnet-seed.bluematt.me",
		}
	} else {
		cfg.Network = NetworkMainnet
		cfg.Btcnet = wire.MainNet
		cfg.DnsTimeout = 5 * time.Second
		cfg.NodesPort = 8333
		cfg.BestHeight = 800000
		cfg.RequireHeight = 350000
		cfg.DnsSeeds = []string{
			"dnsseed.emzy.de",
			"dnsseed.bluematt.me",
			"dnsseed.bitcoin.dashjr.org",
			"seed.bitcoin.sipa.be",
			"seed.bitcoinstats.com",
			"seed.bitcoin.jonasschnelli.ch",
			"seed.btc.petertodd.org",
			"seed.bitcoin.sprovoost.nl",
			"seed.bitcoin.wiz.biz",
			"seed.bitnodes.io",
		}
	}
	if *height >= 0 {
		cfg.BestHeight = int32(*height)
	}
	suffix := string(cfg.Network)
	cfg.DBFilename = filepath.Join(cfg.DataDir, "dnsseed_"+suffix+".json")
	cfg.DumpFilename = filepath.Join(cfg.DataDir, "dnsseed_"+suffix+".dump")
	cfg.DNSStatsFilename = filepath.Join(cfg.DataDir, "dnsstats_"+suffix+".log")
	cfg.AddrStatsFile = filepath.Join(cfg.DataDir, "addrstats_"+suffix+".log")

	var err error
	cfg.SeedNodes, err = ParseSeedNodes(*seeds)
	if err != nil {
		return nil, err
	}
	cfg.Filters, err = ParseFilters(*filters)
	if err != nil {
		return nil, err
	}
	if len(cfg.Filters) == 0 {
		cfg.Filters = DefaultFilters()
	}
	return cfg, nil
}

// DNSEnabled reports whether the DNS server should be started at all.
func (c *Config) DNSEnabled() bool {
	return c.NS != ""
}

// Validate ensures config fields follow reasonable constraints.
func (c *Config) Validate() error {
	if c.Host != "" && c.NS == "" {
		return errors.New("nameserver is required when a host is set (-n)")
	}
	if c.DNSEnabled() && c.Host == "" {
		return errors.New("no hostname set, please use -h")
	}
	if c.DNSEnabled() && c.Mbox == "" {
		return errors.New("no e-mail address set, please use -m")
	}
	if c.Threads <= 0 || c.Threads >= 1000 {
		return fmt.Errorf("threads must be in 1..999, got %d", c.Threads)
	}
	if c.DNSThreads <= 0 || c.DNSThreads >= 1000 {
		return fmt.Errorf("dns threads must be in 1..999, got %d", c.DNSThreads)
	}
	if c.Port <= 0 || c.Port >= 65536 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// ParseFilters reads a comma separated list of service flag combinations.
// Values accept the 0x / 0 prefixes.
func ParseFilters(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	seen := make(map[uint64]struct{})
	ret := make([]uint64, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", part, err)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		ret = append(ret, v)
	}
	return ret, nil
}

// ParseSeedNodes reads a comma separated list of peer addresses.
func ParseSeedNodes(s string) ([]netip.AddrPort, error) {
	ret := make([]netip.AddrPort, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ap, err := protocol.ParseAddrPort(part)
		if err != nil {
			return nil, fmt.Errorf("invalid seed node %q: %w", part, err)
		}
		ret = append(ret, ap)
	}
	return ret, nil
}

func DefaultFilters() []uint64 {
	return []uint64{
		nodeNetwork,
		nodeNetwork | nodeBloom,
		nodeNetwork | nodeWitness,
		nodeNetwork | nodeWitness | nodeCompactFilters,
		nodeNetwork | nodeWitness | nodeBloom,
		nodeNetworkLimited,
		nodeNetworkLimited | nodeBloom,
		nodeNetworkLimited | nodeWitness,
		nodeNetworkLimited | nodeWitness | nodeCompactFilters,
		nodeNetworkLimited | nodeWitness | nodeBloom,
	}
}
