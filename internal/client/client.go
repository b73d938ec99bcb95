package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1F47E/go-btc-seeder/internal/client/node"
	"github.com/1F47E/go-btc-seeder/internal/logger"
)

const (
	// BatchSize is how many candidates a worker asks for at once.
	BatchSize = 16
	// MaxPendingResults bounds what a worker keeps while the store refuses reports.
	MaxPendingResults = 1024
	maxPendingAddrs   = 16 * node.MaxDiscovered

	// peers not reached for this long are asked for addresses again
	harvestAge = 24 * time.Hour
	// idle workers spread their retries over this much per thread
	jitterPerThread = 500 * time.Millisecond
)

// Store is what the crawler needs from the address database.
type Store interface {
	FetchCandidates(count int) ([]node.Candidate, time.Duration)
	ReportResults(results []node.Result) error
	IngestAddresses(addrs []node.Discovered) error
}

// ProbeObserver is told about every finished probe.
type ProbeObserver interface {
	ObserveProbe(r node.Result)
}

type Options struct {
	Threads int
	Node    *node.Options
	Clock   clock.Clock
	// Observer may be nil.
	Observer ProbeObserver
}

// Stats are the crawler counters since start.
type Stats struct {
	Active     int32
	Probes     uint64
	Good       uint64
	Banned     uint64
	Discovered uint64
}

type probeFunc func(ctx context.Context, c node.Candidate, harvest bool) (node.Result, []node.Discovered)

// Client runs the crawler workers against a shared store.
type Client struct {
	ctx   context.Context
	exit  context.CancelFunc
	log   *logger.Logger
	store Store
	opts  Options
	probe probeFunc
	wg    sync.WaitGroup

	activeConns atomic.Int32
	probes      atomic.Uint64
	good        atomic.Uint64
	banned      atomic.Uint64
	discovered  atomic.Uint64
}

func NewClient(ctx context.Context, log *logger.Logger, store Store, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	cliCtx, cancel := context.WithCancel(ctx)
	c := Client{
		ctx:   cliCtx,
		exit:  cancel,
		log:   log,
		store: store,
		opts:  opts,
	}
	c.probe = c.runNode
	return &c
}

// Start launches the crawler workers and returns immediately.
func (c *Client) Start() {
	c.log.Infof("[CLIENT]: starting %d crawlers", c.opts.Threads)
	for i := 0; i < c.opts.Threads; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.wCrawler(id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Stop cancels the workers and waits for them.
func (c *Client) Stop() {
	c.log.Debug("[CLIENT]: stopping...")
	c.exit()
	c.wg.Wait()
	c.log.Debug("[CLIENT]: exited")
}

func (c *Client) Stats() Stats {
	return Stats{
		Active:     c.activeConns.Load(),
		Probes:     c.probes.Load(),
		Good:       c.good.Load(),
		Banned:     c.banned.Load(),
		Discovered: c.discovered.Load(),
	}
}

func (c *Client) runNode(ctx context.Context, cand node.Candidate, harvest bool) (node.Result, []node.Discovered) {
	n := node.NewNode(c.log, c.opts.Node, cand, harvest)
	res := n.Run(ctx)
	return res, n.Discovered()
}

func (c *Client) count(res node.Result, found int) {
	c.probes.Add(1)
	if res.Success {
		c.good.Add(1)
	}
	if res.Ban > 0 {
		c.banned.Add(1)
	}
	c.discovered.Add(uint64(found))
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveProbe(res)
	}
}
