package client

import (
	"math/rand"
	"time"

	"github.com/1F47E/go-btc-seeder/internal/client/node"
)

// crawler state kept between batches
type crawler struct {
	id           int
	rnd          *rand.Rand
	pending      []node.Result
	pendingAddrs []node.Discovered
}

// Probe candidates from the store and feed the outcome back.
func (c *Client) wCrawler(id int) {
	c.log.Debugf("[CLIENT]: CRAWLER_%d worker started", id)
	defer c.log.Debugf("[CLIENT]: CRAWLER_%d worker exited", id)

	w := &crawler{
		id:  id,
		rnd: rand.New(rand.NewSource(c.opts.Clock.Now().UnixNano() + int64(id))),
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		cands, wait := c.store.FetchCandidates(BatchSize)
		if len(cands) == 0 {
			if !c.sleep(wait + w.jitter(c.opts.Threads)) {
				return
			}
			continue
		}
		c.crawl(w, cands)
		c.report(w)
	}
}

// jitter spreads idle workers so they do not hit the store together.
func (w *crawler) jitter(threads int) time.Duration {
	n := int64(jitterPerThread) * int64(threads)
	if n <= 0 {
		return 0
	}
	return time.Duration(w.rnd.Int63n(n))
}

func (c *Client) sleep(d time.Duration) bool {
	t := c.opts.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) crawl(w *crawler, cands []node.Candidate) {
	now := c.opts.Clock.Now()
	for _, cand := range cands {
		harvest := now.Sub(cand.LastSuccess) > harvestAge
		c.activeConns.Add(1)
		res, found := c.probe(c.ctx, cand, harvest)
		c.activeConns.Add(-1)
		// aborted by shutdown, the outcome says nothing about the peer
		if c.ctx.Err() != nil {
			return
		}
		c.count(res, len(found))
		w.pending = append(w.pending, res)
		w.pendingAddrs = append(w.pendingAddrs, found...)
	}
}

// report hands results and addresses to the store. Whatever the store
// refuses is kept for the next round, oldest first to go.
func (c *Client) report(w *crawler) {
	if len(w.pending) > 0 {
		if err := c.store.ReportResults(w.pending); err != nil {
			c.log.Warnf("[CLIENT]: CRAWLER_%d failed to report %d results: %v", w.id, len(w.pending), err)
			if over := len(w.pending) - MaxPendingResults; over > 0 {
				c.log.Warnf("[CLIENT]: CRAWLER_%d dropping %d oldest results", w.id, over)
				w.pending = append(w.pending[:0], w.pending[over:]...)
			}
		} else {
			w.pending = w.pending[:0]
		}
	}
	if len(w.pendingAddrs) > 0 {
		if err := c.store.IngestAddresses(w.pendingAddrs); err != nil {
			c.log.Warnf("[CLIENT]: CRAWLER_%d failed to store %d addresses: %v", w.id, len(w.pendingAddrs), err)
			if over := len(w.pendingAddrs) - maxPendingAddrs; over > 0 {
				c.log.Warnf("[CLIENT]: CRAWLER_%d dropping %d oldest addresses", w.id, over)
				w.pendingAddrs = append(w.pendingAddrs[:0], w.pendingAddrs[over:]...)
			}
		} else {
			w.pendingAddrs = w.pendingAddrs[:0]
		}
	}
}
