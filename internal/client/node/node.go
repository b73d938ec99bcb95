package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/wire"

	"github.com/1F47E/go-btc-seeder/internal/logger"
	"github.com/1F47E/go-btc-seeder/internal/protocol"
)

const (
	// BanScore is reported for protocol violations.
	BanScore = 100000
	// MaxDiscovered bounds the addresses collected by a single probe.
	MaxDiscovered = 1000
	// SeedNonce is sent in every version message so self connections
	// can be told apart.
	SeedNonce = 0x0539a019ca550825

	readBufferSize = 0x10000
	// timestamps at or below this are garbage
	timestampFloor = 100000000
	futureSlack    = 10 * time.Minute
	clampAge       = 5 * 24 * time.Hour
	maxAddrAge     = 7 * 24 * time.Hour
	handshakeGrace = time.Second
)

var errMalformed = errors.New("malformed payload")

type status int

const (
	connecting status = iota
	awaitingVersion
	awaitingVerack
	collecting
	done
	banned
)

func (s status) String() string {
	switch s {
	case connecting:
		return "connecting"
	case awaitingVersion:
		return "awaiting version"
	case awaitingVerack:
		return "awaiting verack"
	case collecting:
		return "collecting"
	case done:
		return "done"
	case banned:
		return "banned"
	default:
		return "unknown"
	}
}

// Candidate is an address handed out by the store for probing.
type Candidate struct {
	Addr        netip.AddrPort
	Services    wire.ServiceFlag
	LastSuccess time.Time
}

// Result is the outcome of one probe.
type Result struct {
	Addr       netip.AddrPort
	Ban        int
	Version    int32
	SubVersion string
	Height     int32
	Services   wire.ServiceFlag
	Success    bool
}

// Discovered is an address gossiped by a peer, timestamp already sanitized.
type Discovered struct {
	Addr      netip.AddrPort
	Services  wire.ServiceFlag
	Timestamp time.Time
}

type Dialer interface {
	DialContext(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

type Options struct {
	Codec          *protocol.Codec
	Local          protocol.LocalVersion
	ConnectTimeout time.Duration
	Timeout        time.Duration
	TorTimeout     time.Duration
	Dialer         Dialer
	Clock          clock.Clock
}

// Node probes a single peer. It is used once and owned by one goroutine.
type Node struct {
	log         *logger.Logger
	opts        *Options
	cand        Candidate
	harvest     bool
	conn        net.Conn
	reader      *protocol.Reader
	status      status
	sendVersion uint32
	recvVersion uint32
	peer        *protocol.PeerVersion
	discovered  []Discovered
	ban         int
	doneAfter   time.Time
}

// NewNode prepares a probe. With harvest set the peer is asked for
// addresses once the handshake is done.
func NewNode(log *logger.Logger, opts *Options, c Candidate, harvest bool) *Node {
	n := Node{
		log:         log,
		opts:        opts,
		cand:        c,
		harvest:     harvest,
		reader:      protocol.NewReader(opts.Codec),
		sendVersion: protocol.ChecksumVersion,
		recvVersion: protocol.ChecksumVersion,
	}
	return &n
}

func (n *Node) Endpoint() string {
	return protocol.DialAddress(n.cand.Addr)
}

// Discovered returns the addresses collected during Run.
func (n *Node) Discovered() []Discovered {
	return n.discovered
}

func (n *Node) Disconnect() bool {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
		return true
	}
	return false
}

func (n *Node) now() time.Time {
	return n.opts.Clock.Now()
}

// slow overlays get more time
func (n *Node) timeout() time.Duration {
	if protocol.IsTor(n.cand.Addr.Addr()) {
		return n.opts.TorTimeout
	}
	return n.opts.Timeout
}

// Run connects, handshakes and optionally collects addresses. It always
// returns a result and never blocks past the probe deadlines.
func (n *Node) Run(ctx context.Context) Result {
	a := fmt.Sprintf("▶︎ %s", n.Endpoint())
	n.status = connecting
	n.log.Debugf("%s connecting...", a)

	dialCtx, cancel := context.WithTimeout(ctx, n.opts.ConnectTimeout)
	conn, err := n.opts.Dialer.DialContext(dialCtx, n.cand.Addr)
	cancel()
	if err != nil {
		n.log.Debugf("%s failed to connect: %v", a, err)
		return n.result(false)
	}
	n.conn = conn
	defer func() {
		n.Disconnect()
		n.log.Debugf("%s closed (%s)", a, n.status)
	}()
	// unblock the read on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	n.status = awaitingVersion
	payload, err := protocol.EncodeVersion(n.opts.Local, n.cand.Addr, n.now())
	if err != nil {
		n.log.Errorf("%s failed to create version: %v", a, err)
		return n.result(false)
	}
	if err := n.send(wire.CmdVersion, payload); err != nil {
		n.log.Debugf("%s failed to write version: %v", a, err)
		return n.result(false)
	}
	return n.result(n.listen(ctx))
}

// listen reads until the peer is done, banned, gone or too slow.
// Returns false when the probe should count as failed.
func (n *Node) listen(ctx context.Context) bool {
	a := fmt.Sprintf("◀︎ %s", n.Endpoint())
	buf := make([]byte, readBufferSize)
	for n.status != done && n.status != banned {
		now := n.now()
		var deadline time.Time
		if n.doneAfter.IsZero() {
			deadline = now.Add(n.timeout())
		} else {
			if !n.doneAfter.After(now) {
				return true
			}
			deadline = n.doneAfter
		}
		if err := n.conn.SetReadDeadline(deadline); err != nil {
			return false
		}

		cnt, err := n.conn.Read(buf)
		if cnt > 0 {
			n.reader.Write(buf[:cnt])
			if perr := n.processMessages(); perr != nil {
				n.log.Debugf("%s %v", a, perr)
				return false
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// the deadline only counts as failure before the handshake
				return !n.doneAfter.IsZero()
			}
			if ctx.Err() != nil {
				n.log.Debugf("%s context done", a)
				return false
			}
			n.log.Debugf("%s read failed: %v", a, err)
			return false
		}
	}
	return n.status == done
}

// processMessages drains every complete message in arrival order.
func (n *Node) processMessages() error {
	for n.status != done {
		msg, err := n.reader.Next(n.recvVersion)
		if err != nil {
			n.log.Warnf("▶︎ %s BAD: %v", n.Endpoint(), err)
			n.ban = BanScore
			n.status = banned
			return nil
		}
		if msg == nil {
			return nil
		}
		if err := n.handle(msg); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) handle(msg *protocol.Message) error {
	switch msg.Command {
	case wire.CmdVersion:
		return n.onVersion(msg.Payload)
	case wire.CmdVerAck:
		return n.onVerAck()
	case wire.CmdAddr:
		if n.harvest {
			return n.onAddr(msg.Payload)
		}
	}
	return nil
}

func (n *Node) onVersion(payload []byte) error {
	v, err := protocol.DecodeVersion(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	n.peer = v
	n.log.Debugf("◀︎ %s version %d %s height %d", n.Endpoint(), v.Version, v.SubVersion, v.Height)

	if v.Version >= protocol.ChecksumVersion {
		if err := n.send(wire.CmdVerAck, nil); err != nil {
			return err
		}
	}
	n.sendVersion = negotiate(v.Version, n.opts.Local.Pver)
	if v.Version < protocol.ChecksumVersion {
		// no verack is coming
		n.recvVersion = negotiate(v.Version, n.opts.Local.Pver)
		return n.gotVersion()
	}
	n.status = awaitingVerack
	return nil
}

func (n *Node) onVerAck() error {
	if n.status != awaitingVerack {
		return nil
	}
	n.recvVersion = negotiate(n.peer.Version, n.opts.Local.Pver)
	return n.gotVersion()
}

func (n *Node) gotVersion() error {
	n.status = collecting
	if !n.harvest {
		n.doneAfter = n.now().Add(handshakeGrace)
		return nil
	}
	if err := n.send(wire.CmdGetAddr, nil); err != nil {
		return err
	}
	n.doneAfter = n.now().Add(n.timeout())
	return nil
}

func (n *Node) onAddr(payload []byte) error {
	addrs, err := protocol.DecodeAddr(payload, n.recvVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	now := n.now()
	// a burst means the peer is done gossiping
	if len(addrs) > 1 {
		if n.doneAfter.IsZero() || n.doneAfter.After(now.Add(handshakeGrace)) {
			n.doneAfter = now.Add(handshakeGrace)
		}
	}
	for _, na := range addrs {
		if len(n.discovered) >= MaxDiscovered {
			n.status = done
			return nil
		}
		ap, ok := protocol.FromNetAddress(na)
		if !ok {
			continue
		}
		ts := SanitizeTimestamp(na.Timestamp, now)
		if !ts.After(now.Add(-maxAddrAge)) {
			continue
		}
		n.discovered = append(n.discovered, Discovered{
			Addr:      ap,
			Services:  na.Services,
			Timestamp: ts,
		})
	}
	n.log.Debugf("◀︎ %s got %d addresses, %d total", n.Endpoint(), len(addrs), len(n.discovered))
	return nil
}

// SanitizeTimestamp clamps implausible advertised times to five days ago.
func SanitizeTimestamp(ts, now time.Time) time.Time {
	if ts.Unix() <= timestampFloor || ts.After(now.Add(futureSlack)) {
		return now.Add(-clampAge)
	}
	return ts
}

func (n *Node) send(command string, payload []byte) error {
	if n.conn == nil {
		return fmt.Errorf("no connection")
	}
	msg, err := n.opts.Codec.Encode(command, payload, n.sendVersion)
	if err != nil {
		return err
	}
	if err := n.conn.SetWriteDeadline(n.now().Add(n.timeout())); err != nil {
		return err
	}
	if _, err := n.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", command, err)
	}
	return nil
}

func (n *Node) result(ok bool) Result {
	res := Result{
		Addr:    n.cand.Addr,
		Ban:     n.ban,
		Success: ok && n.ban == 0,
	}
	if n.peer != nil {
		res.Version = n.peer.Version
		res.SubVersion = n.peer.SubVersion
		res.Height = n.peer.Height
		res.Services = n.peer.Services
	}
	return res
}

func negotiate(peer int32, local uint32) uint32 {
	if peer < 0 {
		return 0
	}
	if uint32(peer) < local {
		return uint32(peer)
	}
	return local
}
