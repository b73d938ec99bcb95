package dns

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/1F47E/go-btc-seeder/internal/logger"
)

const (
	// classic UDP payload limit without EDNS
	udpSize    = 512
	headerSize = 12
	// answer sizes with a compressed owner name
	aRecordSize    = 16
	aaaaRecordSize = 28

	soaRefresh = 604800
	soaRetry   = 86400
	soaExpire  = 2592000
	soaMinTTL  = 604800
)

type ServerOptions struct {
	Host    string
	NS      string
	Mbox    string
	Listen  string
	Port    int
	DataTTL uint32
	NSTTL   uint32
}

type listener struct {
	srv     *dns.Server
	started chan struct{}
	exited  chan struct{}
}

// Server is the authoritative responder for the seed zone. Each cache gets
// its own UDP and TCP listener sharing the port.
type Server struct {
	log       *logger.Logger
	opts      ServerOptions
	zone      string
	caches    []*Cache
	listeners []*listener
}

func NewServer(log *logger.Logger, opts ServerOptions, caches []*Cache) *Server {
	s := &Server{
		log:    log,
		opts:   opts,
		zone:   dns.Fqdn(strings.ToLower(opts.Host)),
		caches: caches,
	}
	addr := net.JoinHostPort(opts.Listen, strconv.Itoa(opts.Port))
	for _, c := range caches {
		for _, network := range []string{"udp", "tcp"} {
			l := &listener{
				started: make(chan struct{}),
				exited:  make(chan struct{}),
			}
			l.srv = &dns.Server{
				Addr:              addr,
				Net:               network,
				ReusePort:         true,
				Handler:           s.Handler(c),
				NotifyStartedFunc: func() { close(l.started) },
			}
			s.listeners = append(s.listeners, l)
		}
	}
	return s
}

// ListenAndServe blocks until ctx is done or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.listeners {
		l := l
		g.Go(func() error {
			defer close(l.exited)
			s.log.Debugf("[DNS]: listening on %s/%s", l.srv.Addr, l.srv.Net)
			return l.srv.ListenAndServe()
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})
	s.log.Infof("[DNS]: serving %s with %d workers on port %d", s.opts.Host, len(s.caches), s.opts.Port)
	return g.Wait()
}

// Shutdown stops every listener once it has either started or failed.
// It must only be used while ListenAndServe runs.
func (s *Server) Shutdown() error {
	var err error
	for _, l := range s.listeners {
		select {
		case <-l.started:
			err = multierr.Append(err, l.srv.Shutdown())
		case <-l.exited:
		}
	}
	return err
}

// Requests sums the requests seen by every worker.
func (s *Server) Requests() uint64 {
	var n uint64
	for _, c := range s.caches {
		n += c.Requests()
	}
	return n
}

func (s *Server) DBQueries() uint64 {
	var n uint64
	for _, c := range s.caches {
		n += c.DBQueries()
	}
	return n
}

// Handler answers from cache c.
func (s *Server) Handler(c *Cache) dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := s.answer(c, r, w.RemoteAddr().Network())
		if err := w.WriteMsg(m); err != nil {
			s.log.Debugf("[DNS]: failed to write answer: %v", err)
		}
	})
}

func (s *Server) inZone(name string) bool {
	name = strings.ToLower(dns.Fqdn(name))
	return name == s.zone || strings.HasSuffix(name, "."+s.zone)
}

func (s *Server) answer(c *Cache, r *dns.Msg, network string) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.Compress = true

	if r.Opcode != dns.OpcodeQuery || len(r.Question) != 1 {
		m.SetRcode(r, dns.RcodeNotImplemented)
		return m
	}
	q := r.Question[0]
	if q.Qclass != dns.ClassINET && q.Qclass != dns.ClassANY {
		m.SetRcode(r, dns.RcodeNotImplemented)
		return m
	}
	if !s.inZone(q.Name) {
		m.Authoritative = false
		m.SetRcode(r, dns.RcodeRefused)
		return m
	}

	size := udpSize
	if opt := r.IsEdns0(); opt != nil && int(opt.UDPSize()) > size {
		size = int(opt.UDPSize())
	}
	if network == "tcp" {
		size = dns.MaxMsgSize
	}
	room := size - headerSize - len(q.Name) - 4

	apex := strings.EqualFold(dns.Fqdn(q.Name), s.zone)
	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeANY:
		ipv4 := q.Qtype != dns.TypeAAAA
		ipv6 := q.Qtype != dns.TypeA
		per := aRecordSize
		if ipv6 {
			per = aaaaRecordSize
		}
		for _, ip := range c.AnswerQuery(q.Name, room/per, ipv4, ipv6) {
			m.Answer = append(m.Answer, s.addrRecord(q.Name, ip))
		}
		if q.Qtype == dns.TypeANY && apex {
			m.Answer = append(m.Answer, s.nsRecord(), s.soaRecord())
		}
	case dns.TypeNS:
		if apex {
			m.Answer = append(m.Answer, s.nsRecord())
		}
	case dns.TypeSOA:
		if apex {
			m.Answer = append(m.Answer, s.soaRecord())
		}
	}
	if len(m.Answer) == 0 {
		m.Ns = append(m.Ns, s.soaRecord())
	}
	m.Truncate(size)
	return m
}

func (s *Server) addrRecord(name string, ip netip.Addr) dns.RR {
	hdr := dns.RR_Header{Name: name, Class: dns.ClassINET, Ttl: s.opts.DataTTL}
	if ip.Is4() {
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: net.IP(ip.AsSlice())}
	}
	hdr.Rrtype = dns.TypeAAAA
	return &dns.AAAA{Hdr: hdr, AAAA: net.IP(ip.AsSlice())}
}

func (s *Server) nsRecord() dns.RR {
	return &dns.NS{
		Hdr: dns.RR_Header{Name: s.zone, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: s.opts.NSTTL},
		Ns:  dns.Fqdn(s.opts.NS),
	}
}

func (s *Server) soaRecord() dns.RR {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: s.zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: s.opts.NSTTL},
		Ns:      dns.Fqdn(s.opts.NS),
		Mbox:    dns.Fqdn(strings.Replace(s.opts.Mbox, "@", ".", 1)),
		Serial:  uint32(time.Now().Unix()),
		Refresh: soaRefresh,
		Retry:   soaRetry,
		Expire:  soaExpire,
		Minttl:  soaMinTTL,
	}
}
