// Package metrics exposes the seeder counters to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1F47E/go-btc-seeder/internal/addrdb"
	"github.com/1F47E/go-btc-seeder/internal/client/node"
	"github.com/1F47E/go-btc-seeder/internal/logger"
)

const namespace = "seeder"

const (
	resultGood   = "good"
	resultFailed = "failed"
	resultBanned = "banned"
)

type Metrics struct {
	log    *logger.Logger
	reg    *prometheus.Registry
	probes *prometheus.CounterVec
}

func New(log *logger.Logger) *Metrics {
	m := &Metrics{
		log: log,
		reg: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Finished peer probes by outcome.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.probes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveProbe counts one finished probe.
func (m *Metrics) ObserveProbe(r node.Result) {
	switch {
	case r.Ban > 0:
		m.probes.WithLabelValues(resultBanned).Inc()
	case r.Success:
		m.probes.WithLabelValues(resultGood).Inc()
	default:
		m.probes.WithLabelValues(resultFailed).Inc()
	}
}

// RegisterDNS exports the DNS server counters.
func (m *Metrics) RegisterDNS(requests, queries func() uint64) {
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_requests_total",
			Help:      "DNS requests answered.",
		}, func() float64 { return float64(requests()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Address store lookups made by the DNS caches.",
		}, func() float64 { return float64(queries()) }),
	)
}

// RegisterStore exports the address store statistics as gauges.
func (m *Metrics) RegisterStore(stats func() addrdb.Stats) {
	m.reg.MustRegister(newStoreCollector(stats))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve blocks until ctx is done or the listener fails.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		m.log.Infof("[METRICS]: serving on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// storeCollector reads the store once per scrape.
type storeCollector struct {
	stats     func() addrdb.Stats
	tracked   *prometheus.Desc
	available *prometheus.Desc
	fresh     *prometheus.Desc
	banned    *prometheus.Desc
	good      *prometheus.Desc
	active    *prometheus.Desc
	age       *prometheus.Desc
}

func newStoreCollector(stats func() addrdb.Stats) *storeCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", name), help, nil, nil)
	}
	return &storeCollector{
		stats:     stats,
		tracked:   desc("tracked", "Addresses known to the store."),
		available: desc("available", "Addresses not in an ignore period."),
		fresh:     desc("new", "Addresses never probed."),
		banned:    desc("banned", "Banned addresses."),
		good:      desc("good", "Addresses served over DNS."),
		active:    desc("active", "Addresses being probed right now."),
		age:       desc("oldest_try_age_seconds", "Time since the least recently probed address was tried."),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tracked
	ch <- c.available
	ch <- c.fresh
	ch <- c.banned
	ch <- c.good
	ch <- c.active
	ch <- c.age
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.tracked, prometheus.GaugeValue, float64(s.Tracked))
	ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(s.Available))
	ch <- prometheus.MustNewConstMetric(c.fresh, prometheus.GaugeValue, float64(s.New))
	ch <- prometheus.MustNewConstMetric(c.banned, prometheus.GaugeValue, float64(s.Banned))
	ch <- prometheus.MustNewConstMetric(c.good, prometheus.GaugeValue, float64(s.Good))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.age, prometheus.GaugeValue, s.Age.Seconds())
}
