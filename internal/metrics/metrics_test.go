package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1F47E/go-btc-seeder/internal/addrdb"
	"github.com/1F47E/go-btc-seeder/internal/client/node"
	"github.com/1F47E/go-btc-seeder/internal/logger"
)

func TestObserveProbe(t *testing.T) {
	m := New(logger.Discard())
	m.ObserveProbe(node.Result{Success: true})
	m.ObserveProbe(node.Result{Success: true})
	m.ObserveProbe(node.Result{})
	m.ObserveProbe(node.Result{Ban: node.BanScore})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.probes.WithLabelValues(resultGood)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues(resultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues(resultBanned)))
}

func TestHandlerExportsEverything(t *testing.T) {
	m := New(logger.Discard())
	m.ObserveProbe(node.Result{Success: true})
	m.RegisterDNS(func() uint64 { return 42 }, func() uint64 { return 7 })
	m.RegisterStore(func() addrdb.Stats {
		return addrdb.Stats{Tracked: 100, Good: 12, Banned: 3, Age: time.Minute}
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, line := range []string{
		`seeder_probes_total{result="good"} 1`,
		"seeder_dns_requests_total 42",
		"seeder_db_queries_total 7",
		"seeder_store_tracked 100",
		"seeder_store_good 12",
		"seeder_store_banned 3",
		"seeder_store_oldest_try_age_seconds 60",
	} {
		assert.Contains(t, string(body), line)
	}
}
