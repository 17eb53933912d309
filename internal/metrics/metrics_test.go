package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.fetchTotal)
	assert.NotNil(t, collector.rateTimeouts)
	assert.NotNil(t, collector.snapshotErrors)
	assert.NotNil(t, collector.fetchLatency)
	assert.NotNil(t, collector.backoff)
	assert.NotNil(t, collector.leaderOwned)

	// Registering twice on the same registry must panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordFetch(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordFetchOK("bitflyer", "trades", 0.12)
	c.RecordFetchOK("bitflyer", "trades", 0.08)
	c.RecordFetchFail("bitflyer", "trades")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.fetchTotal.WithLabelValues("bitflyer", "trades", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchTotal.WithLabelValues("bitflyer", "trades", "fail")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.fetchLatency))
}

func TestRecordRateTimeoutAndSnapshotError(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordRateTimeout("bitflyer.executions")
	c.RecordRateTimeout("bitflyer.executions")
	c.RecordSnapshotError("bitflyer", "board")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.rateTimeouts.WithLabelValues("bitflyer.executions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.snapshotErrors.WithLabelValues("bitflyer", "board")))
}

func TestGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetBackoff("bitflyer", "trades", 1.5)
	assert.Equal(t, 1.5, testutil.ToFloat64(c.backoff.WithLabelValues("bitflyer", "trades")))

	c.SetLeaderOwned(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.leaderOwned))
	c.SetLeaderOwned(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.leaderOwned))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordFetchOK("a", "b", 1)
		c.RecordFetchFail("a", "b")
		c.RecordRateTimeout("s")
		c.RecordSnapshotError("a", "b")
		c.SetBackoff("a", "b", 1)
		c.SetLeaderOwned(true)
	})
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordFetchFail("bitflyer", "trades")

	srv := NewServer(0, reg)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `collector_fetch_total{exchange="bitflyer",result="fail",topic="trades"} 1`)
}
