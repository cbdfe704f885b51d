package stats

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	p := Summarize(durations)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)

	assert.Equal(t, Percentiles{}, Summarize(nil))
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddConnect(4 * time.Millisecond)
	c.AddError()
	c.AddSent()
	c.AddDelivered()
	c.AddDelivered()
	c.AddMsgLatency(time.Millisecond)

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()

	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "Errors:       1")
	assert.Contains(t, out, "Delivered:    2")
	assert.Contains(t, out, "--- Message Latency ---")
	assert.Equal(t, 2, c.Delivered())
}

func newTestRegistry() (*prometheus.Registry, prometheus.Gauge, *prometheus.CounterVec, prometheus.Histogram) {
	reg := prometheus.NewRegistry()
	conns := prometheus.NewGauge(prometheus.GaugeOpts{Name: metricConnections, Help: "c"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{Name: metricDeliveries, Help: "d"}, []string{"scope"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{Name: metricLatency, Help: "l"})
	reg.MustRegister(conns, deliveries, latency)
	return reg, conns, deliveries, latency
}

func TestDecodeSnapshot(t *testing.T) {
	reg, conns, deliveries, latency := newTestRegistry()
	conns.Set(42)
	deliveries.WithLabelValues("all").Add(10)
	deliveries.WithLabelValues("room").Add(5)
	latency.Observe(0.5)
	latency.Observe(1.5)

	families, err := reg.Gather()
	require.NoError(t, err)

	format := expfmt.NewFormat(expfmt.TypeProtoDelim)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		require.NoError(t, enc.Encode(mf))
	}

	snap, err := decodeSnapshot(&buf, format)
	require.NoError(t, err)
	assert.Equal(t, 42.0, snap.connections)
	assert.Equal(t, 15.0, snap.deliveries)
	assert.Equal(t, 2.0, snap.latencySum)
	assert.Equal(t, 2.0, snap.latencyCount)
}

func TestScraperAgainstLiveEndpoint(t *testing.T) {
	reg, conns, _, _ := newTestRegistry()
	conns.Set(7)
	ts := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer ts.Close()

	s := NewScraper(ts.URL, 10*time.Millisecond)
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return s.Len() >= 2 }, 2*time.Second, 10*time.Millisecond)
	conns.Set(9)
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	var buf bytes.Buffer
	s.Report(&buf)
	assert.Contains(t, buf.String(), "Connections")
	assert.Contains(t, buf.String(), "Server Metrics (Prometheus)")
}

func TestScraperSkipsFailedScrapes(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	s := NewScraper(ts.URL, time.Hour)
	s.Start(context.Background())
	s.Stop()

	assert.Equal(t, 0, s.Len())
	var buf bytes.Buffer
	s.Report(&buf)
	assert.Contains(t, buf.String(), "no data collected")
}
