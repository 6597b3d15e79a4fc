package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPoolSizeGaugeSatisfiesSetter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.PoolSize.Set(7)
	require.Equal(t, float64(7), testutil.ToFloat64(r.PoolSize))
}

func TestSwarmCacheCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SwarmCacheHits.Inc()
	r.SwarmCacheHits.Inc()
	r.SwarmCacheMisses.Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(r.SwarmCacheHits))
	require.Equal(t, float64(1), testutil.ToFloat64(r.SwarmCacheMisses))
}

func TestSetQueueDepthLabelsByQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SetQueueDepth("outbound", 3)
	r.SetQueueDepth("poll", 1)

	require.Equal(t, float64(3), testutil.ToFloat64(r.QueueDepth.WithLabelValues("outbound")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.QueueDepth.WithLabelValues("poll")))
}

func TestObserveStorageRPCRecordsByMethod(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveStorageRPC("retrieve", 50*time.Millisecond)

	count := testutil.CollectAndCount(r.StorageRPCDuration)
	require.Equal(t, 1, count)
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.PoolSize.Set(5)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "lantern_snodepool_size 5")
}
