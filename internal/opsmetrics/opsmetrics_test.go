package opsmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/storefront/internal/config"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	storetest "github.com/smallbiznis/storefront/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

func TestRemoteWritePusher(t *testing.T) {
	var got prompb.WriteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(raw, protoadapt.MessageV2Of(&got)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "storefront_orders"}, []string{"payment_status"})
	registry.MustRegister(gauge)
	gauge.WithLabelValues("paid").Set(3)

	pusher := NewRemoteWritePusher(srv.URL, " token-123 ")
	pusher.now = func() time.Time { return time.UnixMilli(1700000000000) }
	require.NoError(t, pusher.Push(context.Background(), registry))

	require.Len(t, got.Timeseries, 1)
	series := got.Timeseries[0]
	assert.Equal(t, []prompb.Label{
		{Name: "__name__", Value: "storefront_orders"},
		{Name: "payment_status", Value: "paid"},
	}, series.Labels)
	require.Len(t, series.Samples, 1)
	assert.Equal(t, 3.0, series.Samples[0].Value)
	assert.Equal(t, int64(1700000000000), series.Samples[0].Timestamp)
}

func TestRemoteWritePusherReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_test_total"})
	registry.MustRegister(counter)
	counter.Inc()

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry)
	assert.ErrorContains(t, err, "502")
}

func TestNewPusher(t *testing.T) {
	tests := []struct {
		name string
		ops  config.OpsMetricsConfig
		want any
	}{
		{name: "disabled", ops: config.OpsMetricsConfig{}, want: nil},
		{name: "missing endpoint", ops: config.OpsMetricsConfig{Enabled: true, Exporter: ExporterRemoteWrite}, want: nil},
		{name: "bad url", ops: config.OpsMetricsConfig{Enabled: true, Exporter: ExporterRemoteWrite, Endpoint: "::nope"}, want: nil},
		{name: "remote write", ops: config.OpsMetricsConfig{Enabled: true, Exporter: ExporterRemoteWrite, Endpoint: "http://mimir:9009/api/v1/push"}, want: &RemoteWritePusher{}},
		{name: "pushgateway", ops: config.OpsMetricsConfig{Enabled: true, Exporter: ExporterPushgateway, Endpoint: "http://pushgateway:9091"}, want: &PushgatewayPusher{}},
		{name: "unknown exporter", ops: config.OpsMetricsConfig{Enabled: true, Exporter: "statsd", Endpoint: "udp://x"}, want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NewPusher(config.Config{AppName: "storefront", OpsMetrics: tc.ops}, zap.NewNop())
			if tc.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.IsType(t, tc.want, got)
		})
	}
}

func TestSnapshotRefresh(t *testing.T) {
	db := storetest.OpenSQLite(t)
	node := storetest.NewNode(t)
	storetest.SeedOrder(t, db, node, storetest.OrderFixture{PaymentIntentID: "pi_a"})
	storetest.SeedOrder(t, db, node, storetest.OrderFixture{PaymentIntentID: "pi_b"})
	storetest.SeedOrder(t, db, node, storetest.OrderFixture{
		PaymentIntentID:   "pi_c",
		PaymentStatus:     orderdomain.PaymentStatusPaid,
		FulfillmentStatus: orderdomain.FulfillmentStatusProcessing,
	})

	snapshot := NewSnapshot(db)
	require.NoError(t, snapshot.Refresh(context.Background()))

	assert.Equal(t, 2.0, testutil.ToFloat64(snapshot.ordersByPayment.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(snapshot.ordersByPayment.WithLabelValues("paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(snapshot.ordersByFulfillment.WithLabelValues("processing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(snapshot.pendingEvents))
	assert.Greater(t, testutil.ToFloat64(snapshot.memory), 0.0)
}

type countingPusher struct {
	pushes atomic.Int32
}

func (p *countingPusher) Push(context.Context, *prometheus.Registry) error {
	p.pushes.Add(1)
	return nil
}

func TestWorkerPushesUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	pusher := &countingPusher{}
	w := newWorker(NewSnapshot(nil), pusher, 10*time.Millisecond, zap.NewNop())
	w.start()

	require.Eventually(t, func() bool { return pusher.pushes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.stop(context.Background()))
}
