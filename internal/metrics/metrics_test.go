package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.ObserveEvaluation("normal", OutcomeOK, time.Millisecond)
		m.HostStarted(OutcomeOK)
		m.HostEnded(true)
		m.InteractionGranted()
		m.CancelAll()
		m.BlobTransferred("sent", 10)
		m.BrokerSwitch(OutcomeOK)
		m.CacheLookup(true)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveEvaluation("normal", OutcomeOK, time.Millisecond)
	m.ObserveEvaluation("normal", OutcomeOK, time.Millisecond)
	m.ObserveEvaluation("reentrant", OutcomeCanceled, time.Millisecond)
	require.Equal(t, 2.0, testutil.ToFloat64(m.evaluations.WithLabelValues("normal", OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("reentrant", OutcomeCanceled)))

	m.HostStarted(OutcomeOK)
	m.HostStarted(OutcomeOK)
	m.HostEnded(true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.sessionsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(m.hostDisconnects))

	m.BlobTransferred("sent", 1024)
	m.BlobTransferred("sent", 0)
	require.Equal(t, 1024.0, testutil.ToFloat64(m.blobBytes.WithLabelValues("sent")))

	m.CacheLookup(false)
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg, m := NewRegistry()
	m.BrokerSwitch(OutcomeSuperseded)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `rtvs_broker_switches_total{outcome="superseded"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}
