package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestRunCollectorObservesRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunCollector(reg)
	require.NoError(t, err)

	collector.ObserveRun(nil, 20*time.Millisecond, 1234)
	collector.ObserveRun(errors.New("boom"), time.Millisecond, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Runs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Runs.WithLabelValues("error")))
	assert.Equal(t, 1234.0, testutil.ToFloat64(collector.EventsFired))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "qosim_run_wall_seconds_count 2")

	again, err := NewRunCollector(reg)
	require.NoError(t, err)
	assert.Same(t, collector.Runs, again.Runs)
}

func TestServeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunCollector(reg)
	require.NoError(t, err)
	collector.ObserveRun(nil, time.Millisecond, 5)

	shutdown, err := ServeMetrics(context.Background(), "127.0.0.1:0", collector.Handler(), nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = ServeMetrics(context.Background(), "not-an-address", collector.Handler(), nil)
	assert.Error(t, err)
}

func TestInitTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Writer: &buf}, nil)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.True(t, strings.Contains(buf.String(), "\"Name\": \"unit\""))

	_, err = InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, nil)
	assert.Error(t, err)

	shutdown, err = InitTracing(context.Background(), TracingConfig{}, nil)
	require.NoError(t, err)
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}
