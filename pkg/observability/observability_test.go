package observability

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tidepool/pkg/config"
	"github.com/ajitpratap0/tidepool/pkg/errors"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestInitTracingDisabled(t *testing.T) {
	restoreGlobals(t)

	tr, err := InitTracing(context.Background(), config.TracingConfig{})
	require.NoError(t, err)

	_, span := tr.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestInitTracingStdout(t *testing.T) {
	restoreGlobals(t)

	var buf bytes.Buffer
	cfg := config.TracingConfig{Enabled: true, ServiceName: "tidepool-test", SamplingRate: 1}
	tr, err := InitTracing(context.Background(), cfg, WithWriter(&buf), WithSyncExport())
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "exported-span")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "exported-span")
	assert.Contains(t, buf.String(), "tidepool-test")
}

func TestInitTracingSampling(t *testing.T) {
	restoreGlobals(t)

	exporter := tracetest.NewInMemoryExporter()
	cfg := config.TracingConfig{Enabled: true, ServiceName: "tidepool-test", SamplingRate: 0}
	tr, err := InitTracing(context.Background(), cfg, WithExporter(exporter), WithSyncExport())
	require.NoError(t, err)

	_, span := tr.Tracer("test").Start(context.Background(), "dropped")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Empty(t, exporter.GetSpans())
}

func TestTrace(t *testing.T) {
	restoreGlobals(t)

	exporter := tracetest.NewInMemoryExporter()
	cfg := config.TracingConfig{Enabled: true, ServiceName: "tidepool-test", SamplingRate: 1}
	tr, err := InitTracing(context.Background(), cfg, WithExporter(exporter), WithSyncExport())
	require.NoError(t, err)
	tracer := tr.Tracer("test")

	require.NoError(t, Trace(context.Background(), tracer, "ok", func(context.Context) error { return nil },
		attribute.Int("batch.size", 3)))
	failure := errors.New(errors.ErrorTypeTimeout, "too slow")
	assert.ErrorIs(t, Trace(context.Background(), tracer, "fails", func(context.Context) error { return failure }), failure)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "ok", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, attribute.Int("batch.size", 3))
	assert.Equal(t, "fails", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Len(t, spans[1].Events, 1)
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tidepool_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	srv, err := NewMetricsServer("127.0.0.1:0", reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	srv.Serve()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tidepool_test_total 3")

	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsServerBadAddress(t *testing.T) {
	_, err := NewMetricsServer("256.0.0.1:http", prometheus.NewRegistry(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}
