package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/pkg/errors"
)

// MetricsServer serves /metrics for a Prometheus gatherer and /healthz.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer binds addr. Call Serve to start answering requests.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, l *zap.Logger) (*MetricsServer, error) {
	if l == nil {
		l = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to listen").
			WithDetail("address", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &MetricsServer{
		server: &http.Server{
			Handler:           TracingMiddleware("tidepool", mux),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   l,
	}, nil
}

// Addr returns the bound address.
func (s *MetricsServer) Addr() string { return s.listener.Addr().String() }

// Serve answers requests in the background until Shutdown.
func (s *MetricsServer) Serve() {
	s.logger.Info("serving metrics", zap.String("address", s.Addr()))
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server, waiting for active requests up to ctx.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "failed to stop metrics server")
	}
	return nil
}

// TracingMiddleware starts a server span per request, continuing any trace
// carried in the request headers.
func TracingMiddleware(serviceName string, next http.Handler) http.Handler {
	tracer := otel.Tracer(serviceName + "/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			))
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
