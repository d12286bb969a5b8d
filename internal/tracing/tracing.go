package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

// TracingProvider wraps an OpenTelemetry TracerProvider as a lifecycle component.
// The exporter is created on initialize, spans are flushed on stop and the
// provider is shut down on terminate.
type TracingProvider struct {
	*lifecycle.Base

	cfg      Config
	exporter sdktrace.SpanExporter
	logger   *logging.Logger

	mu             sync.RWMutex
	tracerProvider *sdktrace.TracerProvider
}

// Config holds tracing configuration
type Config struct {
	Enabled        bool
	Endpoint       string // OTLP gRPC endpoint (e.g., "otel-collector:4317")
	TLSCAPath      string // Path to CA certificate for TLS verification (optional)
	TLSInsecure    bool   // Skip TLS certificate verification (insecure)
	ServiceName    string // Reported as service.name
	ServiceVersion string // Reported as service.version
}

// Option configures a TracingProvider.
type Option func(*TracingProvider)

// WithExporter replaces the OTLP exporter, mainly for tests.
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return func(tp *TracingProvider) {
		tp.exporter = exporter
	}
}

// NewTracingProvider creates the tracing provider component. Nothing is
// dialed until the component is initialized.
func NewTracingProvider(cfg Config, opts ...Option) (*TracingProvider, error) {
	if cfg.Enabled && cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled but endpoint not configured")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sitewhere"
	}

	tp := &TracingProvider{
		cfg:    cfg,
		logger: logging.GetLogger("tracing"),
	}
	for _, opt := range opts {
		opt(tp)
	}
	tp.Base = lifecycle.NewBase("tracing-provider", lifecycle.Hooks{
		OnInitialize: tp.initialize,
		OnStart:      tp.start,
		OnStop:       tp.stop,
		OnTerminate:  tp.terminate,
	})
	return tp, nil
}

func (tp *TracingProvider) initialize(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	if !tp.cfg.Enabled {
		tp.logger.Info("Tracing disabled")
		return nil
	}
	if tp.current() != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if tp.exporter == nil {
		exporter, err := tp.newOTLPExporter(ctx)
		if err != nil {
			return err
		}
		tp.exporter = exporter
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceName(tp.cfg.ServiceName),
			semconv.ServiceVersion(tp.cfg.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(tp.exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	tp.mu.Lock()
	tp.tracerProvider = provider
	tp.mu.Unlock()

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(Propagator)

	tp.logger.Info("Tracing initialized with endpoint: %s", tp.cfg.Endpoint)
	return nil
}

func (tp *TracingProvider) newOTLPExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	var dialOptions []grpc.DialOption
	var otlpOptions []otlptracegrpc.Option

	if tp.cfg.TLSCAPath != "" || tp.cfg.TLSInsecure {
		var tlsConfig *tls.Config

		if tp.cfg.TLSInsecure {
			tlsConfig = &tls.Config{
				InsecureSkipVerify: true,
				MinVersion:         tls.VersionTLS12,
			}
			tp.logger.Info("TLS enabled for tracing with certificate verification disabled (insecure mode)")
		} else {
			caCert, err := os.ReadFile(tp.cfg.TLSCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}

			certPool := x509.NewCertPool()
			if !certPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to append CA certificate to pool")
			}

			tlsConfig = &tls.Config{
				RootCAs:    certPool,
				MinVersion: tls.VersionTLS12,
			}
			tp.logger.Info("TLS enabled for tracing with CA from: %s", tp.cfg.TLSCAPath)
		}

		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
		otlpOptions = append(otlpOptions, otlptracegrpc.WithInsecure())
		tp.logger.Info("TLS disabled for tracing (insecure mode)")
	}

	otlpOptions = append(otlpOptions,
		otlptracegrpc.WithEndpoint(tp.cfg.Endpoint),
		otlptracegrpc.WithDialOption(dialOptions...),
	)

	exporter, err := otlptracegrpc.New(ctx, otlpOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exporter, nil
}

func (tp *TracingProvider) start(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	if !tp.cfg.Enabled {
		tp.logger.Info("Tracing provider starting (disabled mode)")
		return nil
	}
	tp.logger.Info("Tracing provider started")
	return nil
}

// stop flushes buffered spans. The provider stays usable until terminate.
func (tp *TracingProvider) stop(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	provider := tp.current()
	if provider == nil {
		return nil
	}
	if err := provider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("failed to flush spans: %w", err)
	}
	return nil
}

func (tp *TracingProvider) terminate(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	provider := tp.current()
	if provider == nil {
		return nil
	}

	tp.logger.Info("Shutting down tracing provider...")
	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down tracer provider: %w", err)
	}
	tp.mu.Lock()
	tp.tracerProvider = nil
	tp.mu.Unlock()
	tp.logger.Info("Tracing provider stopped")
	return nil
}

// TracerProvider returns the SDK provider once initialized, otherwise a
// no-op provider.
func (tp *TracingProvider) TracerProvider() trace.TracerProvider {
	if provider := tp.current(); provider != nil {
		return provider
	}
	return noop.NewTracerProvider()
}

func (tp *TracingProvider) current() *sdktrace.TracerProvider {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.tracerProvider
}

// Deferred returns a provider that resolves TracerProvider on every Tracer
// call, so it can be handed to interceptors before initialize runs.
func (tp *TracingProvider) Deferred() trace.TracerProvider {
	return deferredProvider{tp: tp}
}

type deferredProvider struct {
	embedded.TracerProvider
	tp *TracingProvider
}

func (d deferredProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return d.tp.TracerProvider().Tracer(name, opts...)
}

// GetTracer returns a tracer for instrumenting code
func (tp *TracingProvider) GetTracer(name string) trace.Tracer {
	return tp.TracerProvider().Tracer(name)
}

// IsEnabled returns whether tracing is enabled
func (tp *TracingProvider) IsEnabled() bool {
	return tp.cfg.Enabled
}

// Propagator is the W3C trace context and baggage propagator used on every
// gRPC hop.
var Propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)
