// Package observability provides OpenTelemetry tracing and metrics for the
// treasury engine.
//
// Every engine operation runs inside TrackOperation, which opens a span and
// records operation count, rejection count and duration.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

const instrumentationName = "treasury.engine"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns a disabled configuration; set Enabled and
// OTLPEndpoint to export.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "treasury-engine",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages trace and metric providers and the engine instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations metric.Int64Counter
	rejections metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a provider. When disabled, the global (by default no-op)
// providers are used and nothing is exported.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, p.initInstruments(p.Meter())
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry metrics: %w", err)
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(p.meter); err != nil {
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry exporting",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a provider over caller-owned trace and meter
// providers, such as an SDK meter provider with a manual reader.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(p.meter); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments(m metric.Meter) error {
	var err error
	p.operations, err = m.Int64Counter("treasury.operations.total",
		metric.WithDescription("Engine operations attempted"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}
	p.rejections, err = m.Int64Counter("treasury.rejections.total",
		metric.WithDescription("Operations rejected by policy or state checks"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}
	p.failures, err = m.Int64Counter("treasury.ledger.failures.total",
		metric.WithDescription("Executions rolled back after a ledger failure"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}
	p.duration, err = m.Float64Histogram("treasury.operation.duration",
		metric.WithDescription("Engine operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0),
	)
	return err
}

// Shutdown flushes and stops the providers this package created.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RejectionReason maps an error to a low-cardinality label.
func RejectionReason(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{fault.ErrPerTransactionCapExceeded, "per_transaction_cap"},
		{fault.ErrWhitelistRequired, "whitelist"},
		{fault.ErrRecipientBlacklisted, "blacklist"},
		{fault.ErrCategoryLimitExceeded, "category_limit"},
		{fault.ErrGlobalLimitExceeded, "global_limit"},
		{fault.ErrUnknownCategory, "unknown_category"},
		{fault.ErrRuleDenied, "rule"},
		{fault.ErrThresholdNotMet, "threshold_not_met"},
		{fault.ErrTimeLockActive, "time_lock"},
		{fault.ErrNotAuthorizedSigner, "not_authorized"},
		{fault.ErrDuplicateSignature, "duplicate_signature"},
		{fault.ErrAlreadyFinalized, "finalized"},
		{fault.ErrTreasuryFrozen, "frozen"},
		{fault.ErrInsufficientBalance, "insufficient_balance"},
		{fault.ErrLedgerTransferFailed, "ledger"},
		{fault.ErrInvalidPolicyConfig, "invalid_config"},
		{fault.ErrInvalidInput, "invalid_input"},
		{fault.ErrNotFound, "not_found"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "other"
}

// TrackOperation opens a span for operation and returns a function that
// must be called with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, operation, treasuryID string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("treasury.operation", operation)}
	ctx, span := p.Tracer().Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(attrs, attribute.String("treasury.id", treasuryID))...),
	)
	if p.operations != nil {
		p.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.duration != nil {
			p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			reason := RejectionReason(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, reason)
			if p.rejections != nil {
				p.rejections.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("reason", reason))...))
			}
			if p.failures != nil && errors.Is(err, fault.ErrLedgerTransferFailed) {
				p.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		}
		span.End()
	}
}
