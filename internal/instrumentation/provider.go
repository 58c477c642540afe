package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Exporter names accepted in Config.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// exportInterval is how often the periodic reader pushes metrics. Shutdown
// always performs a final export, so short CLI runs still emit once.
const exportInterval = 30 * time.Second

// Config selects exporters for the provider.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	MetricsExporter string
	TracesExporter  string
	// Writer receives stdout exporter output. Defaults to os.Stderr so
	// telemetry never mixes with command output.
	Writer io.Writer
}

// Provider owns the SDK meter and tracer providers for the process.
type Provider struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	metrics        *Metrics
}

// NewProvider builds the configured providers, installs them globally and
// creates the Metrics recorder. With both exporters "none" it returns a
// provider whose Metrics records into a no-op meter.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	p := &Provider{}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	if err := p.initMeterProvider(cfg, res); err != nil {
		return nil, err
	}

	if err := p.initTracerProvider(cfg, res); err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}

	meter := noop.NewMeterProvider().Meter(TracerName)
	if p.meterProvider != nil {
		otel.SetMeterProvider(p.meterProvider)
		meter = p.meterProvider.Meter(TracerName)
	}

	if p.tracerProvider != nil {
		otel.SetTracerProvider(p.tracerProvider)
	}

	m, err := NewMetrics(meter)
	if err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}

	p.metrics = m

	return p, nil
}

func (p *Provider) initMeterProvider(cfg Config, res *resource.Resource) error {
	switch cfg.MetricsExporter {
	case "", ExporterNone:
		return nil
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return fmt.Errorf("failed to create stdout metrics exporter: %w", err)
		}

		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
		)

		return nil
	default:
		return fmt.Errorf("unsupported metrics exporter %q", cfg.MetricsExporter)
	}
}

func (p *Provider) initTracerProvider(cfg Config, res *resource.Resource) error {
	switch cfg.TracesExporter {
	case "", ExporterNone:
		return nil
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
		if err != nil {
			return fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}

		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)

		return nil
	default:
		return fmt.Errorf("unsupported traces exporter %q", cfg.TracesExporter)
	}
}

// Metrics returns the recorder. Never nil.
func (p *Provider) Metrics() *Metrics {
	if p.metrics == nil {
		return &Metrics{}
	}

	return p.metrics
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error

	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	return errors.Join(errs...)
}
