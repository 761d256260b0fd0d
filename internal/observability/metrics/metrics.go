package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	provisionAttempts metric.Int64Counter
	provisionFailures metric.Int64Counter
	webhookConfigured metric.Int64Counter
	providerCalls     metric.Int64Counter
	cleanupDeletes    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "coldtrace"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error

	if m.provisionAttempts, err = meter.Int64Counter(
		"ttn_provision_attempts_total",
		metric.WithDescription("Provisioning flow entries, by operation"),
	); err != nil {
		return nil, err
	}
	if m.provisionFailures, err = meter.Int64Counter(
		"ttn_provision_failures_total",
		metric.WithDescription("Provisioning flows that ended in the failed state"),
	); err != nil {
		return nil, err
	}
	if m.webhookConfigured, err = meter.Int64Counter(
		"ttn_webhook_configurations_total",
		metric.WithDescription("Webhook create/update/rotate operations against the provider"),
	); err != nil {
		return nil, err
	}
	if m.providerCalls, err = meter.Int64Counter(
		"ttn_provider_http_calls_total",
		metric.WithDescription("Outbound provider API calls, by outcome class"),
	); err != nil {
		return nil, err
	}
	if m.cleanupDeletes, err = meter.Int64Counter(
		"ttn_cleanup_deletes_total",
		metric.WithDescription("Remote resources removed by start-fresh and deep-clean"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

func (m *Metrics) RecordProvisionAttempt(ctx context.Context, operation string) {
	if m == nil || m.provisionAttempts == nil {
		return
	}
	m.provisionAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *Metrics) RecordProvisionFailure(ctx context.Context, operation string) {
	if m == nil || m.provisionFailures == nil {
		return
	}
	m.provisionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *Metrics) RecordWebhookConfigured(ctx context.Context, action string) {
	if m == nil || m.webhookConfigured == nil {
		return
	}
	m.webhookConfigured.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) RecordProviderCall(ctx context.Context, endpoint string, ok bool) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("ok", ok),
	))
}

func (m *Metrics) RecordCleanupDeletes(ctx context.Context, resource string, count int64) {
	if m == nil || m.cleanupDeletes == nil || count <= 0 {
		return
	}
	m.cleanupDeletes.Add(ctx, count, metric.WithAttributes(attribute.String("resource", resource)))
}
