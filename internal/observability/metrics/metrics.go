// Package metrics exposes the subsystem's OpenTelemetry instruments.
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
	canChecks         metric.Int64Counter
	denials           metric.Int64Counter
	usageReports      metric.Int64Counter
	dedupeHits        metric.Int64Counter
	exportedEvents    metric.Int64Counter
	quarantinedEvents metric.Int64Counter
	revalidations     metric.Int64Counter
	checkLatency      metric.Float64Histogram
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

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "metergate"
	}
	meter := provider.Meter(name)

	canChecks, err := meter.Int64Counter("metergate_can_checks_total")
	if err != nil {
		return nil, err
	}
	denials, err := meter.Int64Counter("metergate_denials_total")
	if err != nil {
		return nil, err
	}
	usageReports, err := meter.Int64Counter("metergate_usage_reports_total")
	if err != nil {
		return nil, err
	}
	dedupeHits, err := meter.Int64Counter("metergate_idempotency_hits_total")
	if err != nil {
		return nil, err
	}
	exportedEvents, err := meter.Int64Counter("metergate_exported_events_total")
	if err != nil {
		return nil, err
	}
	quarantinedEvents, err := meter.Int64Counter("metergate_quarantined_events_total")
	if err != nil {
		return nil, err
	}
	revalidations, err := meter.Int64Counter("metergate_revalidations_total")
	if err != nil {
		return nil, err
	}
	checkLatency, err := meter.Float64Histogram("metergate_can_check_latency_ms")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		canChecks:         canChecks,
		denials:           denials,
		usageReports:      usageReports,
		dedupeHits:        dedupeHits,
		exportedEvents:    exportedEvents,
		quarantinedEvents: quarantinedEvents,
		revalidations:     revalidations,
		checkLatency:      checkLatency,
	}, nil
}

// RecordCanCheck counts one allow/deny decision and its latency.
func (m *Metrics) RecordCanCheck(ctx context.Context, featureSlug string, allowed bool, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("feature_slug", strings.TrimSpace(featureSlug)))
	m.canChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.checkLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
	if !allowed {
		m.denials.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordUsageReport counts one accepted usage report.
func (m *Metrics) RecordUsageReport(ctx context.Context, featureSlug string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("feature_slug", strings.TrimSpace(featureSlug)))
	m.usageReports.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordIdempotencyHit counts a replayed request served from cache.
func (m *Metrics) RecordIdempotencyHit(ctx context.Context, featureSlug string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("feature_slug", strings.TrimSpace(featureSlug)))
	m.dedupeHits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordExport counts delivered and quarantined events of one batch.
func (m *Metrics) RecordExport(ctx context.Context, accepted, quarantined int) {
	if m == nil {
		return
	}
	m.exportedEvents.Add(ctx, int64(accepted))
	m.quarantinedEvents.Add(ctx, int64(quarantined))
}

// RecordRevalidation counts one revalidation cycle.
func (m *Metrics) RecordRevalidation(ctx context.Context, featureSlug string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("feature_slug", strings.TrimSpace(featureSlug)))
	m.revalidations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var Module = fx.Module("observability.metrics",
	fx.Provide(
		NewProvider,
		New,
	),
)

var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_slug": {},
	"reason":       {},
}

// filterAttributes keeps label cardinality bounded to the allow-list.
func filterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if attr.Value.AsString() == "" {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
