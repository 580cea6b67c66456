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
	paymentEvents     metric.Int64Counter
	orderTransitions  metric.Int64Counter
	orphanWebhooks    metric.Int64Counter
	gatewayErrors     metric.Int64Counter
	checkoutStarted   metric.Int64Counter
	subscriptionEvent metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
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
		name = "paysync"
	}
	meter := provider.Meter(name)

	counters := map[string]*metric.Int64Counter{}
	m := &Metrics{}
	counters["paysync_payment_events_total"] = &m.paymentEvents
	counters["paysync_order_transitions_total"] = &m.orderTransitions
	counters["paysync_orphan_webhooks_total"] = &m.orphanWebhooks
	counters["paysync_gateway_errors_total"] = &m.gatewayErrors
	counters["paysync_checkout_started_total"] = &m.checkoutStarted
	counters["paysync_subscription_events_total"] = &m.subscriptionEvent
	counters["paysync_rate_limit_denied_total"] = &m.rateLimitDenied

	for counterName, target := range counters {
		counter, err := meter.Int64Counter(counterName)
		if err != nil {
			return nil, err
		}
		*target = counter
	}
	return m, nil
}

// NewNoop returns instruments bound to a no-op provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordPaymentEvent increments inbound webhook counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOrderTransition counts applied and ignored transitions.
func (m *Metrics) RecordOrderTransition(ctx context.Context, provider, status, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.orderTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordOrphanWebhook(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.orphanWebhooks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordGatewayError(ctx context.Context, provider, operation, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("reason", strings.TrimSpace(kind)),
	)
	m.gatewayErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCheckoutStarted(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.checkoutStarted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSubscriptionEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.subscriptionEvent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":    {},
	"event_type":  {},
	"status":      {},
	"reason":      {},
	"operation":   {},
	"outcome":     {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
