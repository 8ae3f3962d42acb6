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
	paymentEvents        metric.Int64Counter
	orderTransitions     metric.Int64Counter
	sideEffects          metric.Int64Counter
	inventoryAdjustments metric.Int64Counter
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
		name = "storefront"
	}
	meter := provider.Meter(name)

	paymentEvents, err := meter.Int64Counter("storefront_payment_events_total",
		metric.WithDescription("Payment notifications by provider, event kind and outcome."))
	if err != nil {
		return nil, err
	}
	orderTransitions, err := meter.Int64Counter("storefront_order_transitions_total",
		metric.WithDescription("Committed order status transitions."))
	if err != nil {
		return nil, err
	}
	sideEffects, err := meter.Int64Counter("storefront_side_effects_total",
		metric.WithDescription("Side-effect executions by effect and outcome."))
	if err != nil {
		return nil, err
	}
	inventoryAdjustments, err := meter.Int64Counter("storefront_inventory_adjustments_total",
		metric.WithDescription("Inventory restorations recorded in the ledger."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		paymentEvents:        paymentEvents,
		orderTransitions:     orderTransitions,
		sideEffects:          sideEffects,
		inventoryAdjustments: inventoryAdjustments,
	}, nil
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOrderTransition increments order transition counts.
func (m *Metrics) RecordOrderTransition(ctx context.Context, paymentStatus, fulfillmentStatus string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("payment_status", strings.TrimSpace(paymentStatus)),
		attribute.String("fulfillment_status", strings.TrimSpace(fulfillmentStatus)),
	)
	m.orderTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSideEffect increments side-effect counts.
func (m *Metrics) RecordSideEffect(ctx context.Context, effect, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("effect", strings.TrimSpace(effect)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.sideEffects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInventoryAdjustments adds n ledger rows for the given action.
func (m *Metrics) RecordInventoryAdjustments(ctx context.Context, action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("action", strings.TrimSpace(action)))
	m.inventoryAdjustments.Add(ctx, int64(n), metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":           {},
	"method":             {},
	"status_code":        {},
	"provider":           {},
	"event_type":         {},
	"outcome":            {},
	"effect":             {},
	"action":             {},
	"payment_status":     {},
	"fulfillment_status": {},
	"reason":             {},
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
