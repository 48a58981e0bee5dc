package cm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	progressed metric.Int64Counter
	ready      metric.Int64Counter
	failed     metric.Int64Counter
	rxDropped  metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rauteric/aws-ofi-nccl/cm"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	progressed, err := meter.Int64Counter("cm.handshake.progressed")
	if err != nil {
		return nil, err
	}
	ready, err := meter.Int64Counter("cm.handshake.ready")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("cm.handshake.failed")
	if err != nil {
		return nil, err
	}
	rxDropped, err := meter.Int64Counter("cm.rx.dropped")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{progressed: progressed, ready: ready, failed: failed, rxDropped: rxDropped}, nil
}

func (o *OTelMetrics) HandshakeProgressed(attrs map[string]string) {
	o.progressed.Add(context.Background(), 1, metric.WithAttributes(otelAttr(attrs, labelMessageType)))
}

func (o *OTelMetrics) HandshakeReady(_ map[string]string) {
	o.ready.Add(context.Background(), 1)
}

func (o *OTelMetrics) HandshakeFailed(_ error, _ map[string]string) {
	o.failed.Add(context.Background(), 1)
}

func (o *OTelMetrics) RxDropped(attrs map[string]string) {
	o.rxDropped.Add(context.Background(), 1, metric.WithAttributes(otelAttr(attrs, labelMessageType)))
}

func otelAttr(attrs map[string]string, key string) attribute.KeyValue {
	return attribute.String(key, attrs[key])
}
