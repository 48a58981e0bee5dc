package gin

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
	posted    metric.Int64Counter
	acked     metric.Int64Counter
	failed    metric.Int64Counter
	delivered metric.Int64Counter
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
			name = "github.com/rauteric/aws-ofi-nccl/gin"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	posted, err := meter.Int64Counter("gin.signal.posted")
	if err != nil {
		return nil, err
	}
	acked, err := meter.Int64Counter("gin.signal.acked")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("gin.signal.failed")
	if err != nil {
		return nil, err
	}
	delivered, err := meter.Int64Counter("gin.reassembly.delivered")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{posted: posted, acked: acked, failed: failed, delivered: delivered}, nil
}

func (o *OTelMetrics) SignalPosted(attrs map[string]string) {
	o.posted.Add(context.Background(), 1, metric.WithAttributes(otelAttr(attrs, labelPeerRank)))
}

func (o *OTelMetrics) SignalAcked(attrs map[string]string) {
	o.acked.Add(context.Background(), 1, metric.WithAttributes(otelAttr(attrs, labelPeerRank)))
}

func (o *OTelMetrics) SignalFailed(_ error, _ map[string]string) {
	o.failed.Add(context.Background(), 1)
}

func (o *OTelMetrics) ReassemblyDelivered(attrs map[string]string) {
	o.delivered.Add(context.Background(), 1, metric.WithAttributes(otelAttr(attrs, labelPeerRank)))
}

func otelAttr(attrs map[string]string, key string) attribute.KeyValue {
	return attribute.String(key, attrs[key])
}
