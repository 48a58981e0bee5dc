package cm

import "github.com/prometheus/client_golang/prometheus"

// Label keys for the CM's handshake metrics. The teacher's own
// client/metrics_prometheus.go references label constants of the same
// shape that are never defined anywhere in that package; here they are
// named and defined directly rather than left dangling.
const (
	labelListenerID  = "listener_id"
	labelConnectorID = "connector_id"
	labelMessageType = "message_type"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	progressed *prometheus.CounterVec
	ready      *prometheus.CounterVec
	failed     *prometheus.CounterVec
	rxDropped  *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		progressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cm_handshake_progressed_total",
			Help:        "Number of handshake state transitions observed by the connection manager",
			ConstLabels: opts.ConstLabels,
		}, []string{labelMessageType}),
		ready: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cm_handshake_ready_total",
			Help:        "Number of connectors/receivers that reached Ready",
			ConstLabels: opts.ConstLabels,
		}, nil),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cm_handshake_failed_total",
			Help:        "Number of handshake failures surfaced to a caller",
			ConstLabels: opts.ConstLabels,
		}, nil),
		rxDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cm_rx_dropped_total",
			Help:        "Number of received connect messages dropped for lacking a registered callback",
			ConstLabels: opts.ConstLabels,
		}, []string{labelMessageType}),
	}

	var err error
	if p.progressed, err = registerCounterVec(reg, p.progressed); err != nil {
		return nil, err
	}
	if p.ready, err = registerCounterVec(reg, p.ready); err != nil {
		return nil, err
	}
	if p.failed, err = registerCounterVec(reg, p.failed); err != nil {
		return nil, err
	}
	if p.rxDropped, err = registerCounterVec(reg, p.rxDropped); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) HandshakeProgressed(attrs map[string]string) {
	p.progressed.With(labels(attrs, labelMessageType)).Inc()
}

func (p *PrometheusMetrics) HandshakeReady(_ map[string]string) {
	p.ready.With(prometheus.Labels{}).Inc()
}

func (p *PrometheusMetrics) HandshakeFailed(_ error, _ map[string]string) {
	p.failed.With(prometheus.Labels{}).Inc()
}

func (p *PrometheusMetrics) RxDropped(attrs map[string]string) {
	p.rxDropped.With(labels(attrs, labelMessageType)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
