package gin

import "github.com/prometheus/client_golang/prometheus"

// labelPeerRank is the label key carried on every GIN metric: the rank of
// the peer involved in the signal/reassembly event being recorded.
const labelPeerRank = "peer_rank"

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
	posted    *prometheus.CounterVec
	acked     *prometheus.CounterVec
	failed    *prometheus.CounterVec
	delivered *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		posted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "gin_signal_posted_total",
			Help:        "Number of iput_signal calls accepted by the communicator",
			ConstLabels: opts.ConstLabels,
		}, []string{labelPeerRank}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "gin_signal_acked_total",
			Help:        "Number of iput_signal writes whose receiver ack has landed",
			ConstLabels: opts.ConstLabels,
		}, []string{labelPeerRank}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "gin_signal_failed_total",
			Help:        "Number of iput_signal calls rejected because a payload write or metadata send failed to post",
			ConstLabels: opts.ConstLabels,
		}, nil),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "gin_reassembly_delivered_total",
			Help:        "Number of in-order sequences delivered from the reassembly table",
			ConstLabels: opts.ConstLabels,
		}, []string{labelPeerRank}),
	}

	var err error
	if p.posted, err = registerCounterVec(reg, p.posted); err != nil {
		return nil, err
	}
	if p.acked, err = registerCounterVec(reg, p.acked); err != nil {
		return nil, err
	}
	if p.failed, err = registerCounterVec(reg, p.failed); err != nil {
		return nil, err
	}
	if p.delivered, err = registerCounterVec(reg, p.delivered); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) SignalPosted(attrs map[string]string) {
	p.posted.With(labels(attrs, labelPeerRank)).Inc()
}

func (p *PrometheusMetrics) SignalAcked(attrs map[string]string) {
	p.acked.With(labels(attrs, labelPeerRank)).Inc()
}

func (p *PrometheusMetrics) SignalFailed(_ error, _ map[string]string) {
	p.failed.With(prometheus.Labels{}).Inc()
}

func (p *PrometheusMetrics) ReassemblyDelivered(attrs map[string]string) {
	p.delivered.With(labels(attrs, labelPeerRank)).Inc()
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
