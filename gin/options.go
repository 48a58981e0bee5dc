package gin

import "github.com/rauteric/aws-ofi-nccl/internal/gdrcopy"

// Logger provides structured debug logging hooks, mirroring cm.Logger and
// the teacher's client.Logger so callers can supply a zap.SugaredLogger, a
// test double, or nothing.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a key/value pair attached to an iput_signal span.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping GIN activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records iput_signal/reassembly lifecycle, events, and errors.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures GIN telemetry events — spec.md §2 assigns the GIN
// engine the largest share of the implementation budget but is silent on
// observability; the ambient stack is carried regardless (SPEC_FULL.md §1).
type MetricHook interface {
	SignalPosted(attrs map[string]string)
	SignalAcked(attrs map[string]string)
	SignalFailed(err error, attrs map[string]string)
	ReassemblyDelivered(attrs map[string]string)
}

// CommunicatorOptions configures a Communicator.
type CommunicatorOptions struct {
	// MaxInflight bounds the number of sequence slots this communicator
	// keeps outstanding per peer before a new iput_signal to that peer
	// would collide with one not yet ack'd.
	MaxInflight int
	// ControlRecvPoolSize is the number of metadata recv buffers
	// pre-posted per control rail at startup.
	ControlRecvPoolSize int

	// GDRCopy opens the device-memory signal path (spec.md §4.4): a
	// CUDA-resident sig_mr needs it both to validate reg_mr eagerly and to
	// apply the signal update later. Leave nil to run data-rail-only with
	// host-memory signals; without a GDRCopy context, RegisterRegion of a
	// CUDA region fails with ProviderError{gdrcopy.ErrUnavailable}, and a
	// signal update for a CUDA sig_mr is not applied (the receiver's apply
	// step returns that same error).
	GDRCopy *gdrcopy.Context

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (o *CommunicatorOptions) logf(format string, args ...any) {
	if o == nil || o.Logger == nil {
		return
	}
	o.Logger.Debugf(format, args...)
}

const (
	defaultMaxInflight         = 256
	defaultControlRecvPoolSize = 16
)

func (o CommunicatorOptions) withDefaults() CommunicatorOptions {
	if o.MaxInflight <= 0 {
		o.MaxInflight = defaultMaxInflight
	}
	if o.ControlRecvPoolSize <= 0 {
		o.ControlRecvPoolSize = defaultControlRecvPoolSize
	}
	return o
}
