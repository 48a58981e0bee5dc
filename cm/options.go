package cm

// Logger provides structured debug logging hooks, mirroring the teacher's
// client.Logger so callers can supply a zap.SugaredLogger, a test double,
// or nothing.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a key/value pair attached to a handshake span or event.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping CM handshake activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records handshake lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures CM handshake telemetry events.
type MetricHook interface {
	HandshakeProgressed(attrs map[string]string)
	HandshakeReady(attrs map[string]string)
	HandshakeFailed(err error, attrs map[string]string)
	RxDropped(attrs map[string]string)
}

// Options configures a ConnectionManager.
type Options struct {
	// ConnMsgDataSize is the transport-opaque payload size carried after
	// the fixed wire prefix (spec.md §6). Must match on both peers.
	ConnMsgDataSize int
	// RecvPoolSize is the number of recv buffers pre-posted at startup
	// (spec.md §4.3 "Receive dispatch").
	RecvPoolSize int
	// AutoProgress enables the CONNECT_RESP inject optimization when the
	// selected provider supports automatic progress (spec.md §4.3
	// "Provider-progress optimization").
	AutoProgress bool

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (o *Options) logf(format string, args ...any) {
	if o == nil || o.Logger == nil {
		return
	}
	o.Logger.Debugf(format, args...)
}

const (
	defaultConnMsgDataSize = 64
	defaultRecvPoolSize    = 8
)

func (o Options) withDefaults() Options {
	if o.ConnMsgDataSize <= 0 {
		o.ConnMsgDataSize = defaultConnMsgDataSize
	}
	if o.RecvPoolSize <= 0 {
		o.RecvPoolSize = defaultRecvPoolSize
	}
	return o
}
