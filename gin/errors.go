package gin

import (
	"errors"
	"fmt"

	"github.com/rauteric/aws-ofi-nccl/internal/capi"
)

var (
	// ErrInvalidSignalOp indicates a signal op other than none/INC/ADD.
	ErrInvalidSignalOp = errors.New("gin: signal op must be none, INC, or ADD")
	// ErrSlotCollision indicates the runtime posted more inflight requests
	// to one peer than its own inflight cap allows.
	ErrSlotCollision = errors.New("gin: sequence slot collision")
	// ErrUnknownPeer indicates an operation referenced a rank with no peer
	// table entry, i.e. Connect never exchanged a handle for it.
	ErrUnknownPeer = errors.New("gin: no peer table entry for rank")
	// ErrAckPeerUnresolved indicates a write-ack completion's source address
	// did not match any peer in the control-rail peer map (spec.md §9's
	// ack-vs-data-rail design note resolves this lookup to the control rail).
	ErrAckPeerUnresolved = errors.New("gin: could not resolve ack source to a peer")
	// ErrClosedWithOutstandingAcks indicates Close was called while acks
	// were still outstanding (spec.md §8 "GIN ack balance").
	ErrClosedWithOutstandingAcks = errors.New("gin: close called with outstanding acks")
	// ErrMetadataFreelistExhausted indicates the metadata buffer pool hit
	// its configured cap.
	ErrMetadataFreelistExhausted = errors.New("gin: metadata buffer freelist exhausted")
)

// InvalidArgumentError wraps a caller-facing argument error (spec.md §7's
// InvalidArgument kind): a bad signal op, a mismatched region, or an
// immediate-data field out of range.
type InvalidArgumentError struct{ Err error }

func (e *InvalidArgumentError) Error() string { return fmt.Sprintf("gin: invalid argument: %v", e.Err) }
func (e *InvalidArgumentError) Unwrap() error  { return e.Err }

// ResourceExhaustedError wraps freelist/pool exhaustion (spec.md §7's
// ResourceExhausted kind).
type ResourceExhaustedError struct{ Err error }

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("gin: resource exhausted: %v", e.Err)
}
func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// ProtocolViolationError wraps a fatal condition: a sequence-slot collision,
// or Close called while write-acks are still outstanding. It is returned
// rather than panicking. Messages for an unknown peer are not reported
// through it; they are logged and dropped.
type ProtocolViolationError struct{ Err error }

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("gin: protocol violation: %v", e.Err)
}
func (e *ProtocolViolationError) Unwrap() error { return e.Err }

// ProviderError wraps a non-EAGAIN error surfaced by a post or a CQ error
// entry, preserving the underlying provider code (spec.md §7's Provider kind).
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gin: provider error during %s: %v", e.Op, e.Err)
}
func (e *ProviderError) Unwrap() error { return e.Err }

// IsTemporarilyUnavailable reports whether err is the provider's "try again
// later" signal, the only kind recovered locally by re-enqueuing.
func IsTemporarilyUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var errno capi.Errno
	if errors.As(err, &errno) {
		return errno == capi.ErrAgain || errno == capi.ErrWouldBlock
	}
	return false
}

// IsBenign reports whether err is FI_ECANCELED observed during teardown.
func IsBenign(err error) bool {
	return capi.IsCanceled(err)
}
