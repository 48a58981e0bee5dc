package gin

import (
	"fmt"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// requestKind discriminates the closed set of operations a Communicator
// ever posts, the same "polymorphic requests" design cm/request.go uses
// (spec.md §9): dispatch on completion happens through the value attached
// to the fi.CompletionContext posted alongside the operation.
type requestKind int

const (
	// requestRXControl is a standing recv on a control rail, reposted after
	// every completion — it carries metadata messages and never completes
	// a Request on its own.
	requestRXControl requestKind = iota
	// requestSendMetadata is a one-shot metadata send, one of iput_signal's
	// sub-requests.
	requestSendMetadata
	// requestWriteSegment is a one-shot write-with-imm carrying a payload
	// segment, the other of iput_signal's sub-requests.
	requestWriteSegment
	// requestWriteAck is the receiver's zero-byte write-with-imm back to
	// the sender's ack-landing buffer, releasing the sender's slot.
	requestWriteAck
)

// request is the tagged union backing every GIN-posted operation.
type request struct {
	kind requestKind
	comm *Communicator
	rail *Rail

	// requestRXControl: a standing recv buffer reposted after every
	// completion.
	buf []byte

	// requestSendMetadata.
	dest     fi.Address
	payload  []byte
	metaMR   *fi.MemoryRegion // backing region drawn from the rail's metadata pool
	metaPool *fi.MRPool       // released back to this pool once the send completes

	// requestWriteSegment / requestWriteAck.
	writeReq *fi.RMARequest
	immData  uint64

	// requestSendMetadata / requestWriteSegment: the aggregator this
	// sub-request belongs to.
	parent *Request

	// requestWriteAck: fired once the ack write has locally completed, so
	// the receiver can account for it against nothing in particular — acks
	// are fire-and-forget from the sender of the ack's point of view.
	onAckSent func(err error)
}

// progress posts the operation this request represents. Called when the
// request is first created and again, from the pending queue, after a
// prior attempt returned TemporarilyUnavailable.
func (r *request) progress() error {
	switch r.kind {
	case requestRXControl:
		return r.postRecv()
	case requestSendMetadata:
		return r.postSend()
	case requestWriteSegment, requestWriteAck:
		return r.postWrite()
	default:
		return fmt.Errorf("gin: unknown request kind %d", r.kind)
	}
}

func (r *request) postRecv() error {
	req := &fi.RecvRequest{Buffer: r.buf}
	ctx, err := r.rail.ep.PostRecv(req)
	if err != nil {
		return err
	}
	ctx.SetValue(r)
	return nil
}

func (r *request) postSend() error {
	payload := r.payload
	if r.metaMR != nil {
		payload = r.metaMR.Bytes()
	}
	req := &fi.SendRequest{Buffer: payload, Dest: r.dest}
	ctx, err := r.rail.ep.PostSend(req)
	if err != nil {
		return err
	}
	ctx.SetValue(r)
	return nil
}

func (r *request) postWrite() error {
	ctx, err := r.rail.ep.PostWriteWithImm(r.writeReq, r.immData)
	if err != nil {
		return err
	}
	ctx.SetValue(r)
	return nil
}

// handleCompletion runs the request's completion action and, for
// requestRXControl, reposts the buffer so the control recv pool never
// drains. err is nil for a clean completion, or the error resolved from a
// CQ error entry (FI_ECANCELED at teardown is expected and benign). source
// is the completion's originating address; only requestRXControl uses it,
// to resolve which peer sent the metadata record.
func (r *request) handleCompletion(err error, source fi.Address) {
	switch r.kind {
	case requestRXControl:
		r.comm.onControlRecv(r.rail, source, r.buf, err)
		if err == nil || IsBenign(err) {
			if repostErr := r.progress(); repostErr != nil {
				if IsTemporarilyUnavailable(repostErr) {
					r.comm.pending.push(r)
				} else {
					r.comm.opts.logf("gin: failed to repost control rx buffer: %v", repostErr)
				}
			}
		}
	case requestSendMetadata:
		if r.metaPool != nil && r.metaMR != nil {
			r.metaPool.Release(r.metaMR)
		}
		if r.parent != nil {
			r.parent.subDone(err)
		}
	case requestWriteSegment:
		if r.parent != nil {
			r.parent.subDone(err)
		}
	case requestWriteAck:
		if r.onAckSent != nil {
			r.onAckSent(err)
		}
	}
}

// Request is the handle IputSignal returns. Per spec.md §4.4 step 6, it
// completes only once every local sub-request (the payload write and the
// metadata send) has completed AND the receiver's write-ack for the
// sequence has arrived back — not merely once the local writes are posted.
type Request struct {
	comm        *Communicator
	pendingSubs int
	ackPending  bool
	err         error
}

func newRequest(comm *Communicator, numSubs int) *Request {
	return &Request{comm: comm, pendingSubs: numSubs, ackPending: true}
}

// subDone is called by a sub-request's handleCompletion, always while
// comm.mu is already held by the progress call that triggered it.
func (r *Request) subDone(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
	r.pendingSubs--
}

// ackDone is called once the communicator observes the matching write-ack
// arrive on a control rail, also under comm.mu.
func (r *Request) ackDone(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
	r.ackPending = false
}

// TestReady reports whether the request has completed. There is no
// background progress thread — exactly like cm's Receiver.TestReady, it
// pumps the communicator's own completion queues first and only then
// reports readiness, so a caller that never calls TestReady will never see
// this request complete.
func (r *Request) TestReady() (bool, error) {
	r.comm.mu.Lock()
	defer r.comm.mu.Unlock()
	if err := r.comm.progressLocked(); err != nil {
		return false, err
	}
	ready := r.pendingSubs <= 0 && !r.ackPending
	return ready, r.err
}

// Close releases the request. GIN requests hold no resources of their own
// once the underlying sub-requests have completed, so this is a no-op,
// matching cm's Receiver.Close.
func (r *Request) Close() error {
	return nil
}
