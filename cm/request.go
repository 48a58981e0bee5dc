package cm

import (
	"fmt"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// requestKind discriminates the closed set of operations the CM ever posts,
// spec.md §9's "polymorphic requests" design note. Dispatch on completion
// happens through the value attached to the fi.CompletionContext that was
// posted alongside the operation — fi already maintains the
// pointer-to-context table this scheme needs, so request reuses it instead
// of keeping a second one.
type requestKind int

const (
	requestRX requestKind = iota
	requestSendConnect
	requestSendConnectResp
)

// request is the tagged union backing every CM-posted operation. Which
// fields are meaningful depends on kind.
type request struct {
	kind requestKind
	cm   *ConnectionManager

	// RX: a standing recv buffer reposted after every completion.
	buf []byte

	// send-side (CONNECT / CONNECT_RESP).
	dest    fi.Address
	payload []byte

	// onComplete runs once the send/recv this request represents has
	// completed successfully; it drives the owning SendConnector's or
	// Receiver's state transition. err is non-nil on a CQ error entry or
	// FI_ECANCELED observed at teardown.
	onComplete func(err error)
}

// progress posts the operation this request represents. Called the first
// time a request is created and again, by the pending queue, after a prior
// attempt returned TemporarilyUnavailable.
func (r *request) progress() error {
	switch r.kind {
	case requestRX:
		return r.postRecv()
	case requestSendConnect, requestSendConnectResp:
		return r.postSend()
	default:
		return fmt.Errorf("cm: unknown request kind %d", r.kind)
	}
}

func (r *request) postRecv() error {
	req := &fi.RecvRequest{Buffer: r.buf}
	ctx, err := r.cm.ep.PostRecv(req)
	if err != nil {
		return err
	}
	ctx.SetValue(r)
	return nil
}

func (r *request) postSend() error {
	req := &fi.SendRequest{Buffer: r.payload, Dest: r.dest}
	ctx, err := r.cm.ep.PostSend(req)
	if err != nil {
		return err
	}
	ctx.SetValue(r)
	return nil
}

// handleCompletion runs the request's completion action and, for rxRequest,
// reposts the buffer so the receive pool never drains. err is nil for a
// clean completion, or the error resolved from a CQ error entry.
func (r *request) handleCompletion(err error) {
	switch r.kind {
	case requestRX:
		r.cm.onRX(r.buf, err)
		if err == nil || IsBenign(err) {
			if repostErr := r.progress(); repostErr != nil {
				if IsTemporarilyUnavailable(repostErr) {
					r.cm.pending.push(r)
				} else {
					r.cm.opts.logf("cm: failed to repost rx buffer: %v", repostErr)
				}
			}
		}
	case requestSendConnect, requestSendConnectResp:
		if r.onComplete != nil {
			r.onComplete(err)
		}
	}
}
