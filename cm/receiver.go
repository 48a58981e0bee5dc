package cm

import (
	"errors"
	"fmt"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// Receiver represents one in-progress incoming connection, produced by
// Listener.Accept once its CONNECT has been matched to a listener.
type Receiver struct {
	cm *ConnectionManager

	peerID   uint32
	destAddr fi.Address
	payload  []byte

	respPayload []byte
	sent        bool
	delivered   bool
	readyLogged bool
}

// ConnPayload returns the transport-opaque payload the connecting side sent
// with its CONNECT.
func (r *Receiver) ConnPayload() []byte {
	return r.payload
}

// SetConnRespMsgData supplies the CONNECT_RESP payload and posts it
// immediately — the handshake diagram sends CONNECT_RESP from this call,
// not from the first TestReady. Calling it again once the first post has
// been attempted is a no-op, matching the state machine's single
// Created→Posted transition.
func (r *Receiver) SetConnRespMsgData(payload []byte) error {
	r.cm.mu.Lock()
	defer r.cm.mu.Unlock()

	if len(payload) != r.cm.opts.ConnMsgDataSize {
		return &InvalidArgumentError{Err: fmt.Errorf("%w: got %d want %d", ErrInvalidPayloadSize, len(payload), r.cm.opts.ConnMsgDataSize)}
	}
	if r.sent {
		return nil
	}

	ownAddr, err := r.cm.ownAddr()
	if err != nil {
		return err
	}
	r.respPayload = append([]byte(nil), payload...)
	msg := &ConnectMessage{
		Type:     MsgConnectResp,
		LocalID:  0,
		RemoteID: r.peerID,
		EPAddr:   ownAddr,
		Payload:  r.respPayload,
	}
	buf := make([]byte, wireMessageLen(r.cm.opts.ConnMsgDataSize))
	if err := encodeConnectMessage(buf, msg, r.cm.opts.ConnMsgDataSize); err != nil {
		return err
	}
	r.sent = true

	if r.cm.opts.AutoProgress {
		err := r.cm.ep.PostInject(buf, r.destAddr)
		if err == nil {
			r.delivered = true
			return nil
		}
		if !errors.Is(err, fi.ErrInjectTooLarge) {
			return &ProviderError{Op: "connect_resp inject", Err: err}
		}
		// Payload too large to inject; fall through to a tracked send.
	}

	req := &request{
		kind:    requestSendConnectResp,
		cm:      r.cm,
		dest:    r.destAddr,
		payload: buf,
		onComplete: func(err error) {
			if err != nil && !IsBenign(err) {
				r.cm.opts.logf("cm: connect_resp send to peer %d failed: %v", r.peerID, err)
				return
			}
			r.delivered = true
		},
	}
	if err := req.progress(); err != nil {
		if IsTemporarilyUnavailable(err) {
			r.cm.pending.push(req)
			return nil
		}
		if m := r.cm.opts.Metrics; m != nil {
			m.HandshakeFailed(err, map[string]string{labelMessageType: MsgConnectResp.String()})
		}
		return &ProviderError{Op: "post connect_resp", Err: err}
	}
	if m := r.cm.opts.Metrics; m != nil {
		m.HandshakeProgressed(map[string]string{labelMessageType: MsgConnectResp.String()})
	}
	return nil
}

// TestReady reports whether the CONNECT_RESP has locally completed.
// Readiness never waits on anything from the peer — the Receiver side of
// the handshake is purely local once it has sent its reply.
func (r *Receiver) TestReady() (bool, error) {
	r.cm.mu.Lock()
	defer r.cm.mu.Unlock()
	if err := r.cm.progressLocked(); err != nil {
		return false, err
	}
	ready := r.sent && r.delivered
	if ready && !r.readyLogged {
		r.readyLogged = true
		if m := r.cm.opts.Metrics; m != nil {
			m.HandshakeReady(map[string]string{labelMessageType: MsgConnectResp.String()})
		}
	}
	return ready, nil
}

// Close discards the receiver. It never registered a callback — CONNECT_RESP
// carries no reply of its own — so there is nothing to unregister.
func (r *Receiver) Close() error {
	return nil
}
