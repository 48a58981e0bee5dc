package cm

import (
	"fmt"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// SendConnector represents one outgoing connection, produced by Connect.
type SendConnector struct {
	cm *ConnectionManager

	id         uint32
	listenerID uint32
	destAddr   fi.Address
	payload    []byte

	sent         bool
	delivered    bool
	respReceived bool
	respPayload  []byte
	readyLogged  bool
}

// Connect allocates a connector id, registers its callback under that id,
// and returns the SendConnector. The CONNECT message itself is not posted
// until the first TestReady call, per the state machine's Created→Posted
// transition.
func (cm *ConnectionManager) Connect(h Handle, payload []byte) (*SendConnector, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if err := cm.progressLocked(); err != nil {
		return nil, err
	}
	if len(payload) != cm.opts.ConnMsgDataSize {
		return nil, &InvalidArgumentError{Err: fmt.Errorf("%w: got %d want %d", ErrInvalidPayloadSize, len(payload), cm.opts.ConnMsgDataSize)}
	}

	id, err := cm.ids.Allocate()
	if err != nil {
		return nil, &ResourceExhaustedError{Err: err}
	}
	dest, err := cm.ep.InsertPeerAddress(h.EPAddr)
	if err != nil {
		return nil, &ProviderError{Op: "insert peer address", Err: err}
	}

	sc := &SendConnector{
		cm:         cm,
		id:         id,
		listenerID: h.ListenerID,
		destAddr:   dest,
		payload:    append([]byte(nil), payload...),
	}
	if err := cm.registerCallbackLocked(id, sc.onMessage); err != nil {
		return nil, err
	}
	return sc, nil
}

// onMessage runs with cm.mu held, dispatched from a CONNECT_RESP completion
// matched by this connector's own id.
func (sc *SendConnector) onMessage(msg *ConnectMessage) error {
	if msg.Type != MsgConnectResp {
		return fmt.Errorf("cm: connector %d received unexpected message type %s", sc.id, msg.Type)
	}
	sc.respPayload = append([]byte(nil), msg.Payload...)
	sc.respReceived = true
	return nil
}

// ConnRespPayload returns the transport-opaque payload the peer's
// CONNECT_RESP carried, once received.
func (sc *SendConnector) ConnRespPayload() []byte {
	return sc.respPayload
}

// TestReady posts the CONNECT on its first call and reports readiness once
// both the local send has completed and a CONNECT_RESP has arrived.
// Repeated calls before readiness post nothing further — sent is set the
// moment the first post is attempted, whether or not it succeeded outright.
func (sc *SendConnector) TestReady() (bool, error) {
	sc.cm.mu.Lock()
	defer sc.cm.mu.Unlock()

	if err := sc.cm.progressLocked(); err != nil {
		return false, err
	}

	if !sc.sent {
		ownAddr, err := sc.cm.ownAddr()
		if err != nil {
			return false, err
		}
		msg := &ConnectMessage{
			Type:     MsgConnect,
			LocalID:  sc.id,
			RemoteID: sc.listenerID,
			EPAddr:   ownAddr,
			Payload:  sc.payload,
		}
		buf := make([]byte, wireMessageLen(sc.cm.opts.ConnMsgDataSize))
		if err := encodeConnectMessage(buf, msg, sc.cm.opts.ConnMsgDataSize); err != nil {
			return false, err
		}

		sc.sent = true
		req := &request{
			kind:    requestSendConnect,
			cm:      sc.cm,
			dest:    sc.destAddr,
			payload: buf,
			onComplete: func(err error) {
				if err != nil && !IsBenign(err) {
					sc.cm.opts.logf("cm: connect send from connector %d failed: %v", sc.id, err)
					return
				}
				sc.delivered = true
			},
		}
		if err := req.progress(); err != nil {
			if IsTemporarilyUnavailable(err) {
				sc.cm.pending.push(req)
			} else {
				if m := sc.cm.opts.Metrics; m != nil {
					m.HandshakeFailed(err, map[string]string{labelMessageType: MsgConnect.String()})
				}
				return false, &ProviderError{Op: "post connect", Err: err}
			}
		}
		if m := sc.cm.opts.Metrics; m != nil {
			m.HandshakeProgressed(map[string]string{labelMessageType: MsgConnect.String()})
		}
	}

	ready := sc.delivered && sc.respReceived
	if ready && !sc.readyLogged {
		sc.readyLogged = true
		if m := sc.cm.opts.Metrics; m != nil {
			m.HandshakeReady(map[string]string{labelConnectorID: fmt.Sprint(sc.id)})
		}
	}
	return ready, nil
}

// Close discards the connector and removes its callback. Destruction before
// readiness is permitted; a CONNECT_RESP that arrives afterward finds no
// callback and is logged and dropped.
func (sc *SendConnector) Close() error {
	sc.cm.mu.Lock()
	defer sc.cm.mu.Unlock()
	sc.cm.unregisterCallbackLocked(sc.id)
	return nil
}
