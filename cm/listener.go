package cm

import "fmt"

// Handle is the out-of-band bootstrap token a Listener advertises. The host
// runtime carries it to the connecting peer by whatever channel it already
// uses to exchange rank information (spec.md §3's "Handle").
type Handle struct {
	ListenerID uint32
	EPAddr     []byte
}

// Listener accepts incoming connections directed at its advertised Handle.
type Listener struct {
	cm     *ConnectionManager
	id     uint32
	ready  []*Receiver
	closed bool
}

// Listen allocates a listener id, registers its callback, and returns the
// Listener. The returned Handle is retrieved separately via Listener.Handle
// so the caller can defer the address lookup until it actually needs to
// hand the handle to the host runtime.
func (cm *ConnectionManager) Listen() (*Listener, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if err := cm.progressLocked(); err != nil {
		return nil, err
	}

	id, err := cm.ids.Allocate()
	if err != nil {
		return nil, &ResourceExhaustedError{Err: err}
	}

	l := &Listener{cm: cm, id: id}
	if err := cm.registerCallbackLocked(id, l.onMessage); err != nil {
		return nil, err
	}
	return l, nil
}

// Handle returns the bootstrap token for this listener.
func (l *Listener) Handle() (Handle, error) {
	addr, err := l.cm.ownAddr()
	if err != nil {
		return Handle{}, err
	}
	return Handle{ListenerID: l.id, EPAddr: addr}, nil
}

// onMessage is invoked with cm.mu held, from within a progress-locked
// dispatch; it only ever sees CONNECT messages, since CONNECT_RESP routes by
// the connector's own id, never a listener id.
func (l *Listener) onMessage(msg *ConnectMessage) error {
	if msg.Type != MsgConnect {
		return fmt.Errorf("cm: listener %d received unexpected message type %s", l.id, msg.Type)
	}
	dest, err := l.cm.ep.InsertPeerAddress(msg.EPAddr)
	if err != nil {
		return err
	}
	l.ready = append(l.ready, &Receiver{
		cm:       l.cm,
		peerID:   msg.LocalID,
		destAddr: dest,
		payload:  append([]byte(nil), msg.Payload...),
	})
	return nil
}

// Accept pops the next fully-received connection, or nil if none has
// arrived yet. The returned Receiver is not necessarily ready: callers
// still drive it to readiness via SetConnRespMsgData and TestReady.
func (l *Listener) Accept() (*Receiver, error) {
	l.cm.mu.Lock()
	defer l.cm.mu.Unlock()

	if err := l.cm.progressLocked(); err != nil {
		return nil, err
	}
	if len(l.ready) == 0 {
		return nil, nil
	}
	r := l.ready[0]
	l.ready = l.ready[1:]
	return r, nil
}

// Close stops accepting connections under this listener's id. A CONNECT
// that arrives afterward has no callback to find and is logged and dropped,
// same as any other unroutable message.
func (l *Listener) Close() error {
	l.cm.mu.Lock()
	defer l.cm.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cm.unregisterCallbackLocked(l.id)
	return nil
}
