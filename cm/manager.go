package cm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// maxCompletionsPerProgress bounds how many CQ entries a single public call
// drains before returning, so a burst of incoming traffic can't make a
// TestReady call from an unrelated connector run unboundedly long.
const maxCompletionsPerProgress = 32

// ConnectionManager drives the out-of-band handshake over a single
// Libfabric endpoint per domain (spec.md §4.3). One mutex guards every
// piece of its mutable state; it is never held across a call that can
// block indefinitely, only across posts and CQ polls, which are
// non-blocking.
type ConnectionManager struct {
	mu sync.Mutex

	ep   cmEndpoint
	opts Options
	ids  *idPool

	callbacks map[uint32]func(*ConnectMessage) error
	pending   pendingQueue
	rxReqs    []*request

	ownAddrCache []byte
	closed       bool
}

// NewConnectionManager wraps an already-configured endpoint, address
// vector, and completion queue (all bound to the same domain) and posts the
// initial receive buffer pool.
func NewConnectionManager(ep *fi.Endpoint, av *fi.AddressVector, cq *fi.CompletionQueue, opts Options) (*ConnectionManager, error) {
	opts = opts.withDefaults()
	cm := &ConnectionManager{
		ep:        newProviderEndpoint(ep, av, cq),
		opts:      opts,
		ids:       newIDPool(),
		callbacks: make(map[uint32]func(*ConnectMessage) error),
	}
	if err := cm.postRecvPool(); err != nil {
		return nil, err
	}
	return cm, nil
}

func (cm *ConnectionManager) postRecvPool() error {
	size := wireMessageLen(cm.opts.ConnMsgDataSize)
	for i := 0; i < cm.opts.RecvPoolSize; i++ {
		r := &request{kind: requestRX, cm: cm, buf: make([]byte, size)}
		if err := r.progress(); err != nil {
			return fmt.Errorf("cm: failed to post initial rx buffer: %w", err)
		}
		cm.rxReqs = append(cm.rxReqs, r)
	}
	return nil
}

func (cm *ConnectionManager) ownAddr() ([]byte, error) {
	if cm.ownAddrCache != nil {
		return cm.ownAddrCache, nil
	}
	addr, err := cm.ep.OwnAddress()
	if err != nil {
		return nil, &ProviderError{Op: "get own address", Err: err}
	}
	if len(addr) > MaxEPAddrLen {
		return nil, fmt.Errorf("cm: own endpoint address length %d exceeds MaxEPAddrLen %d", len(addr), MaxEPAddrLen)
	}
	cm.ownAddrCache = addr
	return addr, nil
}

func (cm *ConnectionManager) registerCallbackLocked(id uint32, cb func(*ConnectMessage) error) error {
	if _, exists := cm.callbacks[id]; exists {
		return &ProtocolViolationError{Err: fmt.Errorf("%w: id %d", ErrDuplicateCallback, id)}
	}
	cm.callbacks[id] = cb
	return nil
}

func (cm *ConnectionManager) unregisterCallbackLocked(id uint32) {
	delete(cm.callbacks, id)
}

// progressLocked drains the pending-requests queue and then the completion
// queue, in that order, matching spec.md §4.3's "Progress" section. It is
// called at the top of every public entry point.
func (cm *ConnectionManager) progressLocked() error {
	if failed, err := cm.pending.drain(); err != nil {
		op := "pending retry"
		if failed != nil {
			op = fmt.Sprintf("pending retry (kind %d)", failed.kind)
		}
		return &ProviderError{Op: op, Err: err}
	}

	for i := 0; i < maxCompletionsPerProgress; i++ {
		advanced, err := cm.pollOnceLocked()
		if err != nil {
			return err
		}
		if !advanced {
			break
		}
	}
	return nil
}

func (cm *ConnectionManager) pollOnceLocked() (bool, error) {
	event, err := cm.ep.ReadCompletion()
	if err == nil {
		cm.resolveAndDispatch(event)
		return true, nil
	}
	if !errors.Is(err, fi.ErrNoCompletion) {
		return false, &ProviderError{Op: "cq read", Err: err}
	}

	cerr, err := cm.ep.ReadCompletionError(0)
	if err == nil {
		cm.resolveErrorAndDispatch(cerr)
		return true, nil
	}
	if errors.Is(err, fi.ErrNoCompletion) {
		return false, nil
	}
	return false, &ProviderError{Op: "cq read error", Err: err}
}

func (cm *ConnectionManager) resolveAndDispatch(event *fi.CompletionEvent) {
	ctx, err := event.Resolve()
	if err != nil {
		return
	}
	if r, ok := ctx.Value().(*request); ok && r != nil {
		r.handleCompletion(nil)
	}
}

func (cm *ConnectionManager) resolveErrorAndDispatch(cerr *fi.CompletionError) {
	ctx, err := cerr.Resolve()
	if err != nil {
		return
	}
	if r, ok := ctx.Value().(*request); ok && r != nil {
		r.handleCompletion(cerr.Err)
	}
}

// onRX is request.handleCompletion's hook for requestRX: decode the
// message and dispatch it by remote_id, per spec.md §4.3's "Receive
// dispatch" steps 1-3 (step 4, reposting the buffer, is the caller's job).
func (cm *ConnectionManager) onRX(buf []byte, err error) {
	if err != nil {
		if !IsBenign(err) {
			cm.opts.logf("cm: rx completion error: %v", err)
		}
		return
	}
	msg, derr := decodeConnectMessage(buf, cm.opts.ConnMsgDataSize)
	if derr != nil {
		cm.opts.logf("cm: failed to decode connect message: %v", derr)
		return
	}
	cb, ok := cm.callbacks[msg.RemoteID]
	if !ok {
		cm.opts.logf("cm: no callback registered for id %d, dropping %s", msg.RemoteID, msg.Type)
		if cm.opts.Metrics != nil {
			cm.opts.Metrics.RxDropped(map[string]string{labelMessageType: msg.Type.String()})
		}
		return
	}
	if cbErr := cb(msg); cbErr != nil {
		cm.opts.logf("cm: callback for id %d returned error: %v", msg.RemoteID, cbErr)
	}
}

// Close tears the connection manager down: the rx buffer pool is discarded
// first (its posts are still outstanding, and FI_ECANCELED entries for them
// are expected and benign), then the endpoint itself is closed.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.rxReqs = nil
	return cm.ep.Close()
}
