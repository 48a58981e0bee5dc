package cm

import (
	"bytes"
	"testing"
)

func newHandshakePair(t *testing.T, autoProgress bool) (*ConnectionManager, *ConnectionManager) {
	t.Helper()
	epA, epB := newFakeEndpointPair([]byte("addr-A"), []byte("addr-B"), 256)
	opts := Options{ConnMsgDataSize: 64, RecvPoolSize: 2, AutoProgress: autoProgress}
	mgrA, err := newTestManager(epA, opts)
	if err != nil {
		t.Fatalf("newTestManager(A) failed: %v", err)
	}
	mgrB, err := newTestManager(epB, opts)
	if err != nil {
		t.Fatalf("newTestManager(B) failed: %v", err)
	}
	return mgrA, mgrB
}

// TestHandshakeAutoProgressOn covers spec.md §8 scenario 1: with automatic
// progress available, the Receiver's CONNECT_RESP delivers via inject and
// both sides reach Ready without any explicit CQ wait on the accepting
// side.
func TestHandshakeAutoProgressOn(t *testing.T) {
	mgrA, mgrB := newHandshakePair(t, true)

	payloadS := bytes.Repeat([]byte{0x11}, 64)
	payloadR := bytes.Repeat([]byte{0x22}, 64)

	l, err := mgrA.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	h, err := l.Handle()
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	sc, err := mgrB.Connect(h, payloadS)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if ready, err := sc.TestReady(); err != nil || ready {
		t.Fatalf("connector should not be ready yet: ready=%v err=%v", ready, err)
	}

	var recv *Receiver
	for i := 0; i < 10 && recv == nil; i++ {
		recv, err = l.Accept()
		if err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
	}
	if recv == nil {
		t.Fatalf("listener never produced a receiver")
	}
	if !bytes.Equal(recv.ConnPayload(), payloadS) {
		t.Fatalf("receiver conn payload = %x, want %x", recv.ConnPayload(), payloadS)
	}

	if err := recv.SetConnRespMsgData(payloadR); err != nil {
		t.Fatalf("SetConnRespMsgData failed: %v", err)
	}
	ready, err := recv.TestReady()
	if err != nil {
		t.Fatalf("receiver TestReady failed: %v", err)
	}
	if !ready {
		t.Fatalf("receiver should be ready immediately via the inject path")
	}

	ready, err = sc.TestReady()
	if err != nil {
		t.Fatalf("connector TestReady failed: %v", err)
	}
	if !ready {
		t.Fatalf("connector should be ready after draining its completion queue")
	}
	if !bytes.Equal(sc.ConnRespPayload(), payloadR) {
		t.Fatalf("connector resp payload = %x, want %x", sc.ConnRespPayload(), payloadR)
	}
}

// TestHandshakeAutoProgressOff runs the handshake with automatic progress
// off: the Receiver sends CONNECT_RESP as a normal send and reports ready
// only once TestReady has drained that send completion. The fake endpoint
// queues the completion when the send is posted, so the first TestReady
// already observes it.
func TestHandshakeAutoProgressOff(t *testing.T) {
	mgrA, mgrB := newHandshakePair(t, false)

	payload := bytes.Repeat([]byte{0x33}, 64)

	l, err := mgrA.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	h, err := l.Handle()
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	sc, err := mgrB.Connect(h, payload)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := sc.TestReady(); err != nil {
		t.Fatalf("connector TestReady failed: %v", err)
	}

	var recv *Receiver
	for i := 0; i < 10 && recv == nil; i++ {
		recv, err = l.Accept()
		if err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
	}
	if recv == nil {
		t.Fatalf("listener never produced a receiver")
	}

	if err := recv.SetConnRespMsgData(payload); err != nil {
		t.Fatalf("SetConnRespMsgData failed: %v", err)
	}

	// The fake queued the CONNECT_RESP send completion at post time, so this
	// first TestReady drains it and reports ready.
	ready, err := recv.TestReady()
	if err != nil {
		t.Fatalf("receiver TestReady failed: %v", err)
	}
	if !ready {
		t.Fatalf("receiver should observe its send completion on this poll")
	}
}

// TestListenerDroppedMidHandshake covers spec.md §8 scenario 3: if the
// listener is closed before accept() produces a Receiver, the connecting
// side's TestReady never becomes ready, and closing it is harmless.
func TestListenerDroppedMidHandshake(t *testing.T) {
	mgrA, mgrB := newHandshakePair(t, true)

	l, err := mgrA.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	h, err := l.Handle()
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	payload := bytes.Repeat([]byte{0x44}, 64)
	sc, err := mgrB.Connect(h, payload)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := sc.TestReady(); err != nil {
		t.Fatalf("connector TestReady failed: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Listener Close failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		ready, err := sc.TestReady()
		if err != nil {
			t.Fatalf("connector TestReady failed: %v", err)
		}
		if ready {
			t.Fatalf("connector became ready despite the listener being dropped")
		}
	}

	if err := sc.Close(); err != nil {
		t.Fatalf("connector Close must not fail: %v", err)
	}
}

// TestIDPoolUniqueness covers spec.md §8's id-uniqueness invariant: every
// Listen/Connect call draws a distinct, never-reused id within a manager's
// lifetime.
func TestIDPoolUniqueness(t *testing.T) {
	mgrA, _ := newHandshakePair(t, true)

	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		l, err := mgrA.Listen()
		if err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		h, err := l.Handle()
		if err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
		if seen[h.ListenerID] {
			t.Fatalf("listener id %d reused", h.ListenerID)
		}
		seen[h.ListenerID] = true
	}
}

// TestDuplicateCallbackIsFatal covers spec.md §4.3's "Duplicate
// callback-map insertion: fatal" failure semantics.
func TestDuplicateCallbackIsFatal(t *testing.T) {
	mgrA, _ := newHandshakePair(t, true)

	mgrA.mu.Lock()
	err := mgrA.registerCallbackLocked(1, func(*ConnectMessage) error { return nil })
	mgrA.mu.Unlock()
	if err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}

	mgrA.mu.Lock()
	err = mgrA.registerCallbackLocked(1, func(*ConnectMessage) error { return nil })
	mgrA.mu.Unlock()
	if err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if _, ok := err.(*ProtocolViolationError); !ok {
		t.Fatalf("expected *ProtocolViolationError, got %T: %v", err, err)
	}
}

// TestPendingQueueMonotonicity covers spec.md §8's pending-queue
// monotonicity invariant: a connector whose first CONNECT post is refused
// with TemporarilyUnavailable stays enqueued (not lost, not duplicated)
// until a later progress pass succeeds.
func TestPendingQueueMonotonicity(t *testing.T) {
	mgrA, mgrB := newHandshakePair(t, true)

	l, err := mgrA.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	h, err := l.Handle()
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	epB := mgrB.ep.(*fakeEndpoint)
	epB.nextFailEAGAIN = 1

	payload := bytes.Repeat([]byte{0x55}, 64)
	sc, err := mgrB.Connect(h, payload)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ready, err := sc.TestReady()
	if err != nil {
		t.Fatalf("first TestReady should not surface TemporarilyUnavailable: %v", err)
	}
	if ready {
		t.Fatalf("connector should not be ready after an EAGAIN'd post")
	}
	if n := mgrB.pending.len(); n != 1 {
		t.Fatalf("pending queue length = %d, want 1 after the EAGAIN", n)
	}
	if !sc.sent {
		t.Fatalf("sent flag must still be set after an EAGAIN, so TestReady does not double-post")
	}

	// The retry succeeds because nextFailEAGAIN has already been consumed.
	if _, err := sc.TestReady(); err != nil {
		t.Fatalf("retry TestReady failed: %v", err)
	}
	if n := mgrB.pending.len(); n != 0 {
		t.Fatalf("pending queue should have drained after the retry, got length %d", n)
	}
}

// TestBenignCancelOnTeardown covers spec.md §4.3's failure semantics:
// FI_ECANCELED on an outstanding rx buffer at teardown is silently ignored,
// not surfaced as a provider error.
func TestBenignCancelOnTeardown(t *testing.T) {
	mgrA, _ := newHandshakePair(t, true)
	epA := mgrA.ep.(*fakeEndpoint)

	epA.queueCanceledRX()

	mgrA.mu.Lock()
	err := mgrA.progressLocked()
	mgrA.mu.Unlock()
	if err != nil {
		t.Fatalf("a canceled rx completion must not surface as an error, got: %v", err)
	}
}
