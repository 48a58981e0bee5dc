package cm

import (
	"fmt"

	"github.com/rauteric/aws-ofi-nccl/fi"
	"github.com/rauteric/aws-ofi-nccl/internal/capi"
)

// fakeEndpoint is a loopback cmEndpoint pair for exercising the handshake
// state machines and pending-queue logic without a live libfabric provider,
// mirroring the spirit of the teacher's setupSocketsResources skip-if-
// unavailable helper but going one step further: no provider at all.
//
// Sends on one side land directly on the peer's recv queue; local send
// completions are always immediate. A recv only completes once both a
// buffer has been posted and a message is waiting for it — whichever
// arrives second triggers the completion.
type fakeEndpoint struct {
	name string
	peer *fakeEndpoint

	ownAddr  []byte
	peerAddr fi.Address

	injectLimitVal uintptr
	nextFailEAGAIN int // number of subsequent PostSend/PostRecv calls to fail with TemporarilyUnavailable

	pendingRecvs []*fakeRecv
	inboundMsgs  [][]byte

	cq    []*fi.CompletionEvent
	cqErr []*fi.CompletionError
}

type fakeRecv struct {
	buf []byte
	ctx *fi.CompletionContext
}

func newFakeEndpointPair(addrA, addrB []byte, injectLimit uintptr) (*fakeEndpoint, *fakeEndpoint) {
	a := &fakeEndpoint{name: "A", ownAddr: addrA, injectLimitVal: injectLimit}
	b := &fakeEndpoint{name: "B", ownAddr: addrB, injectLimitVal: injectLimit}
	a.peer = b
	b.peer = a
	return a, b
}

func (f *fakeEndpoint) PostSend(req *fi.SendRequest) (*fi.CompletionContext, error) {
	if f.nextFailEAGAIN > 0 {
		f.nextFailEAGAIN--
		return nil, capi.ErrAgain
	}
	ctx, err := fi.NewCompletionContext()
	if err != nil {
		return nil, err
	}
	msg := append([]byte(nil), req.Buffer...)
	f.peer.inboundMsgs = append(f.peer.inboundMsgs, msg)
	f.peer.matchRecvs()
	f.cq = append(f.cq, &fi.CompletionEvent{Context: ctx.Pointer()})
	return ctx, nil
}

func (f *fakeEndpoint) PostRecv(req *fi.RecvRequest) (*fi.CompletionContext, error) {
	if f.nextFailEAGAIN > 0 {
		f.nextFailEAGAIN--
		return nil, capi.ErrAgain
	}
	ctx, err := fi.NewCompletionContext()
	if err != nil {
		return nil, err
	}
	f.pendingRecvs = append(f.pendingRecvs, &fakeRecv{buf: req.Buffer, ctx: ctx})
	f.matchRecvs()
	return ctx, nil
}

func (f *fakeEndpoint) matchRecvs() {
	for len(f.pendingRecvs) > 0 && len(f.inboundMsgs) > 0 {
		r := f.pendingRecvs[0]
		m := f.inboundMsgs[0]
		f.pendingRecvs = f.pendingRecvs[1:]
		f.inboundMsgs = f.inboundMsgs[1:]
		copy(r.buf, m)
		f.cq = append(f.cq, &fi.CompletionEvent{Context: r.ctx.Pointer()})
	}
}

func (f *fakeEndpoint) PostInject(buf []byte, _ fi.Address) error {
	if uintptr(len(buf)) > f.injectLimitVal {
		return fi.ErrInjectTooLarge
	}
	msg := append([]byte(nil), buf...)
	f.peer.inboundMsgs = append(f.peer.inboundMsgs, msg)
	f.peer.matchRecvs()
	return nil
}

func (f *fakeEndpoint) InjectLimit() uintptr { return f.injectLimitVal }

func (f *fakeEndpoint) OwnAddress() ([]byte, error) { return f.ownAddr, nil }

func (f *fakeEndpoint) InsertPeerAddress(raw []byte) (fi.Address, error) {
	if string(raw) != string(f.peer.ownAddr) {
		return 0, fmt.Errorf("fake: unexpected peer address %x", raw)
	}
	return fi.Address(1), nil
}

func (f *fakeEndpoint) ReadCompletion() (*fi.CompletionEvent, error) {
	if len(f.cq) == 0 {
		return nil, fi.ErrNoCompletion
	}
	e := f.cq[0]
	f.cq = f.cq[1:]
	return e, nil
}

func (f *fakeEndpoint) ReadCompletionError(uint64) (*fi.CompletionError, error) {
	if len(f.cqErr) == 0 {
		return nil, fi.ErrNoCompletion
	}
	e := f.cqErr[0]
	f.cqErr = f.cqErr[1:]
	return e, nil
}

func (f *fakeEndpoint) Close() error { return nil }

// queueCanceledRX simulates a CQ error entry for the oldest outstanding
// recv, the shape a provider produces for requests still posted at
// endpoint teardown (FI_ECANCELED).
func (f *fakeEndpoint) queueCanceledRX() {
	if len(f.pendingRecvs) == 0 {
		return
	}
	r := f.pendingRecvs[0]
	f.pendingRecvs = f.pendingRecvs[1:]
	f.cqErr = append(f.cqErr, &fi.CompletionError{Context: r.ctx.Pointer(), Err: capi.ErrCanceled})
}

func newTestManager(ep cmEndpoint, opts Options) (*ConnectionManager, error) {
	opts = opts.withDefaults()
	cm := &ConnectionManager{
		ep:        ep,
		opts:      opts,
		ids:       newIDPool(),
		callbacks: make(map[uint32]func(*ConnectMessage) error),
	}
	if err := cm.postRecvPool(); err != nil {
		return nil, err
	}
	return cm, nil
}
