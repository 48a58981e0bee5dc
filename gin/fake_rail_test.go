package gin

import (
	"fmt"

	"github.com/rauteric/aws-ofi-nccl/fi"
	"github.com/rauteric/aws-ofi-nccl/internal/capi"
)

// fakeRail is a loopback railEndpoint pair, the GIN analogue of cm's
// fakeEndpoint: sends and write-with-imm land directly on the peer's queues,
// with no live libfabric provider underneath. Only one peer is modeled, the
// same simplification cm's fake makes, since every test here exercises a
// two-party exchange.
type fakeRail struct {
	name string
	peer *fakeRail

	ownAddr []byte

	nextFailEAGAIN int

	pendingRecvs []*fakeRailRecv
	inboundMsgs  [][]byte

	cq    []*fi.CompletionEvent
	cqErr []*fi.CompletionError

	// remoteRegions maps a registration key, as named by an incoming write's
	// req.Key, to the locally-registered *fi.MemoryRegion it names — the
	// fake's substitute for a provider actually routing an RMA write to the
	// right local buffer by key. Tests populate this for whichever regions a
	// case exercises.
	remoteRegions map[uint64]*fi.MemoryRegion
}

type fakeRailRecv struct {
	buf []byte
	ctx *fi.CompletionContext
}

// peerSourceAddr is the fi.Address a fakeRail's InsertPeerAddress always
// returns for the (single) peer it is paired with.
const peerSourceAddr = fi.Address(1)

func newFakeRailPair(addrA, addrB []byte) (*fakeRail, *fakeRail) {
	a := &fakeRail{name: "A", ownAddr: addrA}
	b := &fakeRail{name: "B", ownAddr: addrB}
	a.peer = b
	b.peer = a
	return a, b
}

func (f *fakeRail) PostSend(req *fi.SendRequest) (*fi.CompletionContext, error) {
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

func (f *fakeRail) PostRecv(req *fi.RecvRequest) (*fi.CompletionContext, error) {
	if f.nextFailEAGAIN > 0 {
		f.nextFailEAGAIN--
		return nil, capi.ErrAgain
	}
	ctx, err := fi.NewCompletionContext()
	if err != nil {
		return nil, err
	}
	f.pendingRecvs = append(f.pendingRecvs, &fakeRailRecv{buf: req.Buffer, ctx: ctx})
	f.matchRecvs()
	return ctx, nil
}

func (f *fakeRail) matchRecvs() {
	for len(f.pendingRecvs) > 0 && len(f.inboundMsgs) > 0 {
		r := f.pendingRecvs[0]
		m := f.inboundMsgs[0]
		f.pendingRecvs = f.pendingRecvs[1:]
		f.inboundMsgs = f.inboundMsgs[1:]
		copy(r.buf, m)
		f.cq = append(f.cq, &fi.CompletionEvent{Context: r.ctx.Pointer(), Source: peerSourceAddr})
	}
}

// PostWriteWithImm delivers req.Buffer (if any) directly into the peer's
// registered region at req.Offset and queues the peer's arrival completion
// with no Context, the same "unresolvable, so it must be a remote write"
// shape dispatchCompletion relies on. The poster's own completion lands
// immediately on its own CQ, as every local post does in this fake.
func (f *fakeRail) PostWriteWithImm(req *fi.RMARequest, data uint64) (*fi.CompletionContext, error) {
	if f.nextFailEAGAIN > 0 {
		f.nextFailEAGAIN--
		return nil, capi.ErrAgain
	}
	ctx, err := fi.NewCompletionContext()
	if err != nil {
		return nil, err
	}
	if len(req.Buffer) > 0 {
		dst, ok := f.peer.remoteRegions[req.Key]
		if !ok {
			return nil, fmt.Errorf("fake: no region registered under key %d", req.Key)
		}
		// req.Offset is the target's virtual address (base + logical offset),
		// the same FI_MR_VIRT_ADDR convention the real provider expects — not
		// a 0-based index into dst's buffer, so the base has to come back out.
		relOffset := req.Offset - regionBase(dst)
		buf := dst.Bytes()
		if relOffset+uint64(len(req.Buffer)) > uint64(len(buf)) {
			return nil, fmt.Errorf("fake: write of %d bytes at relative offset %d exceeds region of length %d", len(req.Buffer), relOffset, len(buf))
		}
		copy(buf[relOffset:], req.Buffer)
	}
	f.peer.cq = append(f.peer.cq, &fi.CompletionEvent{Data: data, Source: peerSourceAddr})
	f.cq = append(f.cq, &fi.CompletionEvent{Context: ctx.Pointer(), Data: data})
	return ctx, nil
}

func (f *fakeRail) OwnAddress() ([]byte, error) { return f.ownAddr, nil }

func (f *fakeRail) InsertPeerAddress(raw []byte) (fi.Address, error) {
	if string(raw) != string(f.peer.ownAddr) {
		return 0, fmt.Errorf("fake: unexpected peer address %x", raw)
	}
	return peerSourceAddr, nil
}

func (f *fakeRail) ReadCompletion() (*fi.CompletionEvent, error) {
	if len(f.cq) == 0 {
		return nil, fi.ErrNoCompletion
	}
	e := f.cq[0]
	f.cq = f.cq[1:]
	return e, nil
}

func (f *fakeRail) ReadCompletionError(uint64) (*fi.CompletionError, error) {
	if len(f.cqErr) == 0 {
		return nil, fi.ErrNoCompletion
	}
	e := f.cqErr[0]
	f.cqErr = f.cqErr[1:]
	return e, nil
}

func (f *fakeRail) Close() error { return nil }
