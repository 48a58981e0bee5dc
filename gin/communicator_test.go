package gin

import (
	"testing"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// newTestCommPair builds two directly-connected Communicators, rank 0 and
// rank 1, over one data rail and one control rail each backed by a fakeRail
// loopback pair, skipping Connect's ring all-gather bootstrap entirely —
// the handles it would have exchanged are built and applied by hand, the
// same shortcut cm's newTestManager takes around the handshake transport.
func newTestCommPair(t *testing.T) (*Communicator, *Communicator) {
	t.Helper()
	domain := setupTestDomain(t)

	dataA, dataB := newFakeRailPair([]byte("data-addr-A"), []byte("data-addr-B"))
	ctrlA, ctrlB := newFakeRailPair([]byte("ctrl-addr-A"), []byte("ctrl-addr-B"))

	opts := CommunicatorOptions{MaxInflight: 8, ControlRecvPoolSize: 4}.withDefaults()

	commA := &Communicator{
		myRank:         0,
		ranks:          2,
		dataRails:      []*Rail{{Index: 0, Kind: RailData, ep: dataA, domain: domain}},
		ctrlRails:      []*Rail{{Index: 0, Kind: RailControl, ep: ctrlA, domain: domain}},
		localCommID:    100,
		peers:          make(map[int]*PeerTableEntry),
		dataAddrToPeer: []map[fi.Address]int{make(map[fi.Address]int)},
		ctrlAddrToPeer: []map[fi.Address]int{make(map[fi.Address]int)},
		reassembly:     newReassemblyTable(),
		regions:        newRegionTable(),
		opts:           opts,
	}
	commB := &Communicator{
		myRank:         1,
		ranks:          2,
		dataRails:      []*Rail{{Index: 0, Kind: RailData, ep: dataB, domain: domain}},
		ctrlRails:      []*Rail{{Index: 0, Kind: RailControl, ep: ctrlB, domain: domain}},
		localCommID:    200,
		peers:          make(map[int]*PeerTableEntry),
		dataAddrToPeer: []map[fi.Address]int{make(map[fi.Address]int)},
		ctrlAddrToPeer: []map[fi.Address]int{make(map[fi.Address]int)},
		reassembly:     newReassemblyTable(),
		regions:        newRegionTable(),
		opts:           opts,
	}

	for _, c := range []*Communicator{commA, commB} {
		if err := c.createAckBuffer(); err != nil {
			t.Fatalf("createAckBuffer failed: %v", err)
		}
		if err := c.createMetadataPools(); err != nil {
			t.Fatalf("createMetadataPools failed: %v", err)
		}
	}

	hA, err := commA.localHandle()
	if err != nil {
		t.Fatalf("commA.localHandle failed: %v", err)
	}
	hB, err := commB.localHandle()
	if err != nil {
		t.Fatalf("commB.localHandle failed: %v", err)
	}

	if err := commA.addPeer(hB); err != nil {
		t.Fatalf("commA.addPeer(B) failed: %v", err)
	}
	if err := commB.addPeer(hA); err != nil {
		t.Fatalf("commB.addPeer(A) failed: %v", err)
	}

	for _, c := range []*Communicator{commA, commB} {
		if err := c.postControlRecvPool(); err != nil {
			t.Fatalf("postControlRecvPool failed: %v", err)
		}
	}
	return commA, commB
}

// registerDestination registers buf on b's data rail for remote writes and
// wires the registration into b's fakeRail lookup table, so a write posted
// against the returned RemoteRegion lands in the registered copy of buf
// (the returned regions' Bytes()), not in buf itself.
func registerDestination(t *testing.T, b *Communicator, buf []byte) (RemoteRegion, []*fi.MemoryRegion) {
	t.Helper()
	_, mrsB, err := b.RegisterRegion(buf, &fi.MRRegisterOptions{Access: fi.MRAccessLocal | fi.MRAccessRemoteWrite})
	if err != nil {
		t.Fatalf("RegisterRegion on B failed: %v", err)
	}
	remote := RemoteRegion{Base: regionBase(mrsB[0]), Key: []uint64{mrsB[0].Key()}}
	// A's write lands via f.peer.remoteRegions, where f is A's own fakeRail —
	// so the lookup table belongs on B's fakeRail, the peer A's writes target.
	b.dataRails[0].ep.(*fakeRail).remoteRegions = map[uint64]*fi.MemoryRegion{mrsB[0].Key(): mrsB[0]}
	return remote, mrsB
}

func pumpUntil(t *testing.T, comms []*Communicator, cond func() bool, maxRounds int) {
	t.Helper()
	for i := 0; i < maxRounds; i++ {
		if cond() {
			return
		}
		for _, c := range comms {
			if err := c.Progress(); err != nil {
				t.Fatalf("Progress failed: %v", err)
			}
		}
	}
	t.Fatalf("condition never became true after %d progress rounds", maxRounds)
}

// TestIputSignalPayloadAndIncRoundTrip covers spec.md §4.4's end-to-end
// iput_signal path: a payload write landing at the destination buffer, the
// SignalInc update applying exactly once at the receiver, and the sender's
// Request completing only once the receiver's write-ack has come back.
func TestIputSignalPayloadAndIncRoundTrip(t *testing.T) {
	commA, commB := newTestCommPair(t)
	defer func() {
		_ = commA.Close()
		_ = commB.Close()
	}()

	src := make([]byte, 16)
	copy(src, []byte("hello from rank0"))
	srcMR, err := commA.dataRails[0].Register(src, &fi.MRRegisterOptions{Access: fi.MRAccessLocal})
	if err != nil {
		t.Fatalf("register src failed: %v", err)
	}

	dstBuf := make([]byte, 16)
	dstRegion, dstMRs := registerDestination(t, commB, dstBuf)

	sigBuf := make([]byte, 8)
	_, sigMRs, err := commB.RegisterRegion(sigBuf, &fi.MRRegisterOptions{Access: fi.MRAccessLocal | fi.MRAccessRemoteWrite})
	if err != nil {
		t.Fatalf("RegisterRegion for signal failed: %v", err)
	}
	sigRegion := RemoteRegion{Base: regionBase(sigMRs[0])}

	req, err := commA.IputSignal(0, srcMR, 16, 0, dstRegion, 1, 0, sigRegion, 0, SignalInc)
	if err != nil {
		t.Fatalf("IputSignal failed: %v", err)
	}

	pumpUntil(t, []*Communicator{commA, commB}, func() bool {
		ready, _ := req.TestReady()
		return ready
	}, 50)

	if ready, rerr := req.TestReady(); !ready || rerr != nil {
		t.Fatalf("request should be ready with no error: ready=%v err=%v", ready, rerr)
	}

	// Registration copies the caller's slice into provider memory, so the
	// write and the signal land in the regions' Bytes().
	dstView := dstMRs[0].Bytes()
	if string(dstView) != "hello from rank0" {
		t.Fatalf("destination buffer = %q, want %q", dstView, "hello from rank0")
	}

	sigView := sigMRs[0].Bytes()
	got := uint64(sigView[0]) | uint64(sigView[1])<<8 | uint64(sigView[2])<<16 | uint64(sigView[3])<<24 |
		uint64(sigView[4])<<32 | uint64(sigView[5])<<40 | uint64(sigView[6])<<48 | uint64(sigView[7])<<56
	if got != 1 {
		t.Fatalf("signal value = %d, want 1 after a single SignalInc", got)
	}

	if commA.outstandingAcks != 0 {
		t.Fatalf("sender ack balance = %d, want 0 once the request completed", commA.outstandingAcks)
	}
}

// TestIputSignalInOrderDelivery covers spec.md §8's "GIN in-order delivery"
// invariant: a batch of sequences posted back to back to the same peer all
// deliver, and the receiver's next_delivered counter ends up exactly at the
// count posted, confirming none were skipped or double-applied.
func TestIputSignalInOrderDelivery(t *testing.T) {
	commA, commB := newTestCommPair(t)
	defer func() {
		_ = commA.Close()
		_ = commB.Close()
	}()

	sigBuf := make([]byte, 8)
	_, sigMRs, err := commB.RegisterRegion(sigBuf, &fi.MRRegisterOptions{Access: fi.MRAccessLocal | fi.MRAccessRemoteWrite})
	if err != nil {
		t.Fatalf("RegisterRegion for signal failed: %v", err)
	}
	sigRegion := RemoteRegion{Base: regionBase(sigMRs[0])}

	const n = 5
	reqs := make([]*Request, n)
	for i := 0; i < n; i++ {
		req, err := commA.IputSignal(0, nil, 0, 0, RemoteRegion{}, 1, 0, sigRegion, 1, SignalAdd)
		if err != nil {
			t.Fatalf("IputSignal #%d failed: %v", i, err)
		}
		reqs[i] = req
	}

	pumpUntil(t, []*Communicator{commA, commB}, func() bool {
		for _, r := range reqs {
			if ready, _ := r.TestReady(); !ready {
				return false
			}
		}
		return true
	}, 200)

	peerB := commB.peers[0]
	if peerB.nextDelivered != n&seqMask {
		t.Fatalf("receiver next_delivered = %d, want %d after %d in-order deliveries", peerB.nextDelivered, n, n)
	}
}

// TestCloseRefusesWithOutstandingAcks covers spec.md §8's "GIN ack balance"
// invariant: Close must refuse while a sender-side ack is still pending.
func TestCloseRefusesWithOutstandingAcks(t *testing.T) {
	commA, commB := newTestCommPair(t)
	defer func() {
		_ = commB.Close()
	}()

	sigBuf := make([]byte, 8)
	_, sigMRs, err := commB.RegisterRegion(sigBuf, &fi.MRRegisterOptions{Access: fi.MRAccessLocal | fi.MRAccessRemoteWrite})
	if err != nil {
		t.Fatalf("RegisterRegion for signal failed: %v", err)
	}
	sigRegion := RemoteRegion{Base: regionBase(sigMRs[0])}

	if _, err := commA.IputSignal(0, nil, 0, 0, RemoteRegion{}, 1, 0, sigRegion, 1, SignalInc); err != nil {
		t.Fatalf("IputSignal failed: %v", err)
	}

	err = commA.Close()
	if err == nil {
		t.Fatalf("expected Close to refuse while an ack is outstanding")
	}
	if _, ok := err.(*ProtocolViolationError); !ok {
		t.Fatalf("expected *ProtocolViolationError, got %T: %v", err, err)
	}

	pumpUntil(t, []*Communicator{commA, commB}, func() bool {
		return commA.outstandingAcks == 0
	}, 50)

	if err := commA.Close(); err != nil {
		t.Fatalf("Close should succeed once the ack balance reached zero: %v", err)
	}
}

// TestIputSignalRejectsUnknownPeer covers the InvalidArgument classification
// for a rank with no peer table entry.
func TestIputSignalRejectsUnknownPeer(t *testing.T) {
	commA, commB := newTestCommPair(t)
	defer func() {
		_ = commA.Close()
		_ = commB.Close()
	}()

	_, err := commA.IputSignal(0, nil, 0, 0, RemoteRegion{}, 99, 0, RemoteRegion{}, 1, SignalInc)
	if err == nil {
		t.Fatalf("expected an error for an unknown peer rank")
	}
	if _, ok := err.(*InvalidArgumentError); !ok {
		t.Fatalf("expected *InvalidArgumentError, got %T: %v", err, err)
	}
}

// TestIputSignalRejectsEmptyOperation covers iput_signal's own degenerate
// case: size 0 with no signal op has nothing to transmit.
func TestIputSignalRejectsEmptyOperation(t *testing.T) {
	commA, commB := newTestCommPair(t)
	defer func() {
		_ = commA.Close()
		_ = commB.Close()
	}()

	_, err := commA.IputSignal(0, nil, 0, 0, RemoteRegion{}, 1, 0, RemoteRegion{}, 0, SignalNone)
	if err == nil {
		t.Fatalf("expected an error for size=0 with SignalNone")
	}
	if _, ok := err.(*InvalidArgumentError); !ok {
		t.Fatalf("expected *InvalidArgumentError, got %T: %v", err, err)
	}
}
