package gin

import (
	"fmt"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// PeerTableEntry holds everything a communicator needs to target one peer
// rank's rails, plus the per-peer sequencing state for both directions
// (spec.md §3 "Peer table entry").
type PeerTableEntry struct {
	Rank int

	// LocalCommID is this peer's own comm-id, used as the high bits of the
	// immediate-data word on every write this communicator sends it.
	LocalCommID uint32

	// DataAddr/CtrlAddr are the peer's fabric_addr on each data/control
	// rail, indexed by rail id, inserted into this communicator's AVs
	// during Connect.
	DataAddr []fi.Address
	CtrlAddr []fi.Address

	// AckBase/AckKey are the peer's write-ack landing buffer: a fixed
	// remote address plus one remote key per control rail (the buffer is
	// registered once per rail, like every GIN region).
	AckBase uint64
	AckKey  []uint64

	// outSeq is the next sequence number this communicator will assign to
	// an iput_signal aimed at this peer (10-bit wrap).
	outSeq uint32
	// inflight tracks which sequence slots (mod len(inflight)) are
	// currently outstanding, i.e. posted but not yet ack'd.
	inflight []bool

	// nextDelivered is the next sequence number this communicator expects
	// to apply, as the receiver of this peer's writes (10-bit wrap).
	nextDelivered uint32

	// pendingAcks maps an outstanding outgoing sequence number to the
	// Request waiting on its write-ack, so onAckReceived can find it.
	pendingAcks map[uint32]*Request
}

func newPeerTableEntry(rank int, numDataRails, numCtrlRails, inflightCap int) *PeerTableEntry {
	return &PeerTableEntry{
		Rank:        rank,
		DataAddr:    make([]fi.Address, numDataRails),
		CtrlAddr:    make([]fi.Address, numCtrlRails),
		AckKey:      make([]uint64, numCtrlRails),
		inflight:    make([]bool, inflightCap),
		pendingAcks: make(map[uint32]*Request),
	}
}

// setPendingAck records req as the waiter for seq's write-ack.
func (p *PeerTableEntry) setPendingAck(seq uint32, req *Request) {
	p.pendingAcks[seq] = req
}

// takePendingAck returns and removes the waiter for seq's write-ack, if any.
func (p *PeerTableEntry) takePendingAck(seq uint32) (*Request, bool) {
	req, ok := p.pendingAcks[seq]
	if ok {
		delete(p.pendingAcks, seq)
	}
	return req, ok
}

// nextSeqSlot returns the next sequence number and the slot it occupies,
// without yet marking it active — callers mark it active only once every
// sub-request for that sequence has been accepted.
func (p *PeerTableEntry) nextSeqSlot() (seq uint32, slot int) {
	seq = p.outSeq
	slot = int(seq) % len(p.inflight)
	return
}

// activateSlot marks the slot for seq active and advances the outgoing
// sequence counter. Returns ErrSlotCollision if the slot was already active,
// which spec.md §4.4 calls a fatal condition (the runtime violated its own
// inflight cap).
func (p *PeerTableEntry) activateSlot(seq uint32, slot int) error {
	if p.inflight[slot] {
		return &ProtocolViolationError{Err: fmt.Errorf("%w: peer %d seq %d slot %d", ErrSlotCollision, p.Rank, seq, slot)}
	}
	p.inflight[slot] = true
	p.outSeq = (seq + 1) & seqMask
	return nil
}

// releaseSlot clears the slot once the corresponding write-ack has landed.
func (p *PeerTableEntry) releaseSlot(seq uint32) {
	slot := int(seq) % len(p.inflight)
	p.inflight[slot] = false
}
