package gin

import "fmt"

// ImmediateData is the 32-bit word delivered with a write-with-immediate
// RDMA operation (spec.md §3, §6): seg_count<<30 | comm_id<<10 | seq.
type ImmediateData uint32

const (
	seqBits    = 10
	commIDBits = 20

	seqMask    = (1 << seqBits) - 1
	commIDMask = (1 << commIDBits) - 1

	commIDShift = seqBits
	segShift    = seqBits + commIDBits

	// SegCountAck is the reserved segment-count value marking a zero-payload
	// write-with-immediate as a write-ack rather than a data/metadata segment.
	SegCountAck uint32 = 0b11
)

// PackImmediateData encodes the peer's local comm-id, a sequence number, and
// a segment count into the wire format spec.md §6 defines. commID must fit
// in 20 bits, seq in 10 bits, and segCount must be 1, 2, or SegCountAck.
func PackImmediateData(commID, seq, segCount uint32) (ImmediateData, error) {
	if commID > commIDMask {
		return 0, &InvalidArgumentError{Err: fmt.Errorf("comm id %d exceeds %d bits", commID, commIDBits)}
	}
	if seq > seqMask {
		return 0, &InvalidArgumentError{Err: fmt.Errorf("sequence %d exceeds %d bits", seq, seqBits)}
	}
	if segCount != 1 && segCount != 2 && segCount != SegCountAck {
		return 0, &InvalidArgumentError{Err: fmt.Errorf("segment count %d is not 1, 2, or the ack marker", segCount)}
	}
	return ImmediateData(segCount<<segShift | commID<<commIDShift | seq), nil
}

// Unpack decodes the immediate word back into its three fields.
func (d ImmediateData) Unpack() (commID, seq, segCount uint32) {
	v := uint32(d)
	segCount = v >> segShift
	commID = (v >> commIDShift) & commIDMask
	seq = v & seqMask
	return
}

// IsAck reports whether the immediate word's segment-count field is the
// reserved ack marker.
func (d ImmediateData) IsAck() bool {
	return uint32(d)>>segShift == SegCountAck
}
