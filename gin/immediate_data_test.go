package gin

import "testing"

func TestImmediateDataRoundTrip(t *testing.T) {
	cases := []struct {
		commID, seq, segCount uint32
	}{
		{0, 0, 1},
		{1, 1, 2},
		{commIDMask, seqMask, 2},
		{42, 777, SegCountAck},
	}
	for _, c := range cases {
		imm, err := PackImmediateData(c.commID, c.seq, c.segCount)
		if err != nil {
			t.Fatalf("PackImmediateData(%d,%d,%d) failed: %v", c.commID, c.seq, c.segCount, err)
		}
		gotCommID, gotSeq, gotSeg := imm.Unpack()
		if gotCommID != c.commID || gotSeq != c.seq || gotSeg != c.segCount {
			t.Fatalf("round trip mismatch: got (%d,%d,%d), want (%d,%d,%d)", gotCommID, gotSeq, gotSeg, c.commID, c.seq, c.segCount)
		}
	}
}

func TestImmediateDataIsAck(t *testing.T) {
	ack, err := PackImmediateData(5, 3, SegCountAck)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if !ack.IsAck() {
		t.Fatalf("expected IsAck to be true for the ack marker")
	}

	data, err := PackImmediateData(5, 3, 1)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if data.IsAck() {
		t.Fatalf("expected IsAck to be false for a data segment count")
	}
}

func TestPackImmediateDataRejectsOutOfRangeFields(t *testing.T) {
	if _, err := PackImmediateData(commIDMask+1, 0, 1); err == nil {
		t.Fatalf("expected an error for a comm id exceeding %d bits", commIDBits)
	}
	if _, err := PackImmediateData(0, seqMask+1, 1); err == nil {
		t.Fatalf("expected an error for a sequence exceeding %d bits", seqBits)
	}
	if _, err := PackImmediateData(0, 0, 3+1); err == nil {
		t.Fatalf("expected an error for a segment count that is not 1, 2, or the ack marker")
	}
}
