package gin

import "testing"

// TestReassemblyWriteThenMetadataCompletes covers the ordinary two-segment
// sequence: a payload write and its metadata record, arriving in either
// order, both bring the entry to complete().
func TestReassemblyWriteThenMetadataCompletes(t *testing.T) {
	tbl := newReassemblyTable()

	e := tbl.upsertWrite(7, 3, 2)
	if e.complete() {
		t.Fatalf("entry should not be complete after only the write arrived")
	}

	e = tbl.upsertMetadata(7, 3, &MetadataMessage{SeqNum: 3, NumSegments: 2})
	if !e.complete() {
		t.Fatalf("entry should be complete once both the write and metadata arrived")
	}
}

// TestReassemblyMetadataThenWriteCompletes covers the reverse arrival order.
func TestReassemblyMetadataThenWriteCompletes(t *testing.T) {
	tbl := newReassemblyTable()

	e := tbl.upsertMetadata(7, 3, &MetadataMessage{SeqNum: 3, NumSegments: 2})
	if e.complete() {
		t.Fatalf("entry should not be complete after only the metadata arrived")
	}

	e = tbl.upsertWrite(7, 3, 2)
	if !e.complete() {
		t.Fatalf("entry should be complete once both sub-events arrived")
	}
}

// TestReassemblySignalOnlyCompletesOnMetadata covers a signal-only
// iput_signal (size==0): total_segments is 1 and the single expected
// sub-event is the metadata record itself, never a write.
func TestReassemblySignalOnlyCompletesOnMetadata(t *testing.T) {
	tbl := newReassemblyTable()

	e := tbl.upsertMetadata(1, 9, &MetadataMessage{SeqNum: 9, NumSegments: 1})
	if !e.complete() {
		t.Fatalf("signal-only entry should be complete once its metadata arrives")
	}
}

// TestReassemblyPayloadOnlyCompletesOnWrite covers a payload-only
// iput_signal (sig_op==none): total_segments is 1 and the single expected
// sub-event is the write itself, no metadata ever arrives.
func TestReassemblyPayloadOnlyCompletesOnWrite(t *testing.T) {
	tbl := newReassemblyTable()

	e := tbl.upsertWrite(1, 9, 1)
	if !e.complete() {
		t.Fatalf("payload-only entry should be complete as soon as its write arrives")
	}
}

// TestReassemblyKeyScopesPeerAndSeq covers spec.md §3's
// (peer_rank<<16)|seq_num reassembly key: two peers using the same sequence
// number do not collide.
func TestReassemblyKeyScopesPeerAndSeq(t *testing.T) {
	tbl := newReassemblyTable()

	tbl.upsertWrite(1, 5, 1)
	tbl.upsertWrite(2, 5, 2)

	a := tbl.get(1, 5)
	b := tbl.get(2, 5)
	if a == nil || b == nil {
		t.Fatalf("expected independent entries for peer 1 and peer 2 at the same sequence")
	}
	if a.TotalSegments != 1 || b.TotalSegments != 2 {
		t.Fatalf("entries bled into each other: peer1.TotalSegments=%d peer2.TotalSegments=%d", a.TotalSegments, b.TotalSegments)
	}
}

// TestReassemblyDeleteRemovesOnlyThatEntry covers the cleanup step
// runDeliveryLoop performs once a sequence has been delivered.
func TestReassemblyDeleteRemovesOnlyThatEntry(t *testing.T) {
	tbl := newReassemblyTable()
	tbl.upsertWrite(1, 5, 1)
	tbl.upsertWrite(1, 6, 1)

	tbl.delete(1, 5)

	if tbl.get(1, 5) != nil {
		t.Fatalf("deleted entry should no longer be retrievable")
	}
	if tbl.get(1, 6) == nil {
		t.Fatalf("delete must not remove the sibling sequence's entry")
	}
}

// TestReassemblyOutOfOrderArrivalStillCompletesIndividually covers spec.md
// §8 scenario 5: sequences can complete out of order at the reassembly
// layer — the strictly-ascending constraint is runDeliveryLoop's job, not
// the table's.
func TestReassemblyOutOfOrderArrivalStillCompletesIndividually(t *testing.T) {
	tbl := newReassemblyTable()

	tbl.upsertWrite(1, 2, 1) // seq 2 arrives first
	tbl.upsertWrite(1, 0, 1) // then seq 0
	tbl.upsertWrite(1, 1, 1) // then seq 1

	for _, seq := range []uint32{0, 1, 2} {
		e := tbl.get(1, seq)
		if e == nil || !e.complete() {
			t.Fatalf("seq %d should be independently complete regardless of arrival order", seq)
		}
	}
}
