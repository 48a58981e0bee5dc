package gin

// ReassemblyEntry tracks the sub-events observed so far for one peer's
// sequence number, until every expected segment has arrived (spec.md §3
// "Reassembly entry", §4.4 "Receiver side" state machine: Absent →
// Partial(segs=k<total) → Complete(segs=total ∧ metadata_received) →
// Delivered).
type ReassemblyEntry struct {
	TotalSegments     uint32
	NumSegCompletions uint32
	MetadataReceived  bool
	Metadata          *MetadataMessage
}

// hasSignal reports whether this sequence's total segment count includes a
// metadata/signal segment (as opposed to a pure payload write with no
// signal requested).
func (e *ReassemblyEntry) hasSignal() bool {
	return e.TotalSegments == 2 || (e.TotalSegments == 1 && e.MetadataReceived)
}

// complete reports the spec.md §8 "Receiver reassembly" invariant: every
// expected segment has been observed, and if the sequence included a
// signal, its metadata record specifically has arrived.
func (e *ReassemblyEntry) complete() bool {
	if e.NumSegCompletions != e.TotalSegments {
		return false
	}
	return !e.hasSignal() || e.MetadataReceived
}

// reassemblyKey packs a peer rank and sequence number into the map key
// spec.md §3 specifies: (peer_rank << 16) | seq_num.
func reassemblyKey(peer int, seq uint32) uint64 {
	return uint64(peer)<<16 | uint64(seq)
}

// reassemblyTable is one communicator-wide map from (peer, seq) to
// in-progress entries, shared across all peers since the key already
// encodes the peer rank.
type reassemblyTable struct {
	entries map[uint64]*ReassemblyEntry
}

func newReassemblyTable() *reassemblyTable {
	return &reassemblyTable{entries: make(map[uint64]*ReassemblyEntry)}
}

func (t *reassemblyTable) get(peer int, seq uint32) *ReassemblyEntry {
	return t.entries[reassemblyKey(peer, seq)]
}

func (t *reassemblyTable) delete(peer int, seq uint32) {
	delete(t.entries, reassemblyKey(peer, seq))
}

// upsertWrite records a write-with-imm sub-event for (peer, seq). If this
// is the first sub-event observed for the sequence, totalSegments (decoded
// from the write's own immediate-data segment-count field) seeds the entry.
func (t *reassemblyTable) upsertWrite(peer int, seq uint32, totalSegments uint32) *ReassemblyEntry {
	key := reassemblyKey(peer, seq)
	e := t.entries[key]
	if e == nil {
		e = &ReassemblyEntry{TotalSegments: totalSegments}
		t.entries[key] = e
	}
	e.NumSegCompletions++
	return e
}

// upsertMetadata records a metadata-recv sub-event for (peer, seq). Per
// spec.md §9's resolved open question, a first-observed metadata-only
// sub-event increments num_seg_completions by 1, symmetric with
// upsertWrite — not 0, as one revision of the source does.
func (t *reassemblyTable) upsertMetadata(peer int, seq uint32, md *MetadataMessage) *ReassemblyEntry {
	key := reassemblyKey(peer, seq)
	e := t.entries[key]
	if e == nil {
		e = &ReassemblyEntry{TotalSegments: md.NumSegments}
		t.entries[key] = e
	}
	e.NumSegCompletions++
	e.MetadataReceived = true
	e.Metadata = md
	return e
}
