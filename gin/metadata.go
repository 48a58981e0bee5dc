package gin

import (
	"encoding/binary"
	"fmt"
)

// MetadataMessage is the fixed-layout record carried by a GIN metadata send
// on a control rail (spec.md §6): the sequence number the payload write
// shares, the target's own view of the sender (remote_comm_id, so the
// receiver's reply knows which local comm-id to address), the total
// segment count for this sequence, and the signal update to apply.
type MetadataMessage struct {
	SeqNum       uint32 // low 10 bits significant
	RemoteCommID uint32 // low 20 bits significant
	NumSegments  uint32
	SignalBase   uint64
	SignalOffset uint64
	SignalValue  uint64
}

// metadataWireLen is the encoded size: three u32 fields plus three u64
// fields, packed with no padding (spec.md §6).
const metadataWireLen = 4 + 4 + 4 + 8 + 8 + 8

func encodeMetadata(buf []byte, m *MetadataMessage) error {
	if len(buf) < metadataWireLen {
		return fmt.Errorf("gin: buffer too small to encode metadata (have %d need %d)", len(buf), metadataWireLen)
	}
	binary.LittleEndian.PutUint32(buf[0:4], m.SeqNum)
	binary.LittleEndian.PutUint32(buf[4:8], m.RemoteCommID)
	binary.LittleEndian.PutUint32(buf[8:12], m.NumSegments)
	binary.LittleEndian.PutUint64(buf[12:20], m.SignalBase)
	binary.LittleEndian.PutUint64(buf[20:28], m.SignalOffset)
	binary.LittleEndian.PutUint64(buf[28:36], m.SignalValue)
	return nil
}

func decodeMetadata(buf []byte) (*MetadataMessage, error) {
	if len(buf) < metadataWireLen {
		return nil, fmt.Errorf("gin: buffer too small to decode metadata (have %d need %d)", len(buf), metadataWireLen)
	}
	return &MetadataMessage{
		SeqNum:       binary.LittleEndian.Uint32(buf[0:4]),
		RemoteCommID: binary.LittleEndian.Uint32(buf[4:8]),
		NumSegments:  binary.LittleEndian.Uint32(buf[8:12]),
		SignalBase:   binary.LittleEndian.Uint64(buf[12:20]),
		SignalOffset: binary.LittleEndian.Uint64(buf[20:28]),
		SignalValue:  binary.LittleEndian.Uint64(buf[28:36]),
	}, nil
}
