package gin

import (
	"encoding/binary"
	"fmt"
)

// MaxRailAddrLen bounds a single rail's raw provider endpoint address
// embedded in a PeerHandle, mirroring cm.MaxEPAddrLen for the same msg-
// capable providers.
const MaxRailAddrLen = 64

// PeerHandle is the fixed-size per-rank record the ring all-gather in
// Connect exchanges (spec.md §4.4 "Initialization"): one rank's comm-id,
// its per-rail endpoint addresses, and its write-ack landing buffer.
type PeerHandle struct {
	Rank     int
	CommID   uint32
	DataAddr [][]byte
	CtrlAddr [][]byte
	AckBase  uint64
	AckKey   []uint64
}

func peerHandleWireLen(numDataRails, numCtrlRails int) int {
	return 4 + 4 + 4 + 4 + 8 + // rank, commID, numDataRails, numCtrlRails, ackBase
		numDataRails*(4+MaxRailAddrLen) +
		numCtrlRails*(4+MaxRailAddrLen) +
		numCtrlRails*8
}

func encodePeerHandle(buf []byte, h *PeerHandle) error {
	numData, numCtrl := len(h.DataAddr), len(h.CtrlAddr)
	need := peerHandleWireLen(numData, numCtrl)
	if len(buf) < need {
		return fmt.Errorf("gin: buffer too small to encode peer handle (have %d need %d)", len(buf), need)
	}
	off := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[off:off+4], v); off += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[off:off+8], v); off += 8 }

	putU32(uint32(h.Rank))
	putU32(h.CommID)
	putU32(uint32(numData))
	putU32(uint32(numCtrl))
	putU64(h.AckBase)

	for _, addr := range h.DataAddr {
		if len(addr) > MaxRailAddrLen {
			return fmt.Errorf("gin: data rail address length %d exceeds MaxRailAddrLen %d", len(addr), MaxRailAddrLen)
		}
		putU32(uint32(len(addr)))
		clear(buf[off : off+MaxRailAddrLen])
		copy(buf[off:off+MaxRailAddrLen], addr)
		off += MaxRailAddrLen
	}
	for _, addr := range h.CtrlAddr {
		if len(addr) > MaxRailAddrLen {
			return fmt.Errorf("gin: control rail address length %d exceeds MaxRailAddrLen %d", len(addr), MaxRailAddrLen)
		}
		putU32(uint32(len(addr)))
		clear(buf[off : off+MaxRailAddrLen])
		copy(buf[off:off+MaxRailAddrLen], addr)
		off += MaxRailAddrLen
	}
	for _, key := range h.AckKey {
		putU64(key)
	}
	return nil
}

func decodePeerHandle(buf []byte, numDataRails, numCtrlRails int) (*PeerHandle, error) {
	need := peerHandleWireLen(numDataRails, numCtrlRails)
	if len(buf) < need {
		return nil, fmt.Errorf("gin: buffer too small to decode peer handle (have %d need %d)", len(buf), need)
	}
	off := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[off : off+4]); off += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[off : off+8]); off += 8; return v }

	h := &PeerHandle{}
	h.Rank = int(getU32())
	h.CommID = getU32()
	numData := int(getU32())
	numCtrl := int(getU32())
	h.AckBase = getU64()
	if numData != numDataRails || numCtrl != numCtrlRails {
		return nil, fmt.Errorf("gin: peer handle rail counts (%d,%d) do not match local configuration (%d,%d)", numData, numCtrl, numDataRails, numCtrlRails)
	}

	h.DataAddr = make([][]byte, numData)
	for i := range h.DataAddr {
		addrLen := getU32()
		if addrLen > MaxRailAddrLen {
			return nil, fmt.Errorf("gin: decoded data rail address length %d exceeds MaxRailAddrLen %d", addrLen, MaxRailAddrLen)
		}
		h.DataAddr[i] = append([]byte(nil), buf[off:off+int(addrLen)]...)
		off += MaxRailAddrLen
	}
	h.CtrlAddr = make([][]byte, numCtrl)
	for i := range h.CtrlAddr {
		addrLen := getU32()
		if addrLen > MaxRailAddrLen {
			return nil, fmt.Errorf("gin: decoded control rail address length %d exceeds MaxRailAddrLen %d", addrLen, MaxRailAddrLen)
		}
		h.CtrlAddr[i] = append([]byte(nil), buf[off:off+int(addrLen)]...)
		off += MaxRailAddrLen
	}
	h.AckKey = make([]uint64, numCtrl)
	for i := range h.AckKey {
		h.AckKey[i] = getU64()
	}
	return h, nil
}

// RingMessageLen is the fixed payload size Connect's ring all-gather
// carries per round: the originating rank plus one wire-encoded PeerHandle.
// The bootstrap cm.ConnectionManager passed to Connect must be constructed
// with cm.Options.ConnMsgDataSize set to this value.
func RingMessageLen(numDataRails, numCtrlRails int) int {
	return 4 + peerHandleWireLen(numDataRails, numCtrlRails)
}

func encodeRingMessage(buf []byte, ownerRank int, h *PeerHandle) error {
	if len(buf) < 4 {
		return fmt.Errorf("gin: ring message buffer too small")
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ownerRank))
	return encodePeerHandle(buf[4:], h)
}

func decodeRingMessage(buf []byte, numDataRails, numCtrlRails int) (int, *PeerHandle, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("gin: ring message buffer too small")
	}
	ownerRank := int(binary.LittleEndian.Uint32(buf[0:4]))
	h, err := decodePeerHandle(buf[4:], numDataRails, numCtrlRails)
	return ownerRank, h, err
}
