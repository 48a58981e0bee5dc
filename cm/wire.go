package cm

import (
	"encoding/binary"
	"fmt"
)

// MaxEPAddrLen bounds the raw provider endpoint address embedded in a
// connect message. It comfortably covers the address lengths reported by
// libfabric's msg-capable providers (sockets, verbs, efa).
const MaxEPAddrLen = 64

// MessageType discriminates a ConnectMessage's role in the handshake.
type MessageType uint32

const (
	MsgConnect     MessageType = 0
	MsgConnectResp MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MsgConnect:
		return "CONNECT"
	case MsgConnectResp:
		return "CONNECT_RESP"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// ConnectMessage is the fixed-prefix wire struct exchanged over the CM
// endpoint (spec.md §6), followed in the same buffer by exactly
// conn_msg_data_size bytes of transport-opaque payload the CM never
// interprets.
type ConnectMessage struct {
	Type     MessageType
	LocalID  uint32
	RemoteID uint32
	EPAddr   []byte
	Payload  []byte
}

const wireHeaderLen = 4 + 4 + 4 + 4 + MaxEPAddrLen

func wireMessageLen(payloadSize int) int { return wireHeaderLen + payloadSize }

func encodeConnectMessage(buf []byte, msg *ConnectMessage, payloadSize int) error {
	if len(msg.EPAddr) > MaxEPAddrLen {
		return fmt.Errorf("cm: endpoint address length %d exceeds MaxEPAddrLen %d", len(msg.EPAddr), MaxEPAddrLen)
	}
	if len(msg.Payload) != payloadSize {
		return fmt.Errorf("%w: got %d want %d", ErrInvalidPayloadSize, len(msg.Payload), payloadSize)
	}
	need := wireMessageLen(payloadSize)
	if len(buf) < need {
		return fmt.Errorf("cm: buffer too small to encode connect message (have %d need %d)", len(buf), need)
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(msg.Type))
	binary.LittleEndian.PutUint32(buf[4:8], msg.LocalID)
	binary.LittleEndian.PutUint32(buf[8:12], msg.RemoteID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(msg.EPAddr)))
	clear(buf[16 : 16+MaxEPAddrLen])
	copy(buf[16:16+MaxEPAddrLen], msg.EPAddr)
	copy(buf[wireHeaderLen:wireHeaderLen+payloadSize], msg.Payload)
	return nil
}

func decodeConnectMessage(buf []byte, payloadSize int) (*ConnectMessage, error) {
	need := wireMessageLen(payloadSize)
	if len(buf) < need {
		return nil, fmt.Errorf("cm: buffer too small to decode connect message (have %d need %d)", len(buf), need)
	}
	addrLen := binary.LittleEndian.Uint32(buf[12:16])
	if addrLen > MaxEPAddrLen {
		return nil, fmt.Errorf("cm: decoded endpoint address length %d exceeds MaxEPAddrLen %d", addrLen, MaxEPAddrLen)
	}
	msg := &ConnectMessage{
		Type:     MessageType(binary.LittleEndian.Uint32(buf[0:4])),
		LocalID:  binary.LittleEndian.Uint32(buf[4:8]),
		RemoteID: binary.LittleEndian.Uint32(buf[8:12]),
		EPAddr:   append([]byte(nil), buf[16:16+addrLen]...),
		Payload:  append([]byte(nil), buf[wireHeaderLen:wireHeaderLen+payloadSize]...),
	}
	return msg, nil
}
