package cm

import (
	"bytes"
	"testing"
)

func TestConnectMessageRoundTrip(t *testing.T) {
	payloadSize := 32
	msg := &ConnectMessage{
		Type:     MsgConnectResp,
		LocalID:  7,
		RemoteID: 42,
		EPAddr:   []byte{1, 2, 3, 4, 5},
		Payload:  bytes.Repeat([]byte{0x9a}, payloadSize),
	}

	buf := make([]byte, wireMessageLen(payloadSize))
	if err := encodeConnectMessage(buf, msg, payloadSize); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := decodeConnectMessage(buf, payloadSize)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Type != msg.Type || got.LocalID != msg.LocalID || got.RemoteID != msg.RemoteID {
		t.Fatalf("decoded header mismatch: got %+v, want type/local/remote %v/%v/%v", got, msg.Type, msg.LocalID, msg.RemoteID)
	}
	if !bytes.Equal(got.EPAddr, msg.EPAddr) {
		t.Fatalf("decoded EPAddr = %x, want %x", got.EPAddr, msg.EPAddr)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("decoded payload mismatch")
	}
}

func TestEncodeConnectMessageRejectsWrongPayloadSize(t *testing.T) {
	msg := &ConnectMessage{Type: MsgConnect, Payload: []byte{1, 2, 3}}
	buf := make([]byte, wireMessageLen(64))
	if err := encodeConnectMessage(buf, msg, 64); err == nil {
		t.Fatalf("expected an error for a payload size mismatch")
	}
}

func TestEncodeConnectMessageRejectsOversizedAddress(t *testing.T) {
	msg := &ConnectMessage{Type: MsgConnect, EPAddr: make([]byte, MaxEPAddrLen+1), Payload: make([]byte, 0)}
	buf := make([]byte, wireMessageLen(0))
	if err := encodeConnectMessage(buf, msg, 0); err == nil {
		t.Fatalf("expected an error for an oversized endpoint address")
	}
}
