package protocol

import (
	"strings"
	"testing"
)

func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage(TypeDiscovery, "n1", "", Payload{Discovery: &DiscoveryPayload{NodeID: "n1"}})
	if m.ID == "" || len(m.ID) != 32 {
		t.Fatalf("bad message id %q", m.ID)
	}
	if m.TTL != DefaultTTL {
		t.Fatalf("TTL = %d, want %d", m.TTL, DefaultTTL)
	}
	if !m.Broadcast() {
		t.Fatalf("message with empty dest should be broadcast")
	}
	if m.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}

	m2 := NewMessage(TypeDiscovery, "n1", "n2", Payload{Discovery: &DiscoveryPayload{NodeID: "n1"}})
	if m2.Broadcast() {
		t.Fatalf("addressed message reported as broadcast")
	}
	if m.ID == m2.ID {
		t.Fatalf("message ids collide")
	}
}

func TestSigningBase(t *testing.T) {
	m := SyncMessage{ID: "abc", Type: TypeHeartbeat, SourceID: "n1", Sequence: 42}
	if got, want := m.SigningBase(), "abc:heartbeat:n1:42"; got != want {
		t.Fatalf("SigningBase = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	good := NewMessage(TypeHeartbeat, "n1", "", Payload{Heartbeat: &HeartbeatPayload{NodeID: "n1"}})
	if err := good.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	noID := good
	noID.ID = ""
	if err := noID.Validate(); err == nil {
		t.Fatalf("message without id accepted")
	}

	badType := good
	badType.Type = "bogus"
	if err := badType.Validate(); err == nil || !strings.Contains(err.Error(), "unknown message type") {
		t.Fatalf("unknown type accepted: %v", err)
	}

	noSource := good
	noSource.SourceID = ""
	if err := noSource.Validate(); err == nil {
		t.Fatalf("message without source accepted")
	}

	mismatch := good
	mismatch.Type = TypeSyncRequest // payload still carries heartbeat
	if err := mismatch.Validate(); err == nil {
		t.Fatalf("payload/type mismatch accepted")
	}
}

func TestMessageTypeKnown(t *testing.T) {
	for _, mt := range []MessageType{
		TypeDiscovery, TypeHeartbeat, TypeSyncRequest, TypeSyncResponse,
		TypeRouteUpdate, TypeTopologyUpdate, TypeDataForward, TypeError,
	} {
		if !mt.Known() {
			t.Fatalf("%s not recognized", mt)
		}
	}
	if MessageType("nope").Known() {
		t.Fatalf("bogus type recognized")
	}
}
