// Package protocol defines the ArxLink sync wire format: the SyncMessage
// envelope, the message type enumeration, and the typed payload union.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// MessageType identifies a protocol message. The string values are
// wire-stable and must not change.
type MessageType string

const (
	TypeDiscovery      MessageType = "discovery"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeSyncRequest    MessageType = "sync_request"
	TypeSyncResponse   MessageType = "sync_response"
	TypeRouteUpdate    MessageType = "route_update"
	TypeTopologyUpdate MessageType = "topology_update"
	TypeDataForward    MessageType = "data_forward"
	TypeError          MessageType = "error"
)

// Known reports whether t is a defined message type.
func (t MessageType) Known() bool {
	switch t {
	case TypeDiscovery, TypeHeartbeat, TypeSyncRequest, TypeSyncResponse,
		TypeRouteUpdate, TypeTopologyUpdate, TypeDataForward, TypeError:
		return true
	}
	return false
}

// DefaultTTL is the hop budget assigned to new messages.
const DefaultTTL = 10

// SyncMessage is the protocol envelope. A message is immutable once sent;
// forwarding re-emits a new message rather than mutating the original.
type SyncMessage struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	SourceID  string      `json:"source_id"`
	DestID    string      `json:"dest_id,omitempty"` // empty means broadcast
	Sequence  uint64      `json:"sequence"`
	Payload   Payload     `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	TTL       int         `json:"ttl"`
	Signature string      `json:"signature,omitempty"`
}

// NewMessage builds an envelope with a fresh id, the default TTL, and the
// current timestamp. The sequence number is assigned by the engine at send
// time.
func NewMessage(t MessageType, source, dest string, p Payload) SyncMessage {
	return SyncMessage{
		ID:        NewMessageID(),
		Type:      t,
		SourceID:  source,
		DestID:    dest,
		Payload:   p,
		Timestamp: time.Now().UTC(),
		TTL:       DefaultTTL,
	}
}

// NewMessageID returns a random 128-bit hex identifier.
func NewMessageID() string {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is broken
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// SigningBase returns the canonical string the HMAC signature covers.
// Signature and payload are excluded so verification survives re-encoding.
func (m *SyncMessage) SigningBase() string {
	return fmt.Sprintf("%s:%s:%s:%d", m.ID, m.Type, m.SourceID, m.Sequence)
}

// Broadcast reports whether the message is addressed to everyone.
func (m *SyncMessage) Broadcast() bool { return m.DestID == "" }

// Validate checks the structural invariants a received envelope must hold
// before dispatch.
func (m *SyncMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message without id")
	}
	if !m.Type.Known() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.SourceID == "" {
		return fmt.Errorf("message %s without source", m.ID)
	}
	if !m.Payload.matches(m.Type) {
		return fmt.Errorf("message %s payload does not match type %s", m.ID, m.Type)
	}
	return nil
}
