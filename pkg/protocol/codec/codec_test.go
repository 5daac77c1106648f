package codec

import (
	"testing"
	"time"

	"arxlink/pkg/protocol"
)

func sampleMessage() protocol.SyncMessage {
	battery := 87.5
	m := protocol.NewMessage(protocol.TypeDiscovery, "n1", "n2", protocol.Payload{
		Discovery: &protocol.DiscoveryPayload{
			NodeID:       "n1",
			Address:      "10.0.0.1:7878",
			Capabilities: []string{"sync", "route"},
			BatteryLevel: &battery,
			IsGateway:    true,
		},
	})
	m.Sequence = 7
	m.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Signature = "deadbeef"
	return m
}

func TestCBORRoundTrip(t *testing.T) {
	c := MustCBOR()
	in := sampleMessage()
	raw, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out protocol.SyncMessage
	if err := c.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != in.ID || out.Type != in.Type || out.SourceID != in.SourceID ||
		out.DestID != in.DestID || out.Sequence != in.Sequence || out.Signature != in.Signature {
		t.Fatalf("envelope mismatch: got %+v want %+v", out, in)
	}
	if out.Payload.Discovery == nil {
		t.Fatalf("payload variant lost")
	}
	if out.Payload.Discovery.Address != in.Payload.Discovery.Address ||
		!out.Payload.Discovery.IsGateway ||
		out.Payload.Discovery.BatteryLevel == nil ||
		*out.Payload.Discovery.BatteryLevel != *in.Payload.Discovery.BatteryLevel {
		t.Fatalf("discovery payload mismatch: %+v", out.Payload.Discovery)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("decoded message invalid: %v", err)
	}
	// signing base survives re-encoding
	if out.SigningBase() != in.SigningBase() {
		t.Fatalf("signing base changed: %q vs %q", out.SigningBase(), in.SigningBase())
	}
}

func TestCBORDeterministic(t *testing.T) {
	c := MustCBOR()
	in := sampleMessage()
	a, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical encoding not deterministic")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	c := JSON()
	in := sampleMessage()
	raw, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out protocol.SyncMessage
	if err := c.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != in.ID || out.Payload.Discovery == nil {
		t.Fatalf("json round trip lost data: %+v", out)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Get("application/json") == nil {
		t.Fatalf("registry missing preloaded json codec")
	}
	if r.Get("application/cbor") != nil {
		t.Fatalf("cbor registered before Register call")
	}
	r.Register(MustCBOR())
	if got := r.Get("application/cbor"); got == nil || got.ContentType() != "application/cbor" {
		t.Fatalf("cbor lookup failed after Register")
	}
}
