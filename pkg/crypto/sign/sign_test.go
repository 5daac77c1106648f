package sign

import (
	"bytes"
	"testing"
)

func TestSignVerify(t *testing.T) {
	s := New([]byte("session-key"))
	base := "abc:heartbeat:n1:42"
	sig := s.Sign(base)
	if sig == "" {
		t.Fatalf("empty signature")
	}
	if !s.Verify(base, sig) {
		t.Fatalf("signature did not verify")
	}
	if s.Verify(base+"x", sig) {
		t.Fatalf("tampered base verified")
	}
	if s.Verify(base, sig[:len(sig)-2]) {
		t.Fatalf("truncated signature verified")
	}
	if s.Verify(base, "not-hex") {
		t.Fatalf("non-hex signature verified")
	}
	if New([]byte("other-key")).Verify(base, sig) {
		t.Fatalf("signature verified under a different key")
	}
}

func TestSignDeterministic(t *testing.T) {
	s := New([]byte("k"))
	if s.Sign("base") != s.Sign("base") {
		t.Fatalf("same key and base produced different signatures")
	}
}

func TestDeriveSessionKey(t *testing.T) {
	a, err := DeriveSessionKey([]byte("network-psk"), "sync")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(a) != SessionKeySize {
		t.Fatalf("key length = %d, want %d", len(a), SessionKeySize)
	}

	b, err := DeriveSessionKey([]byte("network-psk"), "sync")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("derivation is not deterministic")
	}

	c, err := DeriveSessionKey([]byte("network-psk"), "other")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("distinct labels produced the same key")
	}

	if _, err := DeriveSessionKey(nil, "sync"); err == nil {
		t.Fatalf("empty network key accepted")
	}
}
