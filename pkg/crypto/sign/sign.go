// Package sign provides shared-secret message authentication for the sync
// protocol: HMAC-SHA256 signatures over the envelope's canonical signing
// base, with session keys derived from a network pre-shared key via HKDF.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the derived HMAC key length in bytes.
const SessionKeySize = 32

// Signer signs and verifies message bases with one session key.
type Signer struct {
	key []byte
}

// New wraps a session key. The key is copied.
func New(key []byte) *Signer {
	return &Signer{key: append([]byte(nil), key...)}
}

// Sign returns the hex HMAC-SHA256 of base.
func (s *Signer) Sign(base string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against base in constant time.
func (s *Signer) Verify(base, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(base))
	return hmac.Equal(mac.Sum(nil), want)
}

// DeriveSessionKey expands a network pre-shared key into a session key bound
// to the given label. Distinct labels yield independent keys.
func DeriveSessionKey(networkKey []byte, label string) ([]byte, error) {
	if len(networkKey) == 0 {
		return nil, errors.New("sign: empty network key")
	}
	r := hkdf.New(sha256.New, networkKey, nil, []byte("arxlink/"+label))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
