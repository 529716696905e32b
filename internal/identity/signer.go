package identity

import (
	"fmt"

	"github.com/knirvcorp/relaymesh/go/internal/crypto/pqc"
)

// Signer produces and verifies a post-quantum signature over an encoded
// identity token, for adapters exchanging establish frames over transports
// an attacker can tamper with in flight. This is strictly additive: the
// in-memory adapter never uses it, and StorageAdapter uses it only when
// given one, to sign persisted snapshots; spec §1 excludes
// authentication/authorization beyond the opaque token itself.
type Signer struct {
	keyPair *pqc.PQCKeyPair
}

// NewSigner wraps an existing Dilithium-capable key pair.
func NewSigner(keyPair *pqc.PQCKeyPair) *Signer {
	return &Signer{keyPair: keyPair}
}

// Sign signs the bytes of an encoded identity token.
func (s *Signer) Sign(tokenBytes []byte) ([]byte, error) {
	if s == nil || s.keyPair == nil {
		return nil, fmt.Errorf("identity signer not configured")
	}
	return s.keyPair.Sign(tokenBytes)
}

// Verify checks a signature produced by Sign against the peer's public key.
func Verify(peerPublicKey *pqc.PQCKeyPair, tokenBytes, signature []byte) bool {
	if peerPublicKey == nil {
		return false
	}
	return peerPublicKey.Verify(tokenBytes, signature)
}
