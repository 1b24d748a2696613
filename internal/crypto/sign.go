package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SigningKeyPair is used only for the optional signed verification
// report, not for any peer handshake — this repo has no peer-to-peer
// identity exchange.
type SigningKeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a new Ed25519 keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	return &SigningKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign produces a raw Ed25519 signature over canonicalMessage.
func Sign(priv ed25519.PrivateKey, canonicalMessage []byte) []byte {
	return ed25519.Sign(priv, canonicalMessage)
}

// VerifySignature reports whether sig is a valid Ed25519 signature of
// canonicalMessage under pub.
func VerifySignature(pub ed25519.PublicKey, canonicalMessage, sig []byte) bool {
	return ed25519.Verify(pub, canonicalMessage, sig)
}
