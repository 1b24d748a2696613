package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSubkey derives a KeySize-byte subkey from the master key using
// HKDF-SHA256 with info as the domain-separation string.
//
// There is no natural per-call salt: a subkey must be the same across
// every host and every run for a given purpose, so salt is nil and all
// domain separation is carried by info.
func DeriveSubkey(masterKey []byte, info string) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("crypto: derive subkey: %w", err)
	}
	return subkey, nil
}
