// Package crypto implements the AEAD blob framing and key-wrapping used by
// every remote object TelevyBackup writes.
//
// Every remote blob is serialized as version(1) || nonce(24) ||
// ciphertext_and_tag(*), version fixed to 0x01, AEAD = XChaCha20-Poly1305.
// The nonce is drawn from a cryptographic RNG per blob; associated data
// binds each blob to its semantic context (chunk hash, snapshot id, fixed
// tags for catalog/pack/config blobs). AD mismatch or tag failure is a
// non-retryable authentication error.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// FrameVersion is the single byte prefix of every framed blob.
	FrameVersion byte = 0x01

	// KeySize is the length in bytes of a master or vault key.
	KeySize = chacha20poly1305.KeySize // 32

	// NonceSize is the length in bytes of the XChaCha20-Poly1305 nonce.
	NonceSize = chacha20poly1305.NonceSizeX // 24

	// Overhead is the total framing overhead added to any plaintext:
	// 1 version byte + 24 nonce bytes + 16 tag bytes.
	Overhead = 1 + NonceSize + chacha20poly1305.Overhead
)

var (
	ErrInvalidKeySize       = errors.New("crypto: invalid key size")
	ErrInvalidNonceSize     = errors.New("crypto: invalid nonce size")
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
	ErrUnsupportedVersion   = errors.New("crypto: unsupported frame version")
	ErrFrameTooShort        = errors.New("crypto: framed blob shorter than header")
)

// Fixed associated-data tags for blob types that are not keyed by a
// per-object identifier.
const (
	ADBootstrapCatalog    = "televy.bootstrap.catalog.v1"
	ADPackHeader          = "televy.pack.header.v1"
	ADConfigBundleGoldKey = "televy.config.bundle.v2.gold_key"
	ADConfigBundlePayload = "televy.config.bundle.v2.payload"
)

// Seal encrypts plaintext under key with the given nonce and associated
// data, returning raw ciphertext+tag (no version/nonce prefix). Most
// callers should use Frame instead, which calls Seal with a fresh random
// nonce and prepends the version and nonce.
func Seal(key, nonce, ad, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open decrypts ciphertext (as produced by Seal) under key/nonce/ad.
func Open(key, nonce, ad, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

// Frame encrypts plaintext under key with a fresh random nonce and
// associated data ad, and returns the full wire envelope:
// version(1) || nonce(24) || ciphertext+tag(*).
//
// The nonce is always drawn from crypto/rand rather than derived from a
// counter: objects are written by independent hosts sharing one master
// key, so there is no shared counter to derive from.
func Frame(key, ad, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ct, err := Seal(key, nonce, ad, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+NonceSize+len(ct))
	out = append(out, FrameVersion)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Unframe parses and decrypts a wire envelope produced by Frame, verifying
// ad. A version mismatch, short buffer, or tag failure returns a non-nil
// error and the caller must treat the frame as unusable — never silently
// accept a decrypt failure.
func Unframe(key, ad, framed []byte) ([]byte, error) {
	if len(framed) < 1+NonceSize {
		return nil, ErrFrameTooShort
	}
	if framed[0] != FrameVersion {
		return nil, ErrUnsupportedVersion
	}
	nonce := framed[1 : 1+NonceSize]
	ct := framed[1+NonceSize:]
	return Open(key, nonce, ad, ct)
}
