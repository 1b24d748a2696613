package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IvanLi-CN/televy-backup/internal/crypto"
)

// signingKeyFile is the on-disk JSON shape for the verify-report Ed25519
// keypair, separate from the master key (the verify --sign feature's
// signed-verification-report supplement).
type signingKeyFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func generateSigningKey(path string) error {
	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	skf := signingKeyFile{
		PublicKey:  base64.StdEncoding.EncodeToString(kp.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(kp.PrivateKey),
	}
	b, err := json.MarshalIndent(skf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	var skf signingKeyFile
	if err := json.Unmarshal(b, &skf); err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(skf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing private key: %w", err)
	}
	return ed25519.PrivateKey(priv), nil
}
