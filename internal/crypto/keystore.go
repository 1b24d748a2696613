package crypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// argon2Params is the keystore's Argon2id tuning. These values
// are deliberately conservative for a CLI tool run on a user's own machine.
const (
	argon2Time    = 3
	argon2MemKiB  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = KeySize
	saltSize      = 16
)

// WrappedKey is the on-disk representation of a master key encrypted under
// a passphrase-derived vault key.
type WrappedKey struct {
	Salt  []byte `json:"salt"`
	Frame []byte `json:"frame"`
}

// WrapMasterKey encrypts masterKey under a vault key derived from
// passphrase via Argon2id, returning a WrappedKey suitable for JSON
// persistence. The vault key itself never touches disk.
func WrapMasterKey(masterKey []byte, passphrase []byte) (*WrappedKey, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	vaultKey := deriveVaultKey(passphrase, salt)
	frame, err := Frame(vaultKey, []byte(ADConfigBundleGoldKey), masterKey)
	if err != nil {
		return nil, err
	}
	return &WrappedKey{Salt: salt, Frame: frame}, nil
}

// UnwrapMasterKey reverses WrapMasterKey. A wrong passphrase or corrupted
// frame surfaces ErrAuthenticationFailed.
func UnwrapMasterKey(wk *WrappedKey, passphrase []byte) ([]byte, error) {
	vaultKey := deriveVaultKey(passphrase, wk.Salt)
	return Unframe(vaultKey, []byte(ADConfigBundleGoldKey), wk.Frame)
}

func deriveVaultKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argon2Time, argon2MemKiB, argon2Threads, argon2KeyLen)
}

// SaveKeystoreFile writes wk as JSON to path, creating parent directories
// as needed.
func SaveKeystoreFile(path string, wk *WrappedKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("crypto: create keystore dir: %w", err)
	}
	b, err := json.MarshalIndent(wk, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto: marshal keystore: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadKeystoreFile reads a WrappedKey previously written by SaveKeystoreFile.
func LoadKeystoreFile(path string) (*WrappedKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keystore: %w", err)
	}
	var wk WrappedKey
	if err := json.Unmarshal(b, &wk); err != nil {
		return nil, fmt.Errorf("crypto: parse keystore: %w", err)
	}
	return &wk, nil
}

// GetDefaultKeystorePath returns the XDG-aware default location for the
// wrapped master key.
func GetDefaultKeystorePath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("crypto: resolve home dir: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "televybackup", "masterkey.json"), nil
}
