package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

const streamBufSize = 1 << 20 // 1 MiB

// HashBytes returns the lowercase hex BLAKE3-256 digest of b. This is the
// chunk content-hash function used throughout the chunker and object store:
// chunk_hash is always the hash of plaintext bytes.
func HashBytes(b []byte) string {
	h := blake3.Sum256(b)
	return hex.EncodeToString(h[:])
}

// HashReader streams r through BLAKE3 in fixed-size buffers without
// holding the whole input in memory.
func HashReader(r io.Reader) (string, error) {
	h := blake3.New()
	buf := make([]byte, streamBufSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("crypto: hash stream: %w", err)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum), nil
}

// HashFileB64 streams a file through BLAKE3 and returns the base64
// digest.
func HashFileB64(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("crypto: open file: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, streamBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("crypto: hash file: %w", err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
