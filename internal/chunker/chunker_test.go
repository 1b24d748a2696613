package chunker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestChunker_SmallInputYieldsOneChunk(t *testing.T) {
	opts := DefaultChunkOptions()
	data := []byte("Hello, TelevyBackup!")

	ck := NewChunker(bytes.NewReader(data), opts)
	chunk, err := ck.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if chunk.Length != len(data) {
		t.Errorf("expected length %d, got %d", len(data), chunk.Length)
	}
	if !bytes.Equal(chunk.Data, data) {
		t.Errorf("chunk data mismatch")
	}
	if chunk.Hash == "" {
		t.Error("expected non-empty chunk hash")
	}

	if _, err := ck.Next(); err == nil {
		t.Error("expected io.EOF on second call")
	}
}

func TestChunker_ForcesMaxCut(t *testing.T) {
	opts := ChunkOptions{MinSize: 1 << 20, AvgSize: 1 << 20, MaxSize: 2 << 20}
	data := make([]byte, 5<<20)
	for i := range data {
		data[i] = byte(i)
	}

	ck := NewChunker(bytes.NewReader(data), opts)
	var total int64
	for {
		chunk, err := ck.Next()
		if err != nil {
			break
		}
		if int64(chunk.Length) > opts.MaxSize {
			t.Fatalf("chunk length %d exceeds MaxSize %d", chunk.Length, opts.MaxSize)
		}
		total += int64(chunk.Length)
	}
	if total != int64(len(data)) {
		t.Errorf("expected total bytes %d, got %d", len(data), total)
	}
}

func TestChunker_DeterministicAcrossRuns(t *testing.T) {
	opts := DefaultChunkOptions()
	data := make([]byte, 8<<20)
	for i := range data {
		data[i] = byte((i * 7) % 256)
	}

	hash := func() []string {
		ck := NewChunker(bytes.NewReader(data), opts)
		var hashes []string
		for {
			c, err := ck.Next()
			if err != nil {
				break
			}
			hashes = append(hashes, c.Hash)
		}
		return hashes
	}

	first := hash()
	second := hash()
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ across runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d hash differs across runs: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestChunker_AppendOnlyReusesLeadingChunks(t *testing.T) {
	opts := ChunkOptions{MinSize: 16 << 10, AvgSize: 64 << 10, MaxSize: 256 << 10}
	base := make([]byte, 2<<20)
	for i := range base {
		base[i] = byte((i * 31) % 256)
	}
	appended := append(append([]byte(nil), base...), []byte("extra appended tail bytes")...)

	hashesOf := func(data []byte) []string {
		ck := NewChunker(bytes.NewReader(data), opts)
		var out []string
		for {
			c, err := ck.Next()
			if err != nil {
				break
			}
			out = append(out, c.Hash)
		}
		return out
	}

	baseHashes := hashesOf(base)
	appendedHashes := hashesOf(appended)

	matching := 0
	for i := 0; i < len(baseHashes) && i < len(appendedHashes); i++ {
		if baseHashes[i] != appendedHashes[i] {
			break
		}
		matching++
	}
	if matching < len(baseHashes)-1 {
		t.Errorf("expected most leading chunks to be reused after append, matched %d/%d", matching, len(baseHashes))
	}
}

func TestStreamFile_YieldsInOrderAndRespectsContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	data := make([]byte, 3<<20)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts := DefaultChunkOptions()
	var total int64
	var lastOffset int64 = -1
	err := StreamFile(context.Background(), path, opts, func(c *Chunk) error {
		if c.Offset <= lastOffset {
			t.Errorf("chunk offsets out of order: %d after %d", c.Offset, lastOffset)
		}
		lastOffset = c.Offset
		total += int64(c.Length)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamFile failed: %v", err)
	}
	if total != int64(len(data)) {
		t.Errorf("expected total %d bytes, got %d", len(data), total)
	}
}

func TestStreamFile_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := StreamFile(ctx, path, DefaultChunkOptions(), func(c *Chunk) error {
		t.Fatal("yield should not be called with an already-cancelled context")
		return nil
	})
	if err == nil {
		t.Error("expected cancellation error")
	}
}

func TestChunkOptions_ValidateRejectsOutOfOrder(t *testing.T) {
	opts := ChunkOptions{MinSize: 4 << 20, AvgSize: 1 << 20, MaxSize: 10 << 20}
	if err := opts.Validate(); err == nil {
		t.Error("expected validation error for min > avg")
	}
}

func TestChunkOptions_ValidateRejectsOverCap(t *testing.T) {
	opts := ChunkOptions{MinSize: 1 << 20, AvgSize: 4 << 20, MaxSize: 200 << 20}
	if err := opts.Validate(); err == nil {
		t.Error("expected validation error for max exceeding engineered cap")
	}
}
