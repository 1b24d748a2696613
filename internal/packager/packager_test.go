package packager

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/store"
)

type fakeProvider struct {
	objects map[string][]byte
	next    int
}

func newFakeProvider() *fakeProvider { return &fakeProvider{objects: make(map[string][]byte)} }

func (p *fakeProvider) Upload(ctx context.Context, blob []byte) (string, error) {
	p.next++
	id := fmt.Sprintf("fake-%d", p.next)
	p.objects[id] = append([]byte(nil), blob...)
	return id, nil
}

func (p *fakeProvider) Download(ctx context.Context, objectID string) ([]byte, error) {
	b, ok := p.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("no such object %s", objectID)
	}
	return b, nil
}

func (p *fakeProvider) PinSet(ctx context.Context, payload []byte) error { return nil }
func (p *fakeProvider) PinGet(ctx context.Context) ([]byte, error)      { return nil, nil }
func (p *fakeProvider) ChannelCheck(ctx context.Context) error          { return nil }

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func openTestIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestPackUnpackRoundTrip(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	s := store.New(key, fp)
	idx := openTestIndex(t)

	pg := New(s, idx, "telegram.mtproto/home")

	original := bytes.Repeat([]byte("SQLite database contents, repeated to exercise splitting. "), 2000)
	manifest, err := pg.Pack(context.Background(), "snap-1", original)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if manifest.Compression != "zstd" {
		t.Fatalf("unexpected compression tag: %s", manifest.Compression)
	}

	ri, err := idx.GetRemoteIndex("snap-1", "telegram.mtproto/home")
	if err != nil {
		t.Fatalf("GetRemoteIndex: %v", err)
	}

	restored, err := pg.Unpack(context.Background(), "snap-1", ri.ManifestObjectID)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatalf("round trip mismatch: got %d bytes want %d bytes", len(restored), len(original))
	}

	parts, err := idx.ListRemoteIndexParts("snap-1", "telegram.mtproto/home")
	if err != nil {
		t.Fatalf("ListRemoteIndexParts: %v", err)
	}
	if len(parts) != len(manifest.Parts) {
		t.Fatalf("index has %d parts, manifest has %d", len(parts), len(manifest.Parts))
	}
}

func TestUnpackRejectsTamperedPart(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	s := store.New(key, fp)
	idx := openTestIndex(t)
	pg := New(s, idx, "telegram.mtproto/home")

	original := bytes.Repeat([]byte{0x42}, 1024)
	manifest, err := pg.Pack(context.Background(), "snap-2", original)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	// Corrupt the uploaded part's ciphertext directly in the fake
	// provider's backing store.
	partObjID := manifest.Parts[0].ObjectID
	corrupted := append([]byte(nil), fp.objects[partObjID]...)
	corrupted[len(corrupted)-1] ^= 0xFF
	fp.objects[partObjID] = corrupted

	ri, err := idx.GetRemoteIndex("snap-2", "telegram.mtproto/home")
	if err != nil {
		t.Fatalf("GetRemoteIndex: %v", err)
	}
	if _, err := pg.Unpack(context.Background(), "snap-2", ri.ManifestObjectID); err == nil {
		t.Fatal("expected Unpack to reject tampered part")
	}
}

func TestSmallEmptyInputProducesOnePart(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	s := store.New(key, fp)
	idx := openTestIndex(t)
	pg := New(s, idx, "telegram.mtproto/home")

	manifest, err := pg.Pack(context.Background(), "snap-3", []byte{})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(manifest.Parts) != 1 {
		t.Fatalf("expected 1 part for empty input, got %d", len(manifest.Parts))
	}
}
