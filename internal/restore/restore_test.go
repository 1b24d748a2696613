package restore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/chunker"
	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/pack"
	"github.com/IvanLi-CN/televy-backup/internal/pipeline"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
)

const testProviderNamespace = "telegram.mtproto/home"

type fakeProvider struct {
	objects map[string][]byte
	next    int
	pinned  []byte
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

func (p *fakeProvider) PinSet(ctx context.Context, payload []byte) error {
	p.pinned = append([]byte(nil), payload...)
	return nil
}

func (p *fakeProvider) PinGet(ctx context.Context) ([]byte, error) {
	if p.pinned == nil {
		return nil, provider.ErrNoPinnedMessage
	}
	return p.pinned, nil
}

func (p *fakeProvider) ChannelCheck(ctx context.Context) error { return nil }

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writeSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("restore me, file a, with enough bytes to chunk"), 0o644); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("restore me too, file b, also chunked content"), 0o644); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}
	return root
}

func backupOnce(t *testing.T, key []byte, fp *fakeProvider, root string) string {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer idx.Close()

	opts := pipeline.Options{
		ProviderNamespace: testProviderNamespace,
		TargetID:          "home",
		ChunkOpts:         chunker.DefaultChunkOptions(),
		PackLimits:        pack.DefaultLimits(),
		QueueDepth:        8,
		WorkerCount:       4,
		MaxConcurrent:     4,
		Backoff:           provider.BackoffPolicy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxTrys: 3},
	}
	pl, err := pipeline.New(key, fp, idx, opts)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	snapshotID, err := pl.Run(context.Background(), root, "nightly")
	if err != nil {
		t.Fatalf("pipeline.Run: %v", err)
	}
	return snapshotID
}

func TestRestoreReconstructsFilesExactly(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	root := writeSourceTree(t)
	backupOnce(t, key, fp, root)

	r, err := New(key, fp, testProviderNamespace)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dest := t.TempDir()
	snapshotID, err := r.RunRestore(context.Background(), "home", "", dest)
	if err != nil {
		t.Fatalf("RunRestore: %v", err)
	}
	if snapshotID == "" {
		t.Fatal("expected non-empty snapshot id")
	}

	wantA, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("read original a.txt: %v", err)
	}
	gotA, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("read restored a.txt: %v", err)
	}
	if !bytes.Equal(wantA, gotA) {
		t.Fatalf("a.txt mismatch: got %q want %q", gotA, wantA)
	}

	wantB, err := os.ReadFile(filepath.Join(root, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("read original b.txt: %v", err)
	}
	gotB, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("read restored b.txt: %v", err)
	}
	if !bytes.Equal(wantB, gotB) {
		t.Fatalf("b.txt mismatch: got %q want %q", gotB, wantB)
	}
}

func TestVerifyReportsCleanTreeAsOK(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	root := writeSourceTree(t)
	backupOnce(t, key, fp, root)

	r, err := New(key, fp, testProviderNamespace)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	report, err := r.RunVerify(context.Background(), "home", "", StopOnFirstMissing)
	if err != nil {
		t.Fatalf("RunVerify: %v", err)
	}
	if len(report.Files) != 2 {
		t.Fatalf("expected 2 verified files, got %d", len(report.Files))
	}
	for _, fr := range report.Files {
		if !fr.OK {
			t.Fatalf("expected %s to verify OK, got error %q", fr.Path, fr.ErrorMessage)
		}
	}
}

func TestVerifyStopOnFirstMissingFailsWhenObjectsLost(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	root := writeSourceTree(t)
	backupOnce(t, key, fp, root)

	// Simulate a provider-side object loss: delete every uploaded blob
	// (chunk packs, index parts, manifest and catalog alike), so the
	// verify run cannot complete.
	for id := range fp.objects {
		delete(fp.objects, id)
	}

	r, err := New(key, fp, testProviderNamespace)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.RunVerify(context.Background(), "home", "", StopOnFirstMissing); err == nil {
		t.Fatal("expected StopOnFirstMissing verify to fail once every remote object is gone")
	}
}

func TestSignAndVerifySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	_ = pub

	report := Report{SnapshotID: "snap-1", GeneratedAt: time.Unix(1700000000, 0).UTC(), Files: []FileResult{
		{Path: "a.txt", OK: true},
	}}
	signed, err := Sign(report, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !VerifySignature(*signed) {
		t.Fatal("expected signature to verify")
	}

	signed.Report.Files[0].OK = false
	if VerifySignature(*signed) {
		t.Fatal("expected tampered report to fail signature verification")
	}
}
