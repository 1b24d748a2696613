package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/chunker"
	"github.com/IvanLi-CN/televy-backup/internal/events"
	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/pack"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
)

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

func openTestIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func testOptions() Options {
	return Options{
		ProviderNamespace: "telegram.mtproto/home",
		TargetID:          "home",
		ChunkOpts:         chunker.DefaultChunkOptions(),
		PackLimits:        pack.DefaultLimits(),
		QueueDepth:        8,
		WorkerCount:       4,
		MaxConcurrent:     4,
		MinDelay:          0,
		Backoff:           provider.BackoffPolicy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxTrys: 3},
	}
}

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world, this is file a"), 0o644); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("hello world, this is file b, longer than a"), 0o644); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}
	return root
}

func TestPipelineRunProducesSnapshotAndFiles(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	idx := openTestIndex(t)

	pl, err := New(key, fp, idx, testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	root := writeTree(t)
	snapshotID, err := pl.Run(context.Background(), root, "nightly")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snapshotID == "" {
		t.Fatal("expected non-empty snapshot id")
	}

	snap, err := idx.GetSnapshot(snapshotID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.SourcePath != root {
		t.Fatalf("unexpected source path: %s", snap.SourcePath)
	}

	files, err := idx.ListFiles(snapshotID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	// root dir entries: a.txt, sub (dir), sub/b.txt
	if len(files) != 3 {
		t.Fatalf("expected 3 file entries, got %d", len(files))
	}

	for _, f := range files {
		if f.Kind != index.KindFile {
			continue
		}
		chunks, err := idx.ListFileChunks(f.FileID)
		if err != nil {
			t.Fatalf("ListFileChunks(%s): %v", f.Path, err)
		}
		if len(chunks) == 0 {
			t.Fatalf("expected at least one chunk for %s", f.Path)
		}
	}

	ri, err := idx.GetRemoteIndex(snapshotID, "telegram.mtproto/home")
	if err != nil {
		t.Fatalf("GetRemoteIndex: %v", err)
	}
	if ri.ManifestObjectID == "" {
		t.Fatal("expected a manifest object id to be recorded")
	}

	if fp.pinned == nil {
		t.Fatal("expected the bootstrap catalog pin to be set after finalize")
	}
}

func TestPipelineSecondRunDedupsUnchangedChunks(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	idx := openTestIndex(t)

	pl, err := New(key, fp, idx, testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	root := writeTree(t)
	if _, err := pl.Run(context.Background(), root, "first"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	objectsAfterFirst := len(fp.objects)

	// A second backup of the same, unmodified tree must not upload any
	// new chunk bytes: every chunk hash already has a chunk_objects row
	// for this provider namespace, so scanAndUpload only dedups.
	if _, err := pl.Run(context.Background(), root, "second"); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	// The index packager still uploads a fresh manifest + parts for the
	// new snapshot's database, so object count grows, but none of that
	// growth should be additional chunk payloads.
	idxRows, err := idx.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(idxRows) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(idxRows))
	}
	if len(fp.objects) <= objectsAfterFirst {
		t.Fatalf("expected new index-packaging objects after second run, count stayed at %d", objectsAfterFirst)
	}
	// The second run's uploads are exactly one index part, the manifest
	// and the catalog document; a new chunk pack would make it four.
	if got := len(fp.objects) - objectsAfterFirst; got != 3 {
		t.Fatalf("second run uploaded %d objects, want 3 (index part, manifest, catalog)", got)
	}
}

func TestPipelineRetentionPrunesOldSnapshots(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	idx := openTestIndex(t)

	opts := testOptions()
	opts.KeepSnapshots = 1
	pl, err := New(key, fp, idx, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	root := writeTree(t)
	first, err := pl.Run(context.Background(), root, "first")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := pl.Run(context.Background(), root, "second"); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if _, err := idx.GetSnapshot(first); err == nil {
		t.Fatal("expected first snapshot to be pruned by retention")
	}

	snaps, err := idx.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 surviving snapshot, got %d", len(snaps))
	}
}

func TestPipelineEmitsStateAndProgressRecords(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	idx := openTestIndex(t)

	pub := events.NewPublisher(256)
	sub := pub.Subscribe()
	defer pub.Unsubscribe(sub.ID)

	pl, err := New(key, fp, idx, testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pl = pl.WithEvents(pub)

	root := writeTree(t)
	snapshotID, err := pl.Run(context.Background(), root, "nightly")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawRunning, sawSucceeded, sawProgress bool
	for {
		select {
		case rec := <-sub.Channel:
			switch r := rec.(type) {
			case *events.TaskState:
				if r.TaskID != snapshotID {
					t.Fatalf("state record for unexpected task %s", r.TaskID)
				}
				if r.State == events.StateRunning {
					sawRunning = true
				}
				if r.State == events.StateSucceeded {
					sawSucceeded = true
				}
			case *events.TaskProgress:
				sawProgress = true
			}
		default:
			if !sawRunning || !sawSucceeded || !sawProgress {
				t.Fatalf("incomplete stream: running=%v succeeded=%v progress=%v", sawRunning, sawSucceeded, sawProgress)
			}
			return
		}
	}
}
