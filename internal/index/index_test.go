package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestInsertAndListSnapshot(t *testing.T) {
	idx := openTestIndex(t)
	s := Snapshot{SnapshotID: "snap-1", CreatedAt: time.Now(), SourcePath: "/src", Label: "nightly"}
	if err := idx.InsertSnapshot(s); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	got, err := idx.GetSnapshot("snap-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.SourcePath != "/src" || got.Label != "nightly" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestFileChunkRequiresExistingChunk(t *testing.T) {
	idx := openTestIndex(t)
	must(t, idx.InsertSnapshot(Snapshot{SnapshotID: "s1", CreatedAt: time.Now(), SourcePath: "/src"}))
	f := File{FileID: DeriveFileID("s1", "a.txt"), SnapshotID: "s1", Path: "a.txt", Size: 10, Kind: KindFile}
	must(t, idx.InsertFile(f))

	fc := FileChunk{FileID: f.FileID, Seq: 0, ChunkHash: "deadbeef", Offset: 0, Len: 10}
	if err := idx.AppendFileChunk(fc); err == nil {
		t.Fatal("expected FK violation inserting file_chunk before its chunk exists")
	}

	must(t, idx.RecordChunkUpload(
		Chunk{ChunkHash: "deadbeef", Size: 10, HashAlg: "blake3", EncAlg: "xchacha20poly1305", CreatedAt: time.Now()},
		ChunkObject{Provider: "telegram.mtproto/home", ObjectID: "tgmtproto:v1:x", ChunkHash: "deadbeef", CreatedAt: time.Now()},
	))
	must(t, idx.AppendFileChunk(fc))

	chunks, err := idx.ListFileChunks(f.FileID)
	if err != nil {
		t.Fatalf("ListFileChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ChunkHash != "deadbeef" {
		t.Fatalf("unexpected file chunks: %+v", chunks)
	}
}

func TestDedupLookup(t *testing.T) {
	idx := openTestIndex(t)
	must(t, idx.RecordChunkUpload(
		Chunk{ChunkHash: "aaaa", Size: 4, HashAlg: "blake3", EncAlg: "xchacha20poly1305", CreatedAt: time.Now()},
		ChunkObject{Provider: "telegram.mtproto/home", ObjectID: "tgmtproto:v1:y", ChunkHash: "aaaa", CreatedAt: time.Now()},
	))

	obj, found, err := idx.LookupChunkObject("telegram.mtproto/home", "aaaa")
	if err != nil || !found {
		t.Fatalf("expected dedup hit, found=%v err=%v", found, err)
	}
	if obj.ObjectID != "tgmtproto:v1:y" {
		t.Fatalf("unexpected object id: %s", obj.ObjectID)
	}

	_, found, err = idx.LookupChunkObject("telegram.mtproto/other", "aaaa")
	if err != nil {
		t.Fatalf("LookupChunkObject: %v", err)
	}
	if found {
		t.Fatal("endpoint namespace isolation violated: found chunk_object under different provider")
	}
}

func TestRetentionNeverTouchesChunksOrChunkObjects(t *testing.T) {
	idx := openTestIndex(t)
	must(t, idx.RecordChunkUpload(
		Chunk{ChunkHash: "shared", Size: 4, HashAlg: "blake3", EncAlg: "xchacha20poly1305", CreatedAt: time.Now()},
		ChunkObject{Provider: "telegram.mtproto/home", ObjectID: "tgmtproto:v1:shared", ChunkHash: "shared", CreatedAt: time.Now()},
	))

	for i, snapID := range []string{"s1", "s2", "s3"} {
		must(t, idx.InsertSnapshot(Snapshot{SnapshotID: snapID, CreatedAt: time.Now().Add(time.Duration(i) * time.Minute), SourcePath: "/src"}))
		f := File{FileID: DeriveFileID(snapID, "f.txt"), SnapshotID: snapID, Path: "f.txt", Size: 4, Kind: KindFile}
		must(t, idx.InsertFileWithChunks(f, []FileChunk{{FileID: f.FileID, Seq: 0, ChunkHash: "shared", Len: 4}}))
	}

	pruned, err := idx.Retention("/src", 1)
	if err != nil {
		t.Fatalf("Retention: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned snapshots, got %d", pruned)
	}

	exists, err := idx.ChunkExists("shared")
	if err != nil || !exists {
		t.Fatalf("retention must never delete shared chunk row: exists=%v err=%v", exists, err)
	}
	_, found, err := idx.LookupChunkObject("telegram.mtproto/home", "shared")
	if err != nil || !found {
		t.Fatalf("retention must never delete chunk_objects row: found=%v err=%v", found, err)
	}

	remaining, err := idx.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining snapshot, got %d", len(remaining))
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReplaceWithSwapsDatabaseContents(t *testing.T) {
	// Build a source database with one snapshot, then replace a second,
	// empty database's file with the source's bytes through the open
	// handle; the second handle must see the source's rows afterwards.
	srcPath := filepath.Join(t.TempDir(), "src.sqlite")
	src, err := Open(srcPath)
	if err != nil {
		t.Fatalf("Open src: %v", err)
	}
	if err := src.InsertSnapshot(Snapshot{SnapshotID: "snap-r", CreatedAt: time.Now(), SourcePath: "/replaced"}); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	if err := src.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close src: %v", err)
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("read src bytes: %v", err)
	}

	dst := openTestIndex(t)
	if err := dst.ReplaceWith(data); err != nil {
		t.Fatalf("ReplaceWith: %v", err)
	}

	got, err := dst.GetSnapshot("snap-r")
	if err != nil {
		t.Fatalf("GetSnapshot after replace: %v", err)
	}
	if got.SourcePath != "/replaced" {
		t.Fatalf("unexpected source path %q after replace", got.SourcePath)
	}

	// The handle must stay writable after the swap.
	if err := dst.InsertSnapshot(Snapshot{SnapshotID: "snap-r2", CreatedAt: time.Now(), SourcePath: "/after"}); err != nil {
		t.Fatalf("InsertSnapshot after replace: %v", err)
	}
}
