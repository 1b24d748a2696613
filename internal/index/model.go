package index

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// FileKind enumerates the entry kinds a File row can record.
type FileKind string

const (
	KindFile    FileKind = "file"
	KindDir     FileKind = "dir"
	KindSymlink FileKind = "symlink"
)

// Snapshot is one immutable point-in-time backup of a target.
type Snapshot struct {
	SnapshotID     string
	CreatedAt      time.Time
	SourcePath     string
	Label          string
	BaseSnapshotID string // empty if none
}

// File is one filesystem entry captured in a snapshot.
type File struct {
	FileID     string
	SnapshotID string
	Path       string
	Size       int64
	MtimeMS    int64
	Mode       uint32
	Kind       FileKind
}

// DeriveFileID computes the deterministic file_id from snapshot id and
// path, so restores can be retried idempotently. SHA-256 is used here rather
// than the chunk content hash's BLAKE3 deliberately: file identity is a
// structural key, not a content-addressing concern, so it does not need
// to share an algorithm with chunk_hash.
func DeriveFileID(snapshotID, path string) string {
	h := sha256.Sum256([]byte(snapshotID + "\x00" + path))
	return hex.EncodeToString(h[:])
}

// Chunk is the plaintext-hash-keyed dedup unit.
type Chunk struct {
	ChunkHash string
	Size      int64
	HashAlg   string
	EncAlg    string
	CreatedAt time.Time
}

// FileChunk maps one ordered slice of a file to a chunk.
type FileChunk struct {
	FileID    string
	Seq       int64
	ChunkHash string
	Offset    int64
	Len       int64
}

// ChunkObject records where a chunk's encrypted bytes live for one
// provider namespace (the dedup key: one object per provider per hash).
type ChunkObject struct {
	Provider  string
	ObjectID  string
	ChunkHash string
	CreatedAt time.Time
}

// RemoteIndex points a snapshot at its uploaded manifest object.
type RemoteIndex struct {
	SnapshotID       string
	Provider         string
	ManifestObjectID string
	CreatedAt        time.Time
}

// RemoteIndexPart is one part of a split, compressed, encrypted index DB.
type RemoteIndexPart struct {
	SnapshotID string
	PartNo     int
	Provider   string
	ObjectID   string
	Size       int64
	Hash       string
}
