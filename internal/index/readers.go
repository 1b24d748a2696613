package index

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// LookupChunkObject reports whether a chunk is already known to this
// provider namespace — the dedup check the scan phase consults against
// the local index.
func (idx *Index) LookupChunkObject(provider, chunkHash string) (ChunkObject, bool, error) {
	var obj ChunkObject
	var createdAt time.Time
	err := idx.db.QueryRow(
		`SELECT provider, object_id, chunk_hash, created_at FROM chunk_objects
		 WHERE provider = ? AND chunk_hash = ?`,
		provider, chunkHash,
	).Scan(&obj.Provider, &obj.ObjectID, &obj.ChunkHash, &createdAt)
	if err == sql.ErrNoRows {
		return ChunkObject{}, false, nil
	}
	if err != nil {
		return ChunkObject{}, false, fmt.Errorf("index: lookup chunk object: %w", err)
	}
	obj.CreatedAt = createdAt
	return obj, true, nil
}

// ChunkExists reports whether a chunks row exists for hash, regardless of
// provider (used to decide whether RecordChunkUpload needs to insert a
// fresh chunks row or only a chunk_objects row).
func (idx *Index) ChunkExists(hash string) (bool, error) {
	var n int
	if err := idx.db.QueryRow(`SELECT COUNT(1) FROM chunks WHERE chunk_hash = ?`, hash).Scan(&n); err != nil {
		return false, fmt.Errorf("index: chunk existence: %w", err)
	}
	return n > 0, nil
}

// GetSnapshot fetches one snapshot row.
func (idx *Index) GetSnapshot(snapshotID string) (Snapshot, error) {
	var s Snapshot
	var base sql.NullString
	err := idx.db.QueryRow(
		`SELECT snapshot_id, created_at, source_path, label, base_snapshot_id FROM snapshots WHERE snapshot_id = ?`,
		snapshotID,
	).Scan(&s.SnapshotID, &s.CreatedAt, &s.SourcePath, &s.Label, &base)
	if err != nil {
		return Snapshot{}, fmt.Errorf("index: get snapshot: %w", err)
	}
	s.BaseSnapshotID = base.String
	return s, nil
}

// ListSnapshots returns every snapshot, most recent first.
func (idx *Index) ListSnapshots() ([]Snapshot, error) {
	rows, err := idx.db.Query(`SELECT snapshot_id, created_at, source_path, label, base_snapshot_id FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("index: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var base sql.NullString
		if err := rows.Scan(&s.SnapshotID, &s.CreatedAt, &s.SourcePath, &s.Label, &base); err != nil {
			return nil, fmt.Errorf("index: scan snapshot: %w", err)
		}
		s.BaseSnapshotID = base.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListFiles returns every file of a snapshot in deterministic path order.
func (idx *Index) ListFiles(snapshotID string) ([]File, error) {
	rows, err := idx.db.Query(
		`SELECT file_id, snapshot_id, path, size, mtime_ms, mode, kind FROM files WHERE snapshot_id = ? ORDER BY path ASC`,
		snapshotID,
	)
	if err != nil {
		return nil, fmt.Errorf("index: list files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		var kind string
		if err := rows.Scan(&f.FileID, &f.SnapshotID, &f.Path, &f.Size, &f.MtimeMS, &f.Mode, &kind); err != nil {
			return nil, fmt.Errorf("index: scan file: %w", err)
		}
		f.Kind = FileKind(kind)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, rows.Err()
}

// ListFileChunks returns every chunk of a file in seq order, the order
// whose concatenation reconstructs the file exactly.
func (idx *Index) ListFileChunks(fileID string) ([]FileChunk, error) {
	rows, err := idx.db.Query(
		`SELECT file_id, seq, chunk_hash, offset, len FROM file_chunks WHERE file_id = ? ORDER BY seq ASC`,
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("index: list file chunks: %w", err)
	}
	defer rows.Close()

	var out []FileChunk
	for rows.Next() {
		var fc FileChunk
		if err := rows.Scan(&fc.FileID, &fc.Seq, &fc.ChunkHash, &fc.Offset, &fc.Len); err != nil {
			return nil, fmt.Errorf("index: scan file chunk: %w", err)
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// GetRemoteIndex fetches the manifest pointer for (snapshotID, provider).
func (idx *Index) GetRemoteIndex(snapshotID, provider string) (RemoteIndex, error) {
	var ri RemoteIndex
	err := idx.db.QueryRow(
		`SELECT snapshot_id, provider, manifest_object_id, created_at FROM remote_indexes WHERE snapshot_id = ? AND provider = ?`,
		snapshotID, provider,
	).Scan(&ri.SnapshotID, &ri.Provider, &ri.ManifestObjectID, &ri.CreatedAt)
	if err != nil {
		return RemoteIndex{}, fmt.Errorf("index: get remote index: %w", err)
	}
	return ri, nil
}

// ListRemoteIndexParts returns every part of a snapshot's remote index in
// part_no order — the order in which they must be concatenated.
func (idx *Index) ListRemoteIndexParts(snapshotID, provider string) ([]RemoteIndexPart, error) {
	rows, err := idx.db.Query(
		`SELECT snapshot_id, part_no, provider, object_id, size, hash FROM remote_index_parts
		 WHERE snapshot_id = ? AND provider = ? ORDER BY part_no ASC`,
		snapshotID, provider,
	)
	if err != nil {
		return nil, fmt.Errorf("index: list remote index parts: %w", err)
	}
	defer rows.Close()

	var out []RemoteIndexPart
	for rows.Next() {
		var p RemoteIndexPart
		if err := rows.Scan(&p.SnapshotID, &p.PartNo, &p.Provider, &p.ObjectID, &p.Size, &p.Hash); err != nil {
			return nil, fmt.Errorf("index: scan remote index part: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
