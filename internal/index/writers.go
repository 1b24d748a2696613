package index

import (
	"database/sql"
	"fmt"

	"github.com/IvanLi-CN/televy-backup/internal/errs"
)

// InsertSnapshot creates the (immutable) snapshot row. Snapshots are
// never mutated in place.
func (idx *Index) InsertSnapshot(s Snapshot) error {
	return idx.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO snapshots (snapshot_id, created_at, source_path, label, base_snapshot_id)
			 VALUES (?, ?, ?, ?, ?)`,
			s.SnapshotID, s.CreatedAt, s.SourcePath, s.Label, nullableString(s.BaseSnapshotID),
		)
		if err != nil {
			return errs.Wrap(errs.IndexConstraintViolation, "insert snapshot", err)
		}
		return nil
	})
}

// InsertFile creates a file row. (snapshot_id, path) must be unique;
// violating that indicates the scanner revisited a path within the same
// snapshot, which is a caller bug surfaced as a constraint violation.
func (idx *Index) InsertFile(f File) error {
	return idx.withWriteTx(func(tx *sql.Tx) error {
		return insertFile(tx, f)
	})
}

func insertFile(tx *sql.Tx, f File) error {
	_, err := tx.Exec(
		`INSERT INTO files (file_id, snapshot_id, path, size, mtime_ms, mode, kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.FileID, f.SnapshotID, f.Path, f.Size, f.MtimeMS, f.Mode, string(f.Kind),
	)
	if err != nil {
		return errs.Wrap(errs.IndexConstraintViolation, "insert file", err)
	}
	return nil
}

// AppendFileChunk inserts one (file_id, seq) row. The chunk it references
// must already exist (enforced by the file_chunks.chunk_hash foreign
// key). Callers append seq values in strictly increasing order per file.
func (idx *Index) AppendFileChunk(fc FileChunk) error {
	return idx.withWriteTx(func(tx *sql.Tx) error {
		return appendFileChunk(tx, fc)
	})
}

func appendFileChunk(tx *sql.Tx, fc FileChunk) error {
	_, err := tx.Exec(
		`INSERT INTO file_chunks (file_id, seq, chunk_hash, offset, len) VALUES (?, ?, ?, ?, ?)`,
		fc.FileID, fc.Seq, fc.ChunkHash, fc.Offset, fc.Len,
	)
	if err != nil {
		return errs.Wrap(errs.IndexConstraintViolation, "append file chunk", err)
	}
	return nil
}

// InsertFileWithChunks writes a file row and all of its file_chunks rows
// in one transaction — used by the scan phase when every chunk of a file
// was already known (same-snapshot or cross-snapshot dedup), so no
// upload-phase round trip is needed before the file is fully recorded.
func (idx *Index) InsertFileWithChunks(f File, chunks []FileChunk) error {
	return idx.withWriteTx(func(tx *sql.Tx) error {
		if err := insertFile(tx, f); err != nil {
			return err
		}
		for _, fc := range chunks {
			if err := appendFileChunk(tx, fc); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordChunkUpload records a newly-uploaded chunk: the chunks row (if
// this is the first time this content hash has ever been seen) and the
// chunk_objects row, in one transaction. This method must only be called
// after the provider has acknowledged the upload; the caller
// (internal/pipeline) is responsible for that ordering, and this method
// only enforces the atomicity of the two inserts.
func (idx *Index) RecordChunkUpload(c Chunk, obj ChunkObject) error {
	return idx.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO chunks (chunk_hash, size, hash_alg, enc_alg, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			c.ChunkHash, c.Size, c.HashAlg, c.EncAlg, c.CreatedAt,
		)
		if err != nil {
			return errs.Wrap(errs.IndexConstraintViolation, "insert chunk", err)
		}
		_, err = tx.Exec(
			`INSERT INTO chunk_objects (provider, object_id, chunk_hash, created_at)
			 VALUES (?, ?, ?, ?)`,
			obj.Provider, obj.ObjectID, obj.ChunkHash, obj.CreatedAt,
		)
		if err != nil {
			return errs.Wrap(errs.IndexConstraintViolation, "insert chunk object", err)
		}
		return nil
	})
}

// RecordRemoteIndex writes the remote_indexes row and every
// remote_index_parts row in one transaction. It must only be called
// after the manifest upload and every part upload have been
// acknowledged.
func (idx *Index) RecordRemoteIndex(ri RemoteIndex, parts []RemoteIndexPart) error {
	return idx.withWriteTx(func(tx *sql.Tx) error {
		for _, p := range parts {
			_, err := tx.Exec(
				`INSERT INTO remote_index_parts (snapshot_id, part_no, provider, object_id, size, hash)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				p.SnapshotID, p.PartNo, p.Provider, p.ObjectID, p.Size, p.Hash,
			)
			if err != nil {
				return errs.Wrap(errs.IndexConstraintViolation, "insert remote index part", err)
			}
		}
		_, err := tx.Exec(
			`INSERT INTO remote_indexes (snapshot_id, provider, manifest_object_id, created_at)
			 VALUES (?, ?, ?, ?)`,
			ri.SnapshotID, ri.Provider, ri.ManifestObjectID, ri.CreatedAt,
		)
		if err != nil {
			return errs.Wrap(errs.IndexConstraintViolation, "insert remote index", err)
		}
		return nil
	})
}

// FileAlreadyRecorded reports whether a file row for fileID already
// exists — used by the resumed-backup path to skip re-chunking a file
// whose row was already committed before a crash.
func (idx *Index) FileAlreadyRecorded(fileID string) (bool, error) {
	var n int
	err := idx.db.QueryRow(`SELECT COUNT(1) FROM files WHERE file_id = ?`, fileID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("index: check file existence: %w", err)
	}
	return n > 0, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
