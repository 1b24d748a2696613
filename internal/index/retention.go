package index

import (
	"database/sql"
	"fmt"
)

// Retention deletes all but the keep most recent snapshots for
// sourcePath, and everything that hangs off them: files, file_chunks,
// remote_indexes, remote_index_parts. It never touches chunks or
// chunk_objects: those rows are shared across snapshots, and remote
// objects are never garbage-collected.
func (idx *Index) Retention(sourcePath string, keep int) (prunedSnapshots int, err error) {
	if keep < 0 {
		keep = 0
	}

	rows, err := idx.db.Query(
		`SELECT snapshot_id FROM snapshots WHERE source_path = ? ORDER BY created_at DESC`,
		sourcePath,
	)
	if err != nil {
		return 0, fmt.Errorf("index: retention list snapshots: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("index: retention scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(ids) <= keep {
		return 0, nil
	}
	toPrune := ids[keep:]

	err = idx.withWriteTx(func(tx *sql.Tx) error {
		for _, id := range toPrune {
			if err := pruneSnapshot(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(toPrune), nil
}

func pruneSnapshot(tx *sql.Tx, snapshotID string) error {
	stmts := []string{
		`DELETE FROM remote_index_parts WHERE snapshot_id = ?`,
		`DELETE FROM remote_indexes WHERE snapshot_id = ?`,
		`DELETE FROM file_chunks WHERE file_id IN (SELECT file_id FROM files WHERE snapshot_id = ?)`,
		`DELETE FROM files WHERE snapshot_id = ?`,
		`DELETE FROM snapshots WHERE snapshot_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, snapshotID); err != nil {
			return fmt.Errorf("index: prune snapshot %s: %w", snapshotID, err)
		}
	}
	return nil
}
