package index

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReplaceDatabaseFile atomically overwrites the manifest database at path
// with data (a decrypted, decompressed, reassembled SQLite file fetched
// by the remote preflight sync). It writes to a sibling temp file and
// renames over path so a crash mid-write can never leave a half-written
// database in place.
//
// The caller must not hold an open *Index for path while calling this;
// an open handle should use Index.ReplaceWith instead.
func ReplaceDatabaseFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("index: create index dir: %w", err)
	}
	tmp := path + ".tmp-sync"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("index: write temp database: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("index: rename temp database: %w", err)
	}
	return nil
}

// ReplaceWith swaps this open Index's database for data: the connection
// is closed, the file atomically replaced, and a fresh connection opened
// and migrated in place. On any failure the Index is left closed and the
// error tells the caller which step went wrong; the on-disk file is
// either the old or the new database, never a torn mix.
func (idx *Index) ReplaceWith(data []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.db.Close(); err != nil {
		return fmt.Errorf("index: close before replace: %w", err)
	}
	if err := ReplaceDatabaseFile(idx.path, data); err != nil {
		return err
	}
	reopened, err := Open(idx.path)
	if err != nil {
		return fmt.Errorf("index: reopen after replace: %w", err)
	}
	idx.db = reopened.db
	return nil
}
