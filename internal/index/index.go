// Package index implements the manifest index: the SQLite-resident cache
// of everything this endpoint has ever backed up. It is the authoritative
// local record of what exists remotely; the bootstrap catalog
// (internal/catalog) is the cross-device source of truth for "latest
// snapshot per target."
package index

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/IvanLi-CN/televy-backup/internal/errs"
)

// Index owns the SQLite connection for one endpoint's manifest database.
// Writes are serialized through mu (single writer per database);
// database/sql's own connection pool handles concurrent readers.
type Index struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

const schemaVersion = 1

// Open creates (if absent) and migrates the manifest database at path.
func Open(path string) (*Index, error) {
	// foreign_keys(1) makes SQLite enforce the schema's REFERENCES clauses.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errs.Wrap(errs.IndexSchemaMigrationFailed, "open index database", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	idx := &Index{db: db, path: path}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// migrate runs the forward-only migration sequence recorded in
// schema_migrations(version, applied_at).
func (idx *Index) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	source_path TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	base_snapshot_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON snapshots(created_at);

CREATE TABLE IF NOT EXISTS files (
	file_id TEXT PRIMARY KEY,
	snapshot_id TEXT NOT NULL REFERENCES snapshots(snapshot_id),
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime_ms INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	kind TEXT NOT NULL,
	UNIQUE(snapshot_id, path)
);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_hash TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	hash_alg TEXT NOT NULL,
	enc_alg TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS file_chunks (
	file_id TEXT NOT NULL REFERENCES files(file_id),
	seq INTEGER NOT NULL,
	chunk_hash TEXT NOT NULL REFERENCES chunks(chunk_hash),
	offset INTEGER NOT NULL,
	len INTEGER NOT NULL,
	PRIMARY KEY (file_id, seq)
);

CREATE TABLE IF NOT EXISTS chunk_objects (
	provider TEXT NOT NULL,
	object_id TEXT NOT NULL,
	chunk_hash TEXT NOT NULL REFERENCES chunks(chunk_hash),
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (provider, object_id),
	UNIQUE (provider, chunk_hash)
);

CREATE TABLE IF NOT EXISTS remote_indexes (
	snapshot_id TEXT NOT NULL REFERENCES snapshots(snapshot_id),
	provider TEXT NOT NULL,
	manifest_object_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (snapshot_id, provider)
);

CREATE TABLE IF NOT EXISTS remote_index_parts (
	snapshot_id TEXT NOT NULL REFERENCES snapshots(snapshot_id),
	part_no INTEGER NOT NULL,
	provider TEXT NOT NULL,
	object_id TEXT NOT NULL,
	size INTEGER NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, part_no)
);
`
	if _, err := idx.db.Exec(ddl); err != nil {
		return errs.Wrap(errs.IndexSchemaMigrationFailed, "apply schema", err)
	}

	var version int
	err := idx.db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := idx.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", schemaVersion); err != nil {
			return errs.Wrap(errs.IndexSchemaMigrationFailed, "record schema version", err)
		}
	case err != nil:
		return errs.Wrap(errs.IndexSchemaMigrationFailed, "query schema version", err)
	}
	return nil
}

// Ping reports whether the database connection is healthy, used by the
// telemetry health surface.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.db.PingContext(ctx)
}

// Sync fsyncs the database (WAL checkpoint in TRUNCATE mode) so the file
// on disk reflects all committed writes before index packaging begins.
func (idx *Index) Sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, err := idx.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("index: checkpoint: %w", err)
	}
	return nil
}

// Compact runs VACUUM so the on-disk size reflects reality after
// retention prunes rows.
func (idx *Index) Compact() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, err := idx.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("index: vacuum: %w", err)
	}
	return nil
}

// Path returns the on-disk file path backing this Index.
func (idx *Index) Path() string { return idx.path }

// Close releases the underlying SQLite connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// withWriteTx runs fn inside a single transaction under the writer mutex,
// committing on success and rolling back on any error, so a crash can
// never leave a multi-row write half-applied.
func (idx *Index) withWriteTx(fn func(tx *sql.Tx) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit tx: %w", err)
	}
	return nil
}
