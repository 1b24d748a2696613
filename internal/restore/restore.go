// Package restore implements restore and verify: resolve the
// bootstrap catalog, fetch and assemble a target's manifest SQLite, then
// walk files in deterministic order reconstructing each from its chunks.
//
// Restore and Verify intentionally do not enforce that the destination
// directory is empty — that gate belongs to the CLI/gateway layer, not
// the core.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/catalog"
	"github.com/IvanLi-CN/televy-backup/internal/errs"
	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/packager"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
	"github.com/IvanLi-CN/televy-backup/internal/store"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

// Restorer resolves a target's latest snapshot and reconstructs files from
// it. One Restorer is built per endpoint; catalog resolution is always
// endpoint-scoped.
type Restorer struct {
	st           *store.Store
	cat          *catalog.Catalog
	providerName string
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
}

// New builds a Restorer against the given provider's endpoint.
func New(masterKey []byte, p provider.Provider, providerName string) (*Restorer, error) {
	cat, err := catalog.New(masterKey, p)
	if err != nil {
		return nil, fmt.Errorf("restore: build catalog: %w", err)
	}
	return &Restorer{st: store.New(masterKey, p), cat: cat, providerName: providerName}, nil
}

// WithTelemetry attaches a logger/metrics pair; both are optional and
// nil-safe, mirroring pipeline.Pipeline.WithTelemetry.
func (r *Restorer) WithTelemetry(logger *telemetry.Logger, metrics *telemetry.Metrics) *Restorer {
	r.logger = logger
	r.metrics = metrics
	return r
}

// ResolveTarget fetches the bootstrap catalog and returns the target
// matching targetID, or failing that, sourcePath. Either selector may be
// empty; at least one must match.
func (r *Restorer) ResolveTarget(ctx context.Context, targetID, sourcePath string) (catalog.Target, error) {
	doc, err := r.cat.Fetch(ctx)
	if err != nil {
		return catalog.Target{}, fmt.Errorf("restore: fetch catalog: %w", err)
	}
	for _, t := range doc.Targets {
		if targetID != "" && t.TargetID == targetID {
			return t, nil
		}
	}
	for _, t := range doc.Targets {
		if sourcePath != "" && t.SourcePath == sourcePath {
			return t, nil
		}
	}
	return catalog.Target{}, errs.New(errs.SourceNotFound, fmt.Sprintf("no catalog target matches id=%q path=%q", targetID, sourcePath))
}

// openManifestIndex unpacks the target's latest manifest into a private
// temp copy of the snapshot database and opens it for the caller. The caller must call the returned close func when done.
func (r *Restorer) openManifestIndex(ctx context.Context, target catalog.Target) (*index.Index, func(), error) {
	if target.Latest.ManifestObjectID == "" {
		return nil, nil, errs.New(errs.SourceNotFound, "target has no recorded snapshot")
	}
	pkg := packager.New(r.st, nil, r.providerName)
	dbBytes, err := pkg.Unpack(ctx, target.Latest.SnapshotID, target.Latest.ManifestObjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("restore: unpack manifest: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "televybackup-restore-*")
	if err != nil {
		return nil, nil, fmt.Errorf("restore: create temp dir: %w", err)
	}
	dbPath := filepath.Join(tmpDir, "index.sqlite")
	if err := os.WriteFile(dbPath, dbBytes, 0o600); err != nil {
		os.RemoveAll(tmpDir)
		return nil, nil, fmt.Errorf("restore: write temp index: %w", err)
	}

	idx, err := index.Open(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, nil, fmt.Errorf("restore: open temp index: %w", err)
	}
	closeFn := func() {
		idx.Close()
		os.RemoveAll(tmpDir)
	}
	return idx, closeFn, nil
}

// fetchChunk downloads and decrypts one chunk, binding it to its own
// content hash as associated data (the same convention the backup
// pipeline used when it uploaded the chunk, standalone or packed).
func (r *Restorer) fetchChunk(ctx context.Context, objectID, chunkHash string) ([]byte, error) {
	plain, err := r.st.GetBlob(ctx, objectID, []byte(chunkHash))
	if err != nil {
		return nil, fmt.Errorf("restore: fetch chunk %s: %w", chunkHash, err)
	}
	return plain, nil
}

// Restore reconstructs target's latest snapshot into destDir: directories
// are created, regular files are staged then atomically renamed into
// place; symlink entries are skipped and not recreated. Returns the
// restored snapshot id.
func (r *Restorer) Restore(ctx context.Context, idx *index.Index, target catalog.Target, destDir string) (string, error) {
	snapshotID := target.Latest.SnapshotID
	files, err := idx.ListFiles(snapshotID)
	if err != nil {
		return "", fmt.Errorf("restore: list files: %w", err)
	}

	for _, f := range files {
		dest := filepath.Join(destDir, f.Path)
		switch f.Kind {
		case index.KindDir:
			if err := os.MkdirAll(dest, os.FileMode(f.Mode)|0o700); err != nil {
				return "", fmt.Errorf("restore: mkdir %s: %w", f.Path, err)
			}
		case index.KindSymlink:
			// Symlink targets are not content-addressed; nothing to
			// reconstruct here beyond the directory entry itself.
			continue
		case index.KindFile:
			if err := r.restoreFile(ctx, idx, f, dest); err != nil {
				return "", err
			}
		}
	}
	return snapshotID, nil
}

func (r *Restorer) restoreFile(ctx context.Context, idx *index.Index, f index.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("restore: mkdir parent of %s: %w", f.Path, err)
	}

	chunks, err := idx.ListFileChunks(f.FileID)
	if err != nil {
		return fmt.Errorf("restore: list chunks for %s: %w", f.Path, err)
	}

	staging := dest + ".televybackup-staging"
	out, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(f.Mode)|0o600)
	if err != nil {
		return fmt.Errorf("restore: open staging file for %s: %w", f.Path, err)
	}

	for _, fc := range chunks {
		obj, found, err := idx.LookupChunkObject(r.providerName, fc.ChunkHash)
		if err != nil {
			out.Close()
			os.Remove(staging)
			return fmt.Errorf("restore: lookup chunk object for %s seq %d: %w", f.Path, fc.Seq, err)
		}
		if !found {
			out.Close()
			os.Remove(staging)
			return errs.New(errs.RestoreMissingChunk, fmt.Sprintf("%s seq %d (hash %s) has no remote object", f.Path, fc.Seq, fc.ChunkHash))
		}

		plain, err := r.fetchChunk(ctx, obj.ObjectID, fc.ChunkHash)
		if err != nil {
			out.Close()
			os.Remove(staging)
			return err
		}
		if _, err := out.Write(plain); err != nil {
			out.Close()
			os.Remove(staging)
			return fmt.Errorf("restore: write staging file for %s: %w", f.Path, err)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(staging)
		return fmt.Errorf("restore: close staging file for %s: %w", f.Path, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		os.Remove(staging)
		return fmt.Errorf("restore: rename into place %s: %w", f.Path, err)
	}
	return nil
}

// RunRestore is the convenience entry point combining ResolveTarget,
// manifest assembly, and Restore in one call.
func (r *Restorer) RunRestore(ctx context.Context, targetID, sourcePath, destDir string) (string, error) {
	start := time.Now()
	target, err := r.ResolveTarget(ctx, targetID, sourcePath)
	if err != nil {
		return "", err
	}
	idx, closeFn, err := r.openManifestIndex(ctx, target)
	if err != nil {
		return "", err
	}
	defer closeFn()

	snapshotID, err := r.Restore(ctx, idx, target, destDir)
	if err != nil {
		return "", err
	}
	if r.logger != nil {
		files, listErr := idx.ListFiles(snapshotID)
		if listErr == nil {
			r.logger.RestoreCompleted(snapshotID, destDir, int64(len(files)), time.Since(start))
		}
	}
	return snapshotID, nil
}
