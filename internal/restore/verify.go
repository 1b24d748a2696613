package restore

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/catalog"
	"github.com/IvanLi-CN/televy-backup/internal/crypto"
	"github.com/IvanLi-CN/televy-backup/internal/errs"
	"github.com/IvanLi-CN/televy-backup/internal/index"
)

// Sign and VerifySignature below defer the actual Ed25519 operations to
// internal/crypto.Sign/VerifySignature rather than calling crypto/ed25519
// directly a second time in this package.

// Policy controls what Verify does when a file_chunks row's chunk_objects
// entry points at a missing remote object.
type Policy int

const (
	// StopOnFirstMissing aborts the whole verify run at the first missing
	// remote object.
	StopOnFirstMissing Policy = iota
	// ContinueAndReport records the failure against its file and keeps
	// verifying the remaining files.
	ContinueAndReport
)

// FileResult is one file's verify outcome.
type FileResult struct {
	Path         string `json:"path"`
	OK           bool   `json:"ok"`
	MismatchSeq  *int64 `json:"mismatch_seq,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}

// Report is the full verify result for one snapshot, and the canonical
// body signed by Sign.
type Report struct {
	SnapshotID  string       `json:"snapshot_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	Files       []FileResult `json:"files"`
}

// SignedReport pairs a Report with its Ed25519 signature over the
// report's canonical JSON encoding.
type SignedReport struct {
	Report    Report `json:"report"`
	Signature []byte `json:"signature"`
	PublicKey []byte `json:"public_key"`
}

// canonicalJSON re-marshals r deterministically (Go's encoding/json
// already sorts map keys and struct fields are emitted in declaration
// order, so a plain Marshal is canonical here).
func canonicalJSON(r Report) ([]byte, error) {
	return json.Marshal(r)
}

// Sign signs report with priv: the signature covers the canonical JSON
// of the report body, not any wire framing around it.
func Sign(report Report, priv ed25519.PrivateKey) (*SignedReport, error) {
	canonical, err := canonicalJSON(report)
	if err != nil {
		return nil, fmt.Errorf("restore: marshal report for signing: %w", err)
	}
	sig := crypto.Sign(priv, canonical)
	return &SignedReport{
		Report:    report,
		Signature: sig,
		PublicKey: priv.Public().(ed25519.PublicKey),
	}, nil
}

// VerifySignature reports whether sr's signature is valid over its
// report body.
func VerifySignature(sr SignedReport) bool {
	canonical, err := canonicalJSON(sr.Report)
	if err != nil {
		return false
	}
	return crypto.VerifySignature(sr.PublicKey, canonical, sr.Signature)
}

// Verify re-derives every file's content from its chunks and compares the
// recomputed chunk hash against the indexed one. It
// shares manifest resolution with Restore but never writes any file.
func (r *Restorer) Verify(ctx context.Context, target catalog.Target, policy Policy) (*Report, error) {
	idx, closeFn, err := r.openManifestIndex(ctx, target)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	snapshotID := target.Latest.SnapshotID
	files, err := idx.ListFiles(snapshotID)
	if err != nil {
		return nil, fmt.Errorf("restore: list files: %w", err)
	}

	report := &Report{SnapshotID: snapshotID, GeneratedAt: time.Now()}
	for _, f := range files {
		if f.Kind != index.KindFile {
			continue
		}
		res, err := r.verifyFile(ctx, idx, f)
		if err != nil {
			if policy == StopOnFirstMissing {
				return nil, err
			}
			res = FileResult{Path: f.Path, OK: false, ErrorMessage: err.Error()}
		}
		report.Files = append(report.Files, res)
	}
	return report, nil
}

// RunVerify is the convenience entry point combining ResolveTarget and
// Verify in one call.
func (r *Restorer) RunVerify(ctx context.Context, targetID, sourcePath string, policy Policy) (*Report, error) {
	target, err := r.ResolveTarget(ctx, targetID, sourcePath)
	if err != nil {
		return nil, err
	}
	return r.Verify(ctx, target, policy)
}

func (r *Restorer) verifyFile(ctx context.Context, idx *index.Index, f index.File) (FileResult, error) {
	chunks, err := idx.ListFileChunks(f.FileID)
	if err != nil {
		return FileResult{}, fmt.Errorf("restore: list chunks for %s: %w", f.Path, err)
	}

	for _, fc := range chunks {
		obj, found, err := idx.LookupChunkObject(r.providerName, fc.ChunkHash)
		if err != nil {
			return FileResult{}, fmt.Errorf("restore: lookup chunk object for %s seq %d: %w", f.Path, fc.Seq, err)
		}
		if !found {
			return FileResult{}, errs.New(errs.RestoreMissingChunk, fmt.Sprintf("%s seq %d (hash %s) has no remote object", f.Path, fc.Seq, fc.ChunkHash))
		}

		plain, err := r.fetchChunk(ctx, obj.ObjectID, fc.ChunkHash)
		if err != nil {
			return FileResult{}, err
		}
		if got := crypto.HashBytes(plain); got != fc.ChunkHash {
			seq := fc.Seq
			if r.metrics != nil {
				r.metrics.VerifyMismatchesTotal.Inc()
			}
			if r.logger != nil {
				r.logger.VerifyMismatch(f.SnapshotID, f.Path, fc.Seq)
			}
			return FileResult{Path: f.Path, OK: false, MismatchSeq: &seq, ErrorMessage: errs.New(errs.VerifyHashMismatch, fmt.Sprintf("seq %d: got %s want %s", fc.Seq, got, fc.ChunkHash)).Error()}, nil
		}
	}
	return FileResult{Path: f.Path, OK: true}, nil
}
