// Package packager implements the index packager: it turns a
// snapshot database file into a sequence of uploaded, encrypted parts plus
// an uploaded manifest describing them, and reverses the process on
// restore.
package packager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/IvanLi-CN/televy-backup/internal/crypto"
	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/store"
)

// PartSize is the fixed size the compressed database is split into; each
// part is then framed and uploaded on its own.
const PartSize = 32 << 20

// ManifestVersion is the manifest JSON's version field.
const ManifestVersion = 1

// ManifestPart describes one uploaded part in the manifest JSON.
type ManifestPart struct {
	No            int    `json:"no"`
	Size          int64  `json:"size"`
	PlaintextHash string `json:"plaintext_hash"`
	ObjectID      string `json:"object_id"`
}

// Manifest is the JSON document uploaded alongside the parts, the last
// object written before the remote_indexes rows are recorded.
type Manifest struct {
	Version     int            `json:"version"`
	SnapshotID  string         `json:"snapshot_id"`
	HashAlg     string         `json:"hash_alg"`
	EncAlg      string         `json:"enc_alg"`
	Compression string         `json:"compression"`
	Parts       []ManifestPart `json:"parts"`
}

const (
	hashAlg     = "blake3"
	encAlg      = "xchacha20poly1305"
	compression = "zstd"
)

// Packager drives the compress/frame/split/upload pipeline over a
// *store.Store, and records the result in the manifest index.
type Packager struct {
	store    *store.Store
	idx      *index.Index
	provider string
}

// New builds a Packager that uploads through s and records remote_indexes
// rows in idx under the given provider namespace.
func New(s *store.Store, idx *index.Index, provider string) *Packager {
	return &Packager{store: s, idx: idx, provider: provider}
}

// snapshotAD returns the associated data binding a manifest or part blob
// to one snapshot, so a part from one snapshot can never be substituted
// into another's reassembly.
func snapshotAD(snapshotID, tag string) []byte {
	return []byte(fmt.Sprintf("televy.index.%s.%s", tag, snapshotID))
}

// Pack compresses dbBytes (a consistent snapshot of the SQLite file —
// the caller is responsible for taking the hot copy or WAL
// checkpoint), splits it into PartSize parts, uploads each part and the
// manifest, and records remote_indexes/remote_index_parts in the index.
// The rows are written only after every upload has been acknowledged.
func (p *Packager) Pack(ctx context.Context, snapshotID string, dbBytes []byte) (*Manifest, error) {
	compressed, err := compress(dbBytes)
	if err != nil {
		return nil, fmt.Errorf("packager: compress index: %w", err)
	}

	parts := splitInto(compressed, PartSize)
	manifestParts := make([]ManifestPart, 0, len(parts))
	indexParts := make([]index.RemoteIndexPart, 0, len(parts))

	for i, part := range parts {
		plaintextHash := crypto.HashBytes(part)
		objID, err := p.store.PutBlob(ctx, part, snapshotAD(snapshotID, fmt.Sprintf("part.%d", i)))
		if err != nil {
			return nil, fmt.Errorf("packager: upload part %d: %w", i, err)
		}
		manifestParts = append(manifestParts, ManifestPart{
			No:            i,
			Size:          int64(len(part)),
			PlaintextHash: plaintextHash,
			ObjectID:      objID,
		})
		indexParts = append(indexParts, index.RemoteIndexPart{
			SnapshotID: snapshotID,
			PartNo:     i,
			Provider:   p.provider,
			ObjectID:   objID,
			Size:       int64(len(part)),
			Hash:       plaintextHash,
		})
	}

	manifest := &Manifest{
		Version:     ManifestVersion,
		SnapshotID:  snapshotID,
		HashAlg:     hashAlg,
		EncAlg:      encAlg,
		Compression: compression,
		Parts:       manifestParts,
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("packager: marshal manifest: %w", err)
	}
	manifestObjID, err := p.store.PutBlob(ctx, manifestJSON, snapshotAD(snapshotID, "manifest"))
	if err != nil {
		return nil, fmt.Errorf("packager: upload manifest: %w", err)
	}

	if p.idx != nil {
		ri := index.RemoteIndex{SnapshotID: snapshotID, Provider: p.provider, ManifestObjectID: manifestObjID}
		if err := p.idx.RecordRemoteIndex(ri, indexParts); err != nil {
			return nil, fmt.Errorf("packager: record remote index: %w", err)
		}
	}

	return manifest, nil
}

// Unpack fetches manifestObjectID, then every part it names, verifies
// each part's plaintext hash, concatenates, and decompresses back to the
// original SQLite file bytes.
func (p *Packager) Unpack(ctx context.Context, snapshotID, manifestObjectID string) ([]byte, error) {
	manifestJSON, err := p.store.GetBlob(ctx, manifestObjectID, snapshotAD(snapshotID, "manifest"))
	if err != nil {
		return nil, fmt.Errorf("packager: fetch manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, fmt.Errorf("packager: parse manifest: %w", err)
	}
	if manifest.SnapshotID != snapshotID {
		return nil, fmt.Errorf("packager: manifest snapshot id %q does not match requested %q", manifest.SnapshotID, snapshotID)
	}

	var compressed bytes.Buffer
	for _, part := range manifest.Parts {
		plain, err := p.store.GetBlob(ctx, part.ObjectID, snapshotAD(snapshotID, fmt.Sprintf("part.%d", part.No)))
		if err != nil {
			return nil, fmt.Errorf("packager: fetch part %d: %w", part.No, err)
		}
		if got := crypto.HashBytes(plain); got != part.PlaintextHash {
			return nil, fmt.Errorf("packager: part %d hash mismatch: got %s want %s", part.No, got, part.PlaintextHash)
		}
		compressed.Write(plain)
	}

	dbBytes, err := decompress(compressed.Bytes())
	if err != nil {
		return nil, fmt.Errorf("packager: decompress index: %w", err)
	}
	return dbBytes, nil
}

func compress(in []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("packager: init zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(in, nil), nil
}

func decompress(in []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("packager: init zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(in, nil)
}

func splitInto(b []byte, size int) [][]byte {
	if len(b) == 0 {
		return [][]byte{{}}
	}
	var parts [][]byte
	for off := 0; off < len(b); off += size {
		end := off + size
		if end > len(b) {
			end = len(b)
		}
		parts = append(parts, b[off:end])
	}
	return parts
}
