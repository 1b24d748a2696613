// Package store implements the content-addressed object store the rest of
// the backup core talks to: PutBlob/GetBlob with AEAD framing applied
// internally, composing internal/crypto, internal/provider,
// and internal/pack, plus the object-id encoding that lets a blob live
// standalone or as a byte span inside an already-uploaded pack.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/IvanLi-CN/televy-backup/internal/crypto"
	"github.com/IvanLi-CN/televy-backup/internal/objectid"
	"github.com/IvanLi-CN/televy-backup/internal/pack"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
)

// Store is the provider-abstracted, AEAD-framed object store.
type Store struct {
	key      []byte
	provider provider.Provider

	mu        sync.Mutex
	packCache map[string][]byte // bounded LRU-ish cache of downloaded pack bytes
	packOrder []string
}

// MaxCachedPacks bounds how many whole pack objects are kept in memory at
// once when serving GetBlob calls for multiple chunks of the same pack —
// enough to amortize a restore reading many chunks out of one pack
// without unbounded growth.
const MaxCachedPacks = 8

// New builds a Store that frames blobs under key and persists them
// through p.
func New(key []byte, p provider.Provider) *Store {
	return &Store{key: key, provider: p, packCache: make(map[string][]byte)}
}

// PutBlob encrypts plaintext under the configured master key with
// associated data ad, uploads the framed blob, and returns its standalone
// object id.
func (s *Store) PutBlob(ctx context.Context, plaintext, ad []byte) (string, error) {
	framed, err := crypto.Frame(s.key, ad, plaintext)
	if err != nil {
		return "", fmt.Errorf("store: frame blob: %w", err)
	}
	objID, err := s.provider.Upload(ctx, framed)
	if err != nil {
		return "", fmt.Errorf("store: upload blob: %w", err)
	}
	return objID, nil
}

// GetBlob fetches and decrypts the blob addressed by objectID, verifying
// ad. objectID may be a standalone reference or a tgpack: slice; either
// way the caller never needs to know which.
func (s *Store) GetBlob(ctx context.Context, objectID string, ad []byte) ([]byte, error) {
	id, err := objectid.Parse(objectID)
	if err != nil {
		return nil, wrapParseErr(err)
	}

	var framed []byte
	switch id.Kind {
	case objectid.KindStandalone:
		framed, err = s.provider.Download(ctx, objectID)
		if err != nil {
			return nil, fmt.Errorf("store: download standalone blob: %w", err)
		}
	case objectid.KindPackSlice:
		packBytes, err := s.downloadPackCached(ctx, id.PackSlice.FileID)
		if err != nil {
			return nil, fmt.Errorf("store: download pack %s: %w", id.PackSlice.FileID, err)
		}
		start := id.PackSlice.Offset
		end := start + id.PackSlice.Length
		if start < 0 || end > int64(len(packBytes)) {
			return nil, fmt.Errorf("store: pack slice %s out of bounds (pack size %d)", objectID, len(packBytes))
		}
		framed = packBytes[start:end]
	}

	plain, err := crypto.Unframe(s.key, ad, framed)
	if err != nil {
		return nil, fmt.Errorf("store: unframe blob %s: %w", objectID, err)
	}
	return plain, nil
}

// UploadPackObject uploads an already-framed pack (header + entries, as
// produced by pack.Writer.Close) as a single provider object and returns
// its standalone object id — the "<file_id>" referenced by every
// tgpack: slice addressing one of its entries.
func (s *Store) UploadPackObject(ctx context.Context, packedBytes []byte) (string, error) {
	objID, err := s.provider.Upload(ctx, packedBytes)
	if err != nil {
		return "", fmt.Errorf("store: upload pack: %w", err)
	}
	return objID, nil
}

// EncodePackEntryID builds the tgpack: object id for one entry of an
// already-uploaded pack object.
func EncodePackEntryID(packObjectID string, e pack.Entry) string {
	return objectid.EncodePackSlice(objectid.PackSlice{FileID: packObjectID, Offset: e.Offset, Length: e.Len})
}

func (s *Store) downloadPackCached(ctx context.Context, packObjectID string) ([]byte, error) {
	s.mu.Lock()
	if b, ok := s.packCache[packObjectID]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	b, err := s.provider.Download(ctx, packObjectID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packCache[packObjectID]; !ok {
		if len(s.packOrder) >= MaxCachedPacks {
			oldest := s.packOrder[0]
			s.packOrder = s.packOrder[1:]
			delete(s.packCache, oldest)
		}
		s.packCache[packObjectID] = b
		s.packOrder = append(s.packOrder, packObjectID)
	}
	return b, nil
}

func wrapParseErr(err error) error {
	return fmt.Errorf("store: parse object id: %w", err)
}
