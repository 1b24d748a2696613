package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/pack"
	"github.com/IvanLi-CN/televy-backup/internal/store"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

// packManager owns the single currently-open pack for one upload phase
// and serializes Add calls across upload workers (pack.Writer is not
// itself concurrency-safe), implementing the pack-or-standalone policy:
// a chunk whose framed size exceeds the pack's target is
// uploaded standalone; a chunk that would overflow the open pack closes
// it and opens a new one.
type packManager struct {
	key      []byte
	limits   pack.Limits
	st       *store.Store
	idx      *index.Index
	provider string
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	writer  *pack.Writer
	seed    uint64
	pending map[string]int64 // chunk_hash -> plaintext size, for the currently open pack
}

func newPackManager(key []byte, limits pack.Limits, st *store.Store, idx *index.Index, provider string, metrics *telemetry.Metrics) *packManager {
	return &packManager{key: key, limits: limits, st: st, idx: idx, provider: provider, metrics: metrics}
}

func (m *packManager) recordProviderRequest(result string) {
	if m.metrics != nil {
		m.metrics.RecordProviderRequest("upload", result)
	}
}

// AddChunk records one newly-uploaded chunk's plaintext into the current
// pack, or standalone if it doesn't fit one, then writes the
// chunks/chunk_objects rows — only after the provider has acknowledged
// the upload.
func (m *packManager) AddChunk(ctx context.Context, chunkHash string, plaintext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer == nil {
		m.seed++
		m.writer = pack.NewWriter(m.key, m.limits, m.seed)
		m.pending = make(map[string]int64)
	}

	err := m.writer.Add(chunkHash, plaintext)
	switch err {
	case nil:
		m.pending[chunkHash] = int64(len(plaintext))
		if m.writer.ReachedTarget() {
			if err := m.flushLocked(ctx); err != nil {
				return err
			}
		}
		return nil

	case pack.ErrEntryTooLarge:
		return m.uploadStandaloneLocked(ctx, chunkHash, plaintext)

	case pack.ErrPackFull:
		if err := m.flushLocked(ctx); err != nil {
			return err
		}
		m.seed++
		m.writer = pack.NewWriter(m.key, m.limits, m.seed)
		m.pending = make(map[string]int64)
		if addErr := m.writer.Add(chunkHash, plaintext); addErr != nil {
			if addErr == pack.ErrEntryTooLarge {
				return m.uploadStandaloneLocked(ctx, chunkHash, plaintext)
			}
			return fmt.Errorf("pipeline: add chunk to fresh pack: %w", addErr)
		}
		m.pending[chunkHash] = int64(len(plaintext))
		return nil

	default:
		return fmt.Errorf("pipeline: add chunk to pack: %w", err)
	}
}

func (m *packManager) uploadStandaloneLocked(ctx context.Context, chunkHash string, plaintext []byte) error {
	objID, err := m.st.PutBlob(ctx, plaintext, []byte(chunkHash))
	if err != nil {
		m.recordProviderRequest("error")
		return fmt.Errorf("pipeline: upload standalone chunk: %w", err)
	}
	m.recordProviderRequest("ok")
	return m.recordChunk(chunkHash, int64(len(plaintext)), objID)
}

// Flush closes the currently open pack, if any, uploading it and
// recording every entry's chunk_objects row. Callers must call Flush at
// the end of the upload phase so no accumulated chunk is left unaccounted
// for; error and cancellation paths call Abandon instead.
func (m *packManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

func (m *packManager) flushLocked(ctx context.Context) error {
	if m.writer == nil || m.writer.EntryCount() == 0 {
		if m.writer != nil {
			m.writer.Abandon()
			m.writer = nil
			m.pending = nil
		}
		return nil
	}

	packedBytes, entries, err := m.writer.Close()
	m.writer = nil
	if err != nil {
		return fmt.Errorf("pipeline: close pack: %w", err)
	}

	packObjID, err := m.st.UploadPackObject(ctx, packedBytes)
	if err != nil {
		m.recordProviderRequest("error")
		return fmt.Errorf("pipeline: upload pack: %w", err)
	}
	m.recordProviderRequest("ok")
	if m.metrics != nil {
		m.metrics.PackFlushesTotal.Inc()
		m.metrics.PackBytesTotal.Add(float64(len(packedBytes)))
	}

	for _, e := range entries {
		objID := store.EncodePackEntryID(packObjID, e)
		size := m.pending[e.ChunkHash]
		if err := m.recordChunk(e.ChunkHash, size, objID); err != nil {
			return err
		}
	}
	m.pending = nil
	return nil
}

func (m *packManager) recordChunk(chunkHash string, size int64, objectID string) error {
	now := time.Now()
	chunk := index.Chunk{ChunkHash: chunkHash, Size: size, HashAlg: "blake3", EncAlg: "xchacha20poly1305", CreatedAt: now}
	obj := index.ChunkObject{Provider: m.provider, ObjectID: objectID, ChunkHash: chunkHash, CreatedAt: now}
	if err := m.idx.RecordChunkUpload(chunk, obj); err != nil {
		return fmt.Errorf("pipeline: record chunk upload: %w", err)
	}
	return nil
}

// Abandon discards the currently open pack without uploading it — the
// cancellation path when in-flight uploads are aborted rather than
// allowed to finish.
// Entries already Add-ed to the abandoned pack were never uploaded, so
// nothing needs unwinding in the index.
func (m *packManager) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil {
		m.writer.Abandon()
		m.writer = nil
		m.pending = nil
	}
}
