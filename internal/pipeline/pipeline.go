// Package pipeline implements the backup pipeline: the
// scan/upload/index/finalize phases that turn a source directory into an
// uploaded, catalog-registered snapshot.
//
// The scan and upload phases run concurrently (a scanning goroutine feeds
// a bounded channel that a fixed worker pool drains), but file and
// file_chunks rows are written only after every chunk discovered during
// the scan has been either deduped or acknowledged-uploaded. A
// file_chunks row's chunk_hash therefore always already exists in
// chunks, and a cancelled run stays trivially consistent: no file_chunks
// row is ever written for a file whose chunks didn't all make it.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/IvanLi-CN/televy-backup/internal/catalog"
	"github.com/IvanLi-CN/televy-backup/internal/chunker"
	"github.com/IvanLi-CN/televy-backup/internal/errs"
	"github.com/IvanLi-CN/televy-backup/internal/events"
	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/pack"
	"github.com/IvanLi-CN/televy-backup/internal/packager"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
	"github.com/IvanLi-CN/televy-backup/internal/store"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

// Options bounds one Pipeline's tuning knobs, populated from
// internal/config.
type Options struct {
	ProviderNamespace string // "telegram.mtproto/<endpoint_id>"
	TargetID          string
	ChunkOpts         chunker.ChunkOptions
	PackLimits        pack.Limits
	QueueDepth        int
	WorkerCount       int
	MaxConcurrent     int
	MinDelay          time.Duration
	Backoff           provider.BackoffPolicy
	KeepSnapshots     int
}

// Pipeline drives one endpoint's backup runs end to end.
type Pipeline struct {
	idx       *index.Index
	st        *store.Store
	pkg       *packager.Packager
	cat       *catalog.Catalog
	provider  provider.Provider
	masterKey []byte
	opts      Options
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	events    *events.Publisher
}

// New builds a Pipeline. masterKey is the caller-supplied master key;
// idx is this endpoint's already-open manifest index.
func New(masterKey []byte, p provider.Provider, idx *index.Index, opts Options) (*Pipeline, error) {
	st := store.New(masterKey, p)
	cat, err := catalog.New(masterKey, p)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build catalog: %w", err)
	}
	pkg := packager.New(st, idx, opts.ProviderNamespace)
	return &Pipeline{idx: idx, st: st, pkg: pkg, cat: cat, provider: p, masterKey: masterKey, opts: opts}, nil
}

// WithTelemetry attaches a logger/metrics pair; both are optional and the
// Pipeline methods no-op when either is nil (so unit tests can build a
// Pipeline without touching the process-wide Prometheus registry).
func (p *Pipeline) WithTelemetry(logger *telemetry.Logger, metrics *telemetry.Metrics) *Pipeline {
	p.logger = logger
	p.metrics = metrics
	return p
}

// WithEvents attaches the progress stream publisher consumers subscribe
// to. Optional; a nil publisher disables the stream.
func (p *Pipeline) WithEvents(pub *events.Publisher) *Pipeline {
	p.events = pub
	return p
}

// runStats accumulates one run's cumulative progress counters. Upload
// workers update the uploaded-bytes counter concurrently, so it is an
// atomic; the rest are touched only by the scanning goroutine.
type runStats struct {
	filesTotal    int64
	filesDone     int64
	chunksTotal   int64
	chunksDone    int64
	bytesRead     int64
	bytesUploaded atomic.Int64
	bytesDeduped  int64
}

func (s *runStats) progress() events.TaskProgress {
	return events.TaskProgress{
		FilesTotal:    s.filesTotal,
		FilesDone:     s.filesDone,
		ChunksTotal:   s.chunksTotal,
		ChunksDone:    s.chunksDone,
		BytesRead:     s.bytesRead,
		BytesUploaded: s.bytesUploaded.Load(),
		BytesDeduped:  s.bytesDeduped,
	}
}

func (p *Pipeline) logInfo(msg string) {
	if p.logger != nil {
		p.logger.Info(msg)
	}
}

// filePlan accumulates one scanned entry's File row and (for regular
// files) its ordered FileChunk refs, deferred until every referenced
// chunk is known to exist in the chunks table.
type filePlan struct {
	file   index.File
	chunks []index.FileChunk
}

// Run executes one full backup of sourcePath, returning the new
// snapshot's id. label is a free-form human tag.
func (p *Pipeline) Run(ctx context.Context, sourcePath, label string) (string, error) {
	start := time.Now()
	snapshotID := uuid.NewString()
	tr := otel.Tracer("televybackup-pipeline")
	ctx, runSpan := tr.Start(ctx, "backup.run")
	defer runSpan.End()
	if p.metrics != nil {
		p.metrics.SnapshotsActive.Inc()
		defer p.metrics.SnapshotsActive.Dec()
	}
	p.logInfo(fmt.Sprintf("backup started: snapshot=%s source=%s", snapshotID, sourcePath))
	if p.logger != nil {
		p.logger.BackupStarted(snapshotID, sourcePath, label)
	}
	p.events.PublishState(snapshotID, events.KindBackup, events.StateRunning, nil)

	preCtx, preSpan := tr.Start(ctx, "backup.preflight")
	err := p.preflightSync(preCtx)
	preSpan.End()
	if err != nil {
		err = fmt.Errorf("pipeline: preflight sync: %w", err)
		p.events.PublishState(snapshotID, events.KindBackup, events.StateFailed, err)
		return "", err
	}

	if err := p.idx.InsertSnapshot(index.Snapshot{
		SnapshotID: snapshotID,
		CreatedAt:  time.Now(),
		SourcePath: sourcePath,
		Label:      label,
	}); err != nil {
		return "", fmt.Errorf("pipeline: insert snapshot: %w", err)
	}

	scanCtx, scanSpan := tr.Start(ctx, "backup.scan_upload")
	plans, stats, uploadErr := p.scanAndUpload(scanCtx, snapshotID, sourcePath)
	scanSpan.End()
	if uploadErr != nil {
		if p.metrics != nil {
			p.metrics.RecordSnapshot(false, time.Since(start).Seconds())
		}
		uploadErr = fmt.Errorf("pipeline: scan/upload: %w", uploadErr)
		state := events.StateFailed
		if errors.Is(uploadErr, context.Canceled) {
			state = events.StateCancelled
		}
		p.events.PublishState(snapshotID, events.KindBackup, state, uploadErr)
		return snapshotID, uploadErr
	}

	p.events.PublishProgress(snapshotID, events.PhaseIndex, stats.progress())
	_, indexSpan := tr.Start(ctx, "backup.index")
	for _, fp := range plans {
		if len(fp.chunks) == 0 {
			if err := p.idx.InsertFile(fp.file); err != nil {
				indexSpan.End()
				err = fmt.Errorf("pipeline: insert file %s: %w", fp.file.Path, err)
				p.events.PublishState(snapshotID, events.KindBackup, events.StateFailed, err)
				return snapshotID, err
			}
			continue
		}
		if err := p.idx.InsertFileWithChunks(fp.file, fp.chunks); err != nil {
			indexSpan.End()
			err = fmt.Errorf("pipeline: insert file with chunks %s: %w", fp.file.Path, err)
			p.events.PublishState(snapshotID, events.KindBackup, events.StateFailed, err)
			return snapshotID, err
		}
	}

	if err := p.idx.Sync(); err != nil {
		indexSpan.End()
		return snapshotID, fmt.Errorf("pipeline: sync index: %w", err)
	}
	indexSpan.End()

	p.events.PublishProgress(snapshotID, events.PhaseFinalize, stats.progress())
	finCtx, finSpan := tr.Start(ctx, "backup.finalize")
	err = p.finalize(finCtx, snapshotID, sourcePath, label)
	finSpan.End()
	if err != nil {
		err = fmt.Errorf("pipeline: finalize: %w", err)
		p.events.PublishState(snapshotID, events.KindBackup, events.StateFailed, err)
		return snapshotID, err
	}

	if p.metrics != nil {
		p.metrics.RecordSnapshot(true, time.Since(start).Seconds())
	}
	if p.logger != nil {
		p.logger.SnapshotSealed(snapshotID, stats.filesDone, stats.chunksDone, stats.bytesUploaded.Load(), stats.bytesDeduped)
	}
	p.events.PublishState(snapshotID, events.KindBackup, events.StateSucceeded, nil)
	return snapshotID, nil
}

// scanAndUpload walks sourcePath and drives the upload pool concurrently,
// returning the per-file plans once every discovered chunk has either
// deduped against the local index or been uploaded and recorded.
func (p *Pipeline) scanAndUpload(ctx context.Context, snapshotID, sourcePath string) ([]filePlan, *runStats, error) {
	rl := provider.NewRateLimiter(p.opts.MaxConcurrent, p.opts.MinDelay)
	pm := newPackManager(p.masterKey, p.opts.PackLimits, p.st, p.idx, p.opts.ProviderNamespace, p.metrics)
	stats := &runStats{}
	pool := newUploadPool(p.opts.QueueDepth, p.opts.WorkerCount, rl, p.opts.Backoff, pm, stats, p.metrics)
	pool.Start(ctx)

	seenThisRun := make(map[string]struct{})
	var plans []filePlan

	walkErr := walkBreadthFirst(ctx, sourcePath, func(e scanEntry) error {
		stats.filesTotal++
		switch e.kind {
		case index.KindDir, index.KindSymlink:
			plans = append(plans, filePlan{file: index.File{
				FileID:     index.DeriveFileID(snapshotID, e.relPath),
				SnapshotID: snapshotID,
				Path:       e.relPath,
				Size:       e.size,
				MtimeMS:    e.mtimeMS,
				Mode:       e.mode,
				Kind:       e.kind,
			}})
			return nil
		}

		fp := filePlan{file: index.File{
			FileID:     index.DeriveFileID(snapshotID, e.relPath),
			SnapshotID: snapshotID,
			Path:       e.relPath,
			Size:       e.size,
			MtimeMS:    e.mtimeMS,
			Mode:       e.mode,
			Kind:       index.KindFile,
		}}

		var seq int64
		err := chunker.StreamFile(ctx, e.absPath, p.opts.ChunkOpts, func(c *chunker.Chunk) error {
			_, found, err := p.idx.LookupChunkObject(p.opts.ProviderNamespace, c.Hash)
			if err != nil {
				return fmt.Errorf("pipeline: dedup lookup: %w", err)
			}
			stats.chunksTotal++
			stats.bytesRead += int64(c.Length)
			if found {
				stats.chunksDone++
				stats.bytesDeduped += int64(c.Length)
				if p.metrics != nil {
					p.metrics.RecordChunk(int64(c.Length), true)
				}
			} else {
				if _, already := seenThisRun[c.Hash]; !already {
					seenThisRun[c.Hash] = struct{}{}
					if err := pool.Enqueue(ctx, uploadJob{chunkHash: c.Hash, data: c.Data}); err != nil {
						return err
					}
					if p.metrics != nil {
						p.metrics.RecordChunk(int64(c.Length), false)
					}
				}
			}
			fp.chunks = append(fp.chunks, index.FileChunk{FileID: fp.file.FileID, Seq: seq, ChunkHash: c.Hash, Offset: c.Offset, Len: int64(c.Length)})
			seq++
			return nil
		})
		if err != nil {
			return err
		}
		stats.filesDone++
		plans = append(plans, fp)
		p.events.PublishProgress(snapshotID, events.PhaseScan, stats.progress())
		return nil
	})

	pool.Close()
	poolErr := pool.Wait()

	if walkErr != nil {
		pm.Abandon()
		return nil, stats, walkErr
	}
	if poolErr != nil {
		pm.Abandon()
		return nil, stats, poolErr
	}
	if err := pm.Flush(ctx); err != nil {
		return nil, stats, err
	}
	stats.chunksDone = stats.chunksTotal
	p.events.PublishProgress(snapshotID, events.PhaseUpload, stats.progress())

	return plans, stats, nil
}

// preflightSync performs the remote-first index sync: if a pinned
// catalog exists and decrypts, download this target's latest
// remote index and atomically replace the local database before
// scanning. A missing pin means first-ever backup (skip silently); an
// undecryptable pin is a distinct, non-retryable abort that never
// overwrites either side.
func (p *Pipeline) preflightSync(ctx context.Context) error {
	doc, err := p.cat.Fetch(ctx)
	if err != nil {
		if code, ok := errs.CodeOf(err); ok && code == errs.BootstrapMissingPin {
			return nil
		}
		return err
	}

	var latest *catalog.Latest
	for _, t := range doc.Targets {
		if t.TargetID == p.opts.TargetID {
			l := t.Latest
			latest = &l
			break
		}
	}
	if latest == nil || latest.ManifestObjectID == "" {
		return nil
	}

	dbBytes, err := p.pkg.Unpack(ctx, latest.SnapshotID, latest.ManifestObjectID)
	if err != nil {
		return fmt.Errorf("pipeline: unpack remote index: %w", err)
	}
	if err := p.idx.Sync(); err != nil {
		return fmt.Errorf("pipeline: pre-replace sync: %w", err)
	}
	if err := p.idx.ReplaceWith(dbBytes); err != nil {
		return fmt.Errorf("pipeline: replace index: %w", err)
	}
	return nil
}

// finalize runs the index packager over the just-sealed snapshot,
// updates the bootstrap catalog's pointer for this target, and applies
// retention.
func (p *Pipeline) finalize(ctx context.Context, snapshotID, sourcePath, label string) error {
	dbBytes, err := p.readIndexFile()
	if err != nil {
		return fmt.Errorf("read index file: %w", err)
	}

	if _, err := p.pkg.Pack(ctx, snapshotID, dbBytes); err != nil {
		return fmt.Errorf("pack index: %w", err)
	}

	doc, err := p.cat.Fetch(ctx)
	if err != nil {
		if code, ok := errs.CodeOf(err); !ok || code != errs.BootstrapMissingPin {
			return fmt.Errorf("fetch catalog: %w", err)
		}
		doc = catalog.Document{Version: 1}
	}
	doc.UpdatedAt = time.Now()

	ri, err := p.idx.GetRemoteIndex(snapshotID, p.opts.ProviderNamespace)
	if err != nil {
		return fmt.Errorf("get remote index: %w", err)
	}
	doc = catalog.UpsertTarget(doc, p.opts.TargetID, sourcePath, label, catalog.Latest{
		SnapshotID:       snapshotID,
		ManifestObjectID: ri.ManifestObjectID,
	})

	if _, err := p.cat.Publish(ctx, doc); err != nil {
		var orphan *catalog.OrphanError
		if !errors.As(err, &orphan) {
			return fmt.Errorf("publish catalog: %w", err)
		}
		// Orphaned document: the previous pin is still valid and a
		// future run's finalize will overwrite it with a fresher
		// document anyway.
		if p.logger != nil {
			p.logger.Warn(fmt.Sprintf("catalog publish orphaned object %s, previous pin remains valid", orphan.ObjectID))
		}
	} else {
		if p.metrics != nil {
			p.metrics.CatalogRotationTotal.Inc()
		}
		if p.logger != nil {
			p.logger.CatalogPinRotated(p.opts.ProviderNamespace, len(doc.Targets))
		}
	}

	if p.opts.KeepSnapshots > 0 {
		if _, err := p.idx.Retention(sourcePath, p.opts.KeepSnapshots); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		if err := p.idx.Compact(); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) readIndexFile() ([]byte, error) {
	f, err := os.Open(p.idx.Path())
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
