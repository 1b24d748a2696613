// Package telemetry provides the ambient logging, metrics, tracing, and
// health-check surface shared across the backup core. Every component
// logs through Logger rather than fmt.Println/log.Printf.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with domain-specific context builders and
// event methods.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger builds a Logger that stamps every line with service, version,
// and host, writing to output (os.Stdout if nil).
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", hostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithSnapshot adds snapshot_id context.
func (l *Logger) WithSnapshot(snapshotID string) *Logger {
	return &Logger{logger: l.logger.With().Str("snapshot_id", snapshotID).Logger()}
}

// WithEndpoint adds endpoint_id context.
func (l *Logger) WithEndpoint(endpointID string) *Logger {
	return &Logger{logger: l.logger.With().Str("endpoint_id", endpointID).Logger()}
}

// WithFile adds file path/size context.
func (l *Logger) WithFile(path string, size int64) *Logger {
	return &Logger{logger: l.logger.With().Str("file_path", path).Int64("file_size", size).Logger()}
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// BackupStarted logs the start of a backup run for a target.
func (l *Logger) BackupStarted(snapshotID, sourcePath, label string) {
	l.logger.Info().
		Str("snapshot_id", snapshotID).
		Str("source_path", sourcePath).
		Str("label", label).
		Msg("backup started")
}

// ScanProgress logs periodic scan-phase progress.
func (l *Logger) ScanProgress(snapshotID string, filesScanned, chunksEmitted int64) {
	l.logger.Debug().
		Str("snapshot_id", snapshotID).
		Int64("files_scanned", filesScanned).
		Int64("chunks_emitted", chunksEmitted).
		Msg("scan progress")
}

// ChunkUploaded logs a single chunk acknowledged by the provider.
func (l *Logger) ChunkUploaded(snapshotID, chunkHash string, size int, objectID string, deduped bool) {
	l.logger.Debug().
		Str("snapshot_id", snapshotID).
		Str("chunk_hash", chunkHash).
		Int("size", size).
		Str("object_id", objectID).
		Bool("deduped", deduped).
		Msg("chunk uploaded")
}

// PackFlushed logs a pack file being closed and uploaded.
func (l *Logger) PackFlushed(packObjectID string, entries int, bytes int64) {
	l.logger.Debug().
		Str("pack_object_id", packObjectID).
		Int("entries", entries).
		Int64("bytes", bytes).
		Msg("pack flushed")
}

// SnapshotSealed logs a snapshot's index/finalize phase completing.
func (l *Logger) SnapshotSealed(snapshotID string, fileCount, chunkCount int64, bytesUploaded, bytesDeduped int64) {
	l.logger.Info().
		Str("snapshot_id", snapshotID).
		Int64("file_count", fileCount).
		Int64("chunk_count", chunkCount).
		Int64("bytes_uploaded", bytesUploaded).
		Int64("bytes_deduped", bytesDeduped).
		Msg("snapshot sealed")
}

// RestoreCompleted logs a finished restore.
func (l *Logger) RestoreCompleted(snapshotID, targetDir string, fileCount int64, duration time.Duration) {
	l.logger.Info().
		Str("snapshot_id", snapshotID).
		Str("target_dir", targetDir).
		Int64("file_count", fileCount).
		Float64("duration_seconds", duration.Seconds()).
		Msg("restore completed")
}

// VerifyMismatch logs a per-file hash mismatch found during verify.
func (l *Logger) VerifyMismatch(snapshotID, path string, seq int64) {
	l.logger.Warn().
		Str("snapshot_id", snapshotID).
		Str("path", path).
		Int64("seq", seq).
		Msg("verify hash mismatch")
}

// CatalogPinRotated logs the bootstrap catalog's pinned root changing.
func (l *Logger) CatalogPinRotated(endpointID string, targetCount int) {
	l.logger.Info().
		Str("endpoint_id", endpointID).
		Int("target_count", targetCount).
		Msg("catalog pin rotated")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
