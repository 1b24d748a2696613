// Package chunker implements content-defined chunking (CDC): splitting a
// byte stream into variable-length chunks at content-dependent positions so
// that a small edit to a file only changes the chunks touching the edit,
// not every chunk after it.
//
// The cut-point predicate is a Gear-hash rolling hash (gear.go). The
// predicate and its table are normative: implementations MUST agree on
// cuts given identical input and parameters, or dedup breaks across hosts.
package chunker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/IvanLi-CN/televy-backup/internal/crypto"
	"github.com/IvanLi-CN/televy-backup/internal/validation"
)

// MaxEffectiveChunkBytes is the engineered upload cap (128 MiB) minus the
// crypto framing overhead (41 bytes).
const MaxEffectiveChunkBytes = 128*1024*1024 - crypto.Overhead

// ChunkOptions bounds the size of emitted chunks.
type ChunkOptions struct {
	MinSize int64
	AvgSize int64
	MaxSize int64
}

// DefaultChunkOptions returns min=1 MiB, avg=4 MiB, max=10 MiB.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		MinSize: 1 << 20,
		AvgSize: 4 << 20,
		MaxSize: 10 << 20,
	}
}

// Validate enforces 1 MiB <= min <= avg <= max <= MaxEffectiveChunkBytes.
func (o ChunkOptions) Validate() error {
	const floor = 1 << 20
	if o.MinSize < floor {
		return fmt.Errorf("chunker: min size %d below 1 MiB floor", o.MinSize)
	}
	if o.MaxSize > MaxEffectiveChunkBytes {
		return fmt.Errorf("chunker: max size %d exceeds engineered cap %d", o.MaxSize, MaxEffectiveChunkBytes)
	}
	return validation.ValidateOrdered(o.MinSize, o.AvgSize, o.MaxSize)
}

// Chunk is one content-defined slice of a file.
type Chunk struct {
	Hash   string // hex BLAKE3-256 of Data (plaintext)
	Data   []byte
	Offset int64
	Length int
}

// Chunker streams Chunks out of an io.Reader without buffering the whole
// input in memory: at most one chunk's plaintext (bounded by MaxSize) is
// held at a time.
type Chunker struct {
	r      *bufio.Reader
	opts   ChunkOptions
	mask   uint64
	offset int64
	eof    bool
}

// NewChunker constructs a Chunker reading from r with the given options.
// Callers should call opts.Validate() first; NewChunker does not validate
// so tests can exercise edge-case parameters deliberately.
func NewChunker(r io.Reader, opts ChunkOptions) *Chunker {
	return &Chunker{
		r:    bufio.NewReaderSize(r, 64*1024),
		opts: opts,
		mask: maskForAverage(opts.AvgSize),
	}
}

// maskForAverage picks a bitmask so that, for uniformly random Gear-hash
// output, a cut fires on average every 2^bits bytes ~= avg. This is the
// standard "mask = 2^ceil(log2(avg)) - 1" CDC construction.
func maskForAverage(avg int64) uint64 {
	bits := uint(0)
	for (int64(1) << bits) < avg {
		bits++
	}
	if bits == 0 {
		return 0
	}
	return (uint64(1) << bits) - 1
}

// Next returns the next chunk, or io.EOF when the stream is exhausted.
// Cut points are decided solely by the rolling predicate and the clamp
// thresholds: once MinSize bytes have
// accumulated, a cut fires the first time the rolling Gear hash over the
// trailing window is zero under mask; a cut is forced at MaxSize
// regardless of the predicate.
func (c *Chunker) Next() (*Chunk, error) {
	if c.eof {
		return nil, io.EOF
	}

	buf := make([]byte, 0, c.opts.MaxSize)
	startOffset := c.offset
	var h uint64

	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				c.eof = true
				break
			}
			return nil, fmt.Errorf("chunker: read: %w", err)
		}
		buf = append(buf, b)
		c.offset++
		h = (h << 1) + gearTable[b]

		if int64(len(buf)) >= c.opts.MinSize && h&c.mask == 0 {
			break
		}
		if int64(len(buf)) >= c.opts.MaxSize {
			break
		}
	}

	if len(buf) == 0 {
		return nil, io.EOF
	}

	return &Chunk{
		Hash:   crypto.HashBytes(buf),
		Data:   buf,
		Offset: startOffset,
		Length: len(buf),
	}, nil
}

// StreamFile opens path and invokes yield once per chunk in order, without
// ever holding more than one chunk's bytes in memory. It stops and returns
// ctx.Err() if ctx is cancelled between chunks — the scanner relies on
// this to abort promptly.
func StreamFile(ctx context.Context, path string, opts ChunkOptions, yield func(*Chunk) error) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("chunker: open %s: %w", path, err)
	}
	defer f.Close()

	ck := NewChunker(f, opts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, err := ck.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunker: stream %s: %w", path, err)
		}
		if err := yield(chunk); err != nil {
			return err
		}
	}
}
