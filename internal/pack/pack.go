// Package pack aggregates small encrypted chunks into bounded pack files
// so the object store issues one provider round trip per pack instead of
// one per chunk.
//
// A pack is a scoped resource: wire layout is
// len32 || framed(header) || framed(entry_1) || framed(entry_2) || ...
// where len32 is the framed header's byte length as a 4-byte big-endian
// integer, and each entry is a chunk blob framed exactly as it would be if
// uploaded standalone (same AD: the chunk's hex hash), so a pack slice
// object id addresses a byte span of an ordinary framed chunk blob — the
// reader never needs to know it came from a pack to Unframe it.
//
// A pack writer follows a flush-or-abort discipline: on any exit path
// the caller must be able to tell which entries were actually
// materialized.
package pack

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IvanLi-CN/televy-backup/internal/crypto"
)

// headerLenPrefixSize is the size of the big-endian length prefix placed
// before the framed header, so a downloaded pack's header can be located
// and decrypted without first decrypting every entry.
const headerLenPrefixSize = 4

// Limits bounds one pack's lifetime.
type Limits struct {
	MaxBytes          int64
	TargetBytes       int64
	TargetJitterBytes int64
	MaxEntries        int
}

// DefaultLimits returns PACK_MAX_BYTES=128MiB,
// PACK_TARGET_BYTES=64MiB±8MiB, PACK_MAX_ENTRIES_PER_PACK=32.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:          128 << 20,
		TargetBytes:       64 << 20,
		TargetJitterBytes: 8 << 20,
		MaxEntries:        32,
	}
}

// JitteredTarget derives this pack's target size deterministically from
// seed, so the same seed always produces the same target. The
// derivation is a splitmix64 step over seed, matching the same
// deterministic-PRNG idiom internal/chunker/gear.go uses for its cut-point
// table, rather than pulling in a general-purpose PRNG package.
func JitteredTarget(l Limits, seed uint64) int64 {
	z := seed + 0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)

	// Map the top bits to a fraction in [0, 1) with enough precision for
	// byte-level jitter without pulling in math/rand.
	frac := float64(z>>11) / float64(1<<53)
	jitter := int64((2*frac - 1) * float64(l.TargetJitterBytes))
	target := l.TargetBytes + jitter
	if target > l.MaxBytes {
		target = l.MaxBytes
	}
	if target < 1 {
		target = 1
	}
	return target
}

var (
	// ErrPackFull is returned by Add when the entry would overflow
	// MaxBytes or MaxEntries; the caller must Close the current pack and
	// open a new one.
	ErrPackFull = errors.New("pack: full, close and open a new pack")
	// ErrEntryTooLarge is returned by Add when a single framed entry
	// alone exceeds the pack's target size; such a chunk is uploaded
	// standalone.
	ErrEntryTooLarge = errors.New("pack: entry exceeds target size, upload standalone")
	// ErrAlreadyClosed is returned by Add or Close on a pack that was
	// already closed.
	ErrAlreadyClosed = errors.New("pack: already closed")
)

// headerEntry is the authenticated header's record for one chunk, offsets
// relative to the start of the body (immediately after the framed
// header).
type headerEntry struct {
	ChunkHash string `json:"chunk_hash"`
	Offset    int64  `json:"offset"`
	Len       int64  `json:"len"`
}

type header struct {
	Entries []headerEntry `json:"entries"`
}

// Entry describes one chunk's final placement within the uploaded pack
// object, in absolute byte offsets (header included) — this is what the
// object store uses to build a tgpack: object id.
type Entry struct {
	ChunkHash string
	Offset    int64
	Len       int64
}

// Writer accumulates framed chunk blobs into one pack. It is not safe for
// concurrent use; callers serialize Add calls for one open pack (the
// upload-phase worker holding it).
type Writer struct {
	key     []byte
	limits  Limits
	target  int64
	body    []byte
	entries []headerEntry
	closed  bool
}

// NewWriter opens a pack keyed under key (the master key — pack headers
// and entries are framed the same way as any other remote blob) with a
// size target jittered from seed.
func NewWriter(key []byte, limits Limits, seed uint64) *Writer {
	return &Writer{
		key:    key,
		limits: limits,
		target: JitteredTarget(limits, seed),
	}
}

// Len reports the pack's current body size in bytes (entries only, header
// excluded — the header's size isn't known until Close).
func (w *Writer) Len() int64 { return int64(len(w.body)) }

// EntryCount reports how many chunks are in the pack so far.
func (w *Writer) EntryCount() int { return len(w.entries) }

// ReachedTarget reports whether the pack has accumulated at least its
// jittered target size; callers use this to proactively close a pack
// instead of waiting for ErrPackFull at the hard MaxBytes cap.
func (w *Writer) ReachedTarget() bool {
	return int64(len(w.body)) >= w.target || len(w.entries) >= w.limits.MaxEntries
}

// WouldOverflow reports whether adding plaintext now, framed, would push
// the pack over MaxBytes or MaxEntries without actually adding it —
// lets the pack-or-standalone policy decide before paying for
// encryption.
func (w *Writer) WouldOverflow(plaintextLen int) bool {
	framedLen := int64(plaintextLen) + crypto.Overhead
	return len(w.entries) >= w.limits.MaxEntries || int64(len(w.body))+framedLen > w.limits.MaxBytes
}

// Add frames plaintext (under chunkHash's AD, identical to a standalone
// chunk blob) and appends it to the pack body. It returns ErrEntryTooLarge
// if the chunk alone exceeds the pack's target (the caller should upload
// it standalone instead) and ErrPackFull if adding it would overflow
// MaxBytes/MaxEntries (the caller should Close and open a new pack).
func (w *Writer) Add(chunkHash string, plaintext []byte) error {
	if w.closed {
		return ErrAlreadyClosed
	}
	if int64(len(plaintext))+crypto.Overhead > w.target {
		return ErrEntryTooLarge
	}
	if w.WouldOverflow(len(plaintext)) {
		return ErrPackFull
	}

	framed, err := crypto.Frame(w.key, []byte(chunkHash), plaintext)
	if err != nil {
		return fmt.Errorf("pack: frame entry: %w", err)
	}

	w.entries = append(w.entries, headerEntry{
		ChunkHash: chunkHash,
		Offset:    int64(len(w.body)),
		Len:       int64(len(framed)),
	})
	w.body = append(w.body, framed...)
	return nil
}

// Close finalizes the pack: builds and frames the authenticated header,
// prepends it to the body, and returns the complete bytes ready for
// Provider.Upload together with the absolute-offset Entry list for each
// chunk. Close is idempotent-safe to call at most once; calling it twice
// returns ErrAlreadyClosed and no partial state. On any error the caller
// still holds entries already Add-ed; it is the caller's responsibility
// to ensure Close is always reached (or the pack abandoned) via a
// deferred call, so no acknowledged-uploaded chunk is ever left without
// a chunk_objects row.
func (w *Writer) Close() ([]byte, []Entry, error) {
	if w.closed {
		return nil, nil, ErrAlreadyClosed
	}
	w.closed = true

	hdrJSON, err := json.Marshal(header{Entries: w.entries})
	if err != nil {
		return nil, nil, fmt.Errorf("pack: marshal header: %w", err)
	}
	framedHeader, err := crypto.Frame(w.key, []byte(crypto.ADPackHeader), hdrJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("pack: frame header: %w", err)
	}

	shift := int64(headerLenPrefixSize + len(framedHeader))
	out := make([]byte, headerLenPrefixSize, shift+int64(len(w.body)))
	binary.BigEndian.PutUint32(out, uint32(len(framedHeader)))
	out = append(out, framedHeader...)
	out = append(out, w.body...)

	entries := make([]Entry, len(w.entries))
	for i, e := range w.entries {
		entries[i] = Entry{ChunkHash: e.ChunkHash, Offset: e.Offset + shift, Len: e.Len}
	}
	return out, entries, nil
}

// Abandon discards the pack without producing output, for the
// cancellation path: entries Added so far were never uploaded, so no
// chunk_objects rows were ever written for them and nothing needs
// unwinding in the index.
func (w *Writer) Abandon() {
	w.closed = true
	w.body = nil
	w.entries = nil
}

// ParseHeader decrypts and parses the header of a complete, already
// downloaded pack object, used by diagnostics and pack rebuilding if a
// pack slice's recorded length is ever in doubt. The object store does
// not need this for normal GetBlob calls since a tgpack: object id
// already carries the exact span of the entry itself.
func ParseHeader(key, packBytes []byte) ([]Entry, error) {
	if len(packBytes) < headerLenPrefixSize {
		return nil, fmt.Errorf("pack: object shorter than header length prefix")
	}
	headerLen := int(binary.BigEndian.Uint32(packBytes))
	start := headerLenPrefixSize
	end := start + headerLen
	if end > len(packBytes) {
		return nil, fmt.Errorf("pack: header length %d exceeds object size", headerLen)
	}

	plain, err := crypto.Unframe(key, []byte(crypto.ADPackHeader), packBytes[start:end])
	if err != nil {
		return nil, fmt.Errorf("pack: unframe header: %w", err)
	}
	var h header
	if err := json.Unmarshal(plain, &h); err != nil {
		return nil, fmt.Errorf("pack: parse header: %w", err)
	}
	shift := int64(end)
	out := make([]Entry, len(h.Entries))
	for i, e := range h.Entries {
		out[i] = Entry{ChunkHash: e.ChunkHash, Offset: e.Offset + shift, Len: e.Len}
	}
	return out, nil
}
