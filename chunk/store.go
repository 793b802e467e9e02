// Package chunk splits payloads into fixed-size chunks, reassembles them,
// and tracks per-chunk presence through bitmaps.
package chunk

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/rawscript/red-giant/wire"
)

var (
	// ErrIncomplete indicates reassembly was attempted with missing chunks.
	ErrIncomplete = errors.New("chunk: transfer incomplete")
	// ErrContentHashMismatch indicates the reassembled payload does not match
	// the manifest's content hash. The reassembled bytes are discarded.
	ErrContentHashMismatch = errors.New("chunk: content hash mismatch")
	// ErrChunkSizeMismatch indicates a chunk payload with the wrong length
	// for its index.
	ErrChunkSizeMismatch = errors.New("chunk: chunk size mismatch")
)

// HashFunc constructs the content hash. The default is SHA-256; the
// algorithm is pluggable and not encoded on the wire.
type HashFunc func() hash.Hash

// ContentHash digests a payload into the manifest's 32-byte content hash.
// Hashes shorter than 32 bytes are zero-padded, longer ones truncated.
func ContentHash(payload []byte, h HashFunc) [32]byte {
	if h == nil {
		h = sha256.New
	}
	hasher := h()
	hasher.Write(payload)

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// Split cuts a payload into chunkSize-byte chunks. Every chunk is exactly
// chunkSize bytes except the last, which holds the remainder. The chunks
// alias the payload.
func Split(payload []byte, chunkSize uint32) ([][]byte, error) {
	if chunkSize == 0 {
		return nil, errors.New("chunk: chunk size must be > 0")
	}

	count := wire.ChunkCount(uint64(len(payload)), chunkSize)
	chunks := make([][]byte, 0, count)
	for off := 0; off < len(payload); off += int(chunkSize) {
		end := off + int(chunkSize)
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks, nil
}

// Store holds the byte payload of one transfer alongside its bitmap. An
// exposer creates a complete store over an existing payload; a puller
// creates an empty one and fills it chunk by chunk.
type Store struct {
	chunkSize uint32
	totalSize uint64
	data      []byte
	bitmap    *Bitmap
}

// NewComplete wraps an existing payload as a fully-present store.
func NewComplete(payload []byte, chunkSize uint32) (*Store, error) {
	if chunkSize == 0 {
		return nil, errors.New("chunk: chunk size must be > 0")
	}

	count := wire.ChunkCount(uint64(len(payload)), chunkSize)
	bitmap := NewBitmap(count)
	for i := uint32(0); i < count; i++ {
		bitmap.Set(i)
	}
	return &Store{
		chunkSize: chunkSize,
		totalSize: uint64(len(payload)),
		data:      payload,
		bitmap:    bitmap,
	}, nil
}

// NewEmpty allocates an empty store for an incoming transfer.
func NewEmpty(totalSize uint64, chunkSize uint32) (*Store, error) {
	if chunkSize == 0 {
		return nil, errors.New("chunk: chunk size must be > 0")
	}
	return &Store{
		chunkSize: chunkSize,
		totalSize: totalSize,
		data:      make([]byte, totalSize),
		bitmap:    NewBitmap(wire.ChunkCount(totalSize, chunkSize)),
	}, nil
}

// NewResumed rebuilds a partially-filled store from a persisted payload
// buffer and bitmap snapshot. Bytes belonging to unset chunks are ignored.
func NewResumed(totalSize uint64, chunkSize uint32, partial []byte, snapshot []byte) (*Store, error) {
	store, err := NewEmpty(totalSize, chunkSize)
	if err != nil {
		return nil, err
	}

	bitmap, err := BitmapFromBytes(store.bitmap.Count(), snapshot)
	if err != nil {
		return nil, err
	}
	if uint64(len(partial)) < totalSize {
		return nil, fmt.Errorf("chunk: partial payload %d bytes, need %d", len(partial), totalSize)
	}

	copy(store.data, partial[:totalSize])
	store.bitmap = bitmap
	return store, nil
}

// ChunkSize returns the configured chunk size.
func (s *Store) ChunkSize() uint32 { return s.chunkSize }

// TotalSize returns the payload size in bytes.
func (s *Store) TotalSize() uint64 { return s.totalSize }

// Bitmap returns the store's presence bitmap. The caller that owns the
// store owns the bitmap too.
func (s *Store) Bitmap() *Bitmap { return s.bitmap }

// ChunkLen returns the expected byte length of chunk i.
func (s *Store) ChunkLen(i uint32) (uint32, error) {
	if i >= s.bitmap.Count() {
		return 0, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, s.bitmap.Count())
	}
	start := uint64(i) * uint64(s.chunkSize)
	end := start + uint64(s.chunkSize)
	if end > s.totalSize {
		end = s.totalSize
	}
	return uint32(end - start), nil
}

// Chunk returns the bytes of chunk i. The slice aliases the store's buffer.
func (s *Store) Chunk(i uint32) ([]byte, error) {
	n, err := s.ChunkLen(i)
	if err != nil {
		return nil, err
	}
	start := uint64(i) * uint64(s.chunkSize)
	return s.data[start : start+uint64(n)], nil
}

// Put stores the bytes of chunk i and sets its bit. Returns true when the
// chunk was newly stored; duplicates are ignored and return false.
func (s *Store) Put(i uint32, data []byte) (bool, error) {
	want, err := s.ChunkLen(i)
	if err != nil {
		return false, err
	}
	if uint32(len(data)) != want {
		return false, fmt.Errorf("%w: chunk %d got %d bytes, want %d", ErrChunkSizeMismatch, i, len(data), want)
	}
	if s.bitmap.IsSet(i) {
		return false, nil
	}

	copy(s.data[uint64(i)*uint64(s.chunkSize):], data)
	s.bitmap.Set(i)
	return true, nil
}

// Reassemble returns the complete payload after verifying the manifest's
// content hash. Missing chunks yield ErrIncomplete; a digest mismatch
// yields ErrContentHashMismatch and no payload is returned.
func (s *Store) Reassemble(manifest wire.Manifest, h HashFunc) ([]byte, error) {
	if !s.bitmap.Full() {
		return nil, fmt.Errorf("%w: %d of %d chunks", ErrIncomplete, s.bitmap.SetCount(), s.bitmap.Count())
	}
	if ContentHash(s.data, h) != manifest.ContentHash {
		return nil, ErrContentHashMismatch
	}
	return s.data, nil
}
