package chunk

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange indicates a chunk index beyond the bitmap's chunk count.
var ErrIndexOutOfRange = errors.New("chunk: index out of range")

// Bitmap tracks per-chunk presence, one bit per chunk. A Bitmap is owned by
// a single state machine and is not safe for concurrent mutation.
type Bitmap struct {
	bits  []byte
	count uint32
	set   uint32
}

// NewBitmap returns a cleared bitmap for count chunks.
func NewBitmap(count uint32) *Bitmap {
	return &Bitmap{
		bits:  make([]byte, bitmapBytes(count)),
		count: count,
	}
}

// BitmapFromBytes restores a bitmap from a previous Bytes snapshot, the
// resume entry point. The snapshot may be longer than the minimum size but
// never shorter.
func BitmapFromBytes(count uint32, snapshot []byte) (*Bitmap, error) {
	need := bitmapBytes(count)
	if len(snapshot) < need {
		return nil, fmt.Errorf("chunk: bitmap snapshot %d bytes, need %d for %d chunks", len(snapshot), need, count)
	}

	b := &Bitmap{
		bits:  append([]byte(nil), snapshot[:need]...),
		count: count,
	}
	for i := uint32(0); i < count; i++ {
		if b.IsSet(i) {
			b.set++
		}
	}
	// Bits beyond the chunk count are meaningless; clear them so Bytes
	// snapshots stay canonical.
	if count%8 != 0 && need > 0 {
		b.bits[need-1] &= byte(1<<(count%8)) - 1
	}
	return b, nil
}

func bitmapBytes(count uint32) int {
	return int((count + 7) / 8)
}

// Set marks chunk i present. Returns true if the bit was newly set, false
// for duplicates, making retransmitted chunks idempotent.
func (b *Bitmap) Set(i uint32) bool {
	if i >= b.count || b.IsSet(i) {
		return false
	}
	b.bits[i/8] |= 1 << (i % 8)
	b.set++
	return true
}

// IsSet reports whether chunk i is present.
func (b *Bitmap) IsSet(i uint32) bool {
	if i >= b.count {
		return false
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// Count returns the total chunk count the bitmap covers.
func (b *Bitmap) Count() uint32 { return b.count }

// SetCount returns the number of present chunks.
func (b *Bitmap) SetCount() uint32 { return b.set }

// Size returns the bitmap length in bytes.
func (b *Bitmap) Size() int { return len(b.bits) }

// Full reports whether every chunk is present.
func (b *Bitmap) Full() bool { return b.set == b.count }

// Unset returns the indices of all missing chunks in ascending order.
func (b *Bitmap) Unset() []uint32 {
	missing := make([]uint32, 0, b.count-b.set)
	for i := uint32(0); i < b.count; i++ {
		if !b.IsSet(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Bytes returns a copy of the underlying bit vector, suitable for
// persistence and later BitmapFromBytes restoration.
func (b *Bitmap) Bytes() []byte {
	return append([]byte(nil), b.bits...)
}

// Clone returns an independent copy of the bitmap.
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{
		bits:  append([]byte(nil), b.bits...),
		count: b.count,
		set:   b.set,
	}
}
