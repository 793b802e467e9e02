package chunk

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rawscript/red-giant/wire"
)

func testPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	return payload
}

func TestSplitChunkAccounting(t *testing.T) {
	cases := []struct {
		size      int
		chunkSize uint32
		count     int
		lastLen   int
	}{
		{1, 100, 1, 1},
		{100, 100, 1, 100},
		{101, 100, 2, 1},
		{1000, 100, 10, 100},
		{1048576, 65536, 16, 65536},
	}

	for _, c := range cases {
		payload := testPayload(c.size)
		chunks, err := Split(payload, c.chunkSize)
		if err != nil {
			t.Fatalf("Split(%d, %d) failed: %v", c.size, c.chunkSize, err)
		}
		if len(chunks) != c.count {
			t.Fatalf("Split(%d, %d): %d chunks, want %d", c.size, c.chunkSize, len(chunks), c.count)
		}
		if got := len(chunks[len(chunks)-1]); got != c.lastLen {
			t.Fatalf("Split(%d, %d): last chunk %d bytes, want %d", c.size, c.chunkSize, got, c.lastLen)
		}

		total := 0
		for i, ch := range chunks {
			if i < len(chunks)-1 && uint32(len(ch)) != c.chunkSize {
				t.Fatalf("chunk %d has %d bytes, want %d", i, len(ch), c.chunkSize)
			}
			total += len(ch)
		}
		if total != c.size {
			t.Fatalf("chunk lengths sum to %d, want %d", total, c.size)
		}
	}
}

func TestSplitRejectsZeroChunkSize(t *testing.T) {
	if _, err := Split([]byte("x"), 0); err == nil {
		t.Fatalf("expected error for zero chunk size")
	}
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	payload := testPayload(100_001)
	const chunkSize = 4096

	hash := ContentHash(payload, nil)
	manifest, err := wire.NewManifest(uint64(len(payload)), chunkSize, 0, 0, hash)
	if err != nil {
		t.Fatalf("NewManifest failed: %v", err)
	}

	chunks, err := Split(payload, chunkSize)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	store, err := NewEmpty(manifest.TotalSize, manifest.OptimalChunkSize)
	if err != nil {
		t.Fatalf("NewEmpty failed: %v", err)
	}
	// Deliver out of order.
	for i := len(chunks) - 1; i >= 0; i-- {
		fresh, err := store.Put(uint32(i), chunks[i])
		if err != nil {
			t.Fatalf("Put(%d) failed: %v", i, err)
		}
		if !fresh {
			t.Fatalf("Put(%d) reported duplicate", i)
		}
	}

	got, err := store.Reassemble(manifest, nil)
	if err != nil {
		t.Fatalf("Reassemble failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestReassembleRequiresAllChunks(t *testing.T) {
	payload := testPayload(1000)
	manifest, _ := wire.NewManifest(1000, 100, 0, 0, ContentHash(payload, nil))

	store, _ := NewEmpty(1000, 100)
	chunks, _ := Split(payload, 100)
	for i := 0; i < len(chunks)-1; i++ {
		if _, err := store.Put(uint32(i), chunks[i]); err != nil {
			t.Fatalf("Put(%d) failed: %v", i, err)
		}
	}

	if _, err := store.Reassemble(manifest, nil); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestReassembleDiscardsOnHashMismatch(t *testing.T) {
	payload := testPayload(1000)
	var wrong [32]byte
	wrong[0] = 0xAA
	manifest, _ := wire.NewManifest(1000, 100, 0, 0, wrong)

	store, _ := NewComplete(payload, 100)
	got, err := store.Reassemble(manifest, nil)
	if !errors.Is(err, ErrContentHashMismatch) {
		t.Fatalf("expected ErrContentHashMismatch, got %v", err)
	}
	if got != nil {
		t.Fatalf("payload returned despite hash mismatch")
	}
}

func TestPutDuplicateIsIdempotent(t *testing.T) {
	store, _ := NewEmpty(200, 100)
	data := testPayload(100)

	fresh, err := store.Put(0, data)
	if err != nil || !fresh {
		t.Fatalf("first Put: fresh=%v err=%v", fresh, err)
	}
	fresh, err = store.Put(0, data)
	if err != nil || fresh {
		t.Fatalf("duplicate Put: fresh=%v err=%v", fresh, err)
	}
	if store.Bitmap().SetCount() != 1 {
		t.Fatalf("set count %d, want 1", store.Bitmap().SetCount())
	}
}

func TestPutValidatesChunkLength(t *testing.T) {
	store, _ := NewEmpty(250, 100)

	if _, err := store.Put(0, testPayload(50)); !errors.Is(err, ErrChunkSizeMismatch) {
		t.Fatalf("expected ErrChunkSizeMismatch, got %v", err)
	}
	// Last chunk holds the 50-byte remainder.
	if _, err := store.Put(2, testPayload(100)); !errors.Is(err, ErrChunkSizeMismatch) {
		t.Fatalf("expected ErrChunkSizeMismatch for oversized tail, got %v", err)
	}
	if _, err := store.Put(2, testPayload(50)); err != nil {
		t.Fatalf("tail Put failed: %v", err)
	}
	if _, err := store.Put(9, testPayload(100)); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestNewResumedKeepsOnlyPresentChunks(t *testing.T) {
	payload := testPayload(500)
	manifest, _ := wire.NewManifest(500, 100, 0, 0, ContentHash(payload, nil))

	first, _ := NewEmpty(500, 100)
	chunks, _ := Split(payload, 100)
	for _, i := range []uint32{0, 2, 4} {
		if _, err := first.Put(i, chunks[i]); err != nil {
			t.Fatalf("Put(%d) failed: %v", i, err)
		}
	}

	resumed, err := NewResumed(500, 100, first.data, first.Bitmap().Bytes())
	if err != nil {
		t.Fatalf("NewResumed failed: %v", err)
	}
	if got := resumed.Bitmap().Unset(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected missing set: %v", got)
	}

	for _, i := range []uint32{1, 3} {
		if _, err := resumed.Put(i, chunks[i]); err != nil {
			t.Fatalf("Put(%d) failed: %v", i, err)
		}
	}
	got, err := resumed.Reassemble(manifest, nil)
	if err != nil {
		t.Fatalf("Reassemble failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("resumed payload mismatch")
	}
}

func TestBitmapSnapshotRoundTrip(t *testing.T) {
	b := NewBitmap(13)
	for _, i := range []uint32{0, 5, 12} {
		if !b.Set(i) {
			t.Fatalf("Set(%d) reported duplicate", i)
		}
	}
	if b.Set(5) {
		t.Fatalf("duplicate Set(5) reported fresh")
	}
	if b.Size() != 2 {
		t.Fatalf("bitmap size %d, want 2", b.Size())
	}

	restored, err := BitmapFromBytes(13, b.Bytes())
	if err != nil {
		t.Fatalf("BitmapFromBytes failed: %v", err)
	}
	if restored.SetCount() != 3 || !restored.IsSet(12) || restored.IsSet(1) {
		t.Fatalf("restored bitmap mismatch: %v", restored.Unset())
	}

	if _, err := BitmapFromBytes(100, b.Bytes()); err == nil {
		t.Fatalf("expected error for short snapshot")
	}
}
