package storage

import (
	"errors"
	"testing"
	"time"
)

func TestSaveAndGetTransfer(t *testing.T) {
	store := newTestStore(t)

	id, err := store.SaveTransfer(Transfer{
		SessionID:   0xAABBCCDD,
		Direction:   DirectionPull,
		Peer:        "192.0.2.1:9000",
		TotalSize:   1 << 20,
		ChunkSize:   65536,
		ChunkCount:  16,
		ContentHash: "cafe",
	})
	if err != nil {
		t.Fatalf("SaveTransfer: %v", err)
	}
	if id == "" {
		t.Fatal("SaveTransfer returned empty id")
	}

	got, err := store.GetTransfer(id)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if got.SessionID != 0xAABBCCDD {
		t.Errorf("session id = %08x, want AABBCCDD", got.SessionID)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %q, want %q", got.Status, StatusActive)
	}
	if got.ChunkCount != 16 {
		t.Errorf("chunk count = %d, want 16", got.ChunkCount)
	}
	if got.StartedAt == 0 || got.UpdatedAt == 0 {
		t.Error("timestamps not populated")
	}
}

func TestGetTransferNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetTransfer("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveTransferRejectsBadDirection(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.SaveTransfer(Transfer{SessionID: 1, Direction: "sideways"}); err == nil {
		t.Fatal("expected error for invalid direction")
	}
}

func TestFindTransferBySession(t *testing.T) {
	store := newTestStore(t)
	id := mustSaveTransfer(t, store, 42, DirectionPull)
	mustSaveTransfer(t, store, 42, DirectionExpose)

	got, err := store.FindTransferBySession(42, DirectionPull)
	if err != nil {
		t.Fatalf("FindTransferBySession: %v", err)
	}
	if got.TransferID != id {
		t.Errorf("transfer id = %q, want %q", got.TransferID, id)
	}
	if _, err := store.FindTransferBySession(43, DirectionPull); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTransferStatus(t *testing.T) {
	store := newTestStore(t)
	id := mustSaveTransfer(t, store, 7, DirectionPull)

	if err := store.UpdateTransferStatus(id, StatusComplete); err != nil {
		t.Fatalf("UpdateTransferStatus: %v", err)
	}
	got, err := store.GetTransfer(id)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if got.Status != StatusComplete {
		t.Errorf("status = %q, want %q", got.Status, StatusComplete)
	}

	if err := store.UpdateTransferStatus("missing", StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListTransfersByStatus(t *testing.T) {
	store := newTestStore(t)
	a := mustSaveTransfer(t, store, 1, DirectionPull)
	b := mustSaveTransfer(t, store, 2, DirectionPull)
	if err := store.UpdateTransferStatus(b, StatusComplete); err != nil {
		t.Fatalf("UpdateTransferStatus: %v", err)
	}

	active, err := store.ListTransfers(StatusActive)
	if err != nil {
		t.Fatalf("ListTransfers: %v", err)
	}
	if len(active) != 1 || active[0].TransferID != a {
		t.Fatalf("active transfers = %v, want just %q", active, a)
	}

	all, err := store.ListTransfers("")
	if err != nil {
		t.Fatalf("ListTransfers(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all transfers = %d, want 2", len(all))
	}
}

func TestResumeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	id := mustSaveTransfer(t, store, 9, DirectionPull)

	bitmap := []byte{0xFF, 0x0F}
	if err := store.UpsertResume(Resume{TransferID: id, Bitmap: bitmap, ChunksDone: 12, PayloadPath: "/tmp/partial"}); err != nil {
		t.Fatalf("UpsertResume: %v", err)
	}

	got, err := store.GetResume(id)
	if err != nil {
		t.Fatalf("GetResume: %v", err)
	}
	if got.ChunksDone != 12 {
		t.Errorf("chunks done = %d, want 12", got.ChunksDone)
	}
	if len(got.Bitmap) != 2 || got.Bitmap[0] != 0xFF || got.Bitmap[1] != 0x0F {
		t.Errorf("bitmap = %x, want ff0f", got.Bitmap)
	}

	// Second upsert overwrites in place.
	if err := store.UpsertResume(Resume{TransferID: id, Bitmap: []byte{0xFF, 0xFF}, ChunksDone: 16}); err != nil {
		t.Fatalf("second UpsertResume: %v", err)
	}
	got, err = store.GetResume(id)
	if err != nil {
		t.Fatalf("GetResume after upsert: %v", err)
	}
	if got.ChunksDone != 16 {
		t.Errorf("chunks done = %d, want 16", got.ChunksDone)
	}

	if err := store.DeleteResume(id); err != nil {
		t.Fatalf("DeleteResume: %v", err)
	}
	if _, err := store.GetResume(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPruneFinishedTransfers(t *testing.T) {
	store := newTestStore(t)
	store.SetTransferRetention(time.Nanosecond)

	done := mustSaveTransfer(t, store, 1, DirectionPull)
	live := mustSaveTransfer(t, store, 2, DirectionPull)
	if err := store.UpdateTransferStatus(done, StatusComplete); err != nil {
		t.Fatalf("UpdateTransferStatus: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	n, err := store.PruneFinishedTransfers()
	if err != nil {
		t.Fatalf("PruneFinishedTransfers: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	if _, err := store.GetTransfer(done); !errors.Is(err, ErrNotFound) {
		t.Fatalf("finished transfer should be pruned, got %v", err)
	}
	if _, err := store.GetTransfer(live); err != nil {
		t.Fatalf("active transfer should survive pruning: %v", err)
	}
}
