package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, sessionID uint32, direction string) string {
	t.Helper()

	id, err := store.SaveTransfer(Transfer{
		SessionID:   sessionID,
		Direction:   direction,
		TotalSize:   1 << 20,
		ChunkSize:   65536,
		ChunkCount:  16,
		ContentHash: "deadbeef",
	})
	if err != nil {
		t.Fatalf("save transfer for session %08x: %v", sessionID, err)
	}
	return id
}
