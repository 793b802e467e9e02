package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Transfer directions.
const (
	DirectionExpose = "expose"
	DirectionPull   = "pull"
)

// Transfer statuses.
const (
	StatusActive   = "active"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusTimedOut = "timed_out"
)

// Transfer is one ledger row: an exposure or a pull, durable across
// restarts so interrupted pulls can be resumed.
type Transfer struct {
	TransferID  string
	SessionID   uint32
	Direction   string
	Peer        string
	TotalSize   uint64
	ChunkSize   uint32
	ChunkCount  uint32
	ContentHash string
	Status      string
	StartedAt   int64
	UpdatedAt   int64
}

// Resume is the durable pull state for a transfer: the chunk presence
// bitmap and where the partial payload lives on disk.
type Resume struct {
	TransferID  string
	Bitmap      []byte
	ChunksDone  uint32
	PayloadPath string
	UpdatedAt   int64
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// SaveTransfer inserts a new ledger row. A zero TransferID gets a fresh
// UUID; the assigned ID is returned.
func (s *Store) SaveTransfer(t Transfer) (string, error) {
	if t.TransferID == "" {
		t.TransferID = uuid.NewString()
	}
	if t.Direction != DirectionExpose && t.Direction != DirectionPull {
		return "", fmt.Errorf("save transfer: invalid direction %q", t.Direction)
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	now := nowUnixMilli()
	if t.StartedAt == 0 {
		t.StartedAt = now
	}

	_, err := s.db.Exec(`
INSERT INTO transfers (transfer_id, session_id, direction, peer, total_size, chunk_size, chunk_count, content_hash, status, started_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TransferID, t.SessionID, t.Direction, t.Peer, t.TotalSize, t.ChunkSize, t.ChunkCount, t.ContentHash, t.Status, t.StartedAt, now,
	)
	if err != nil {
		return "", fmt.Errorf("save transfer: %w", err)
	}
	return t.TransferID, nil
}

// GetTransfer fetches one ledger row by ID.
func (s *Store) GetTransfer(transferID string) (Transfer, error) {
	var t Transfer
	err := s.db.QueryRow(`
SELECT transfer_id, session_id, direction, peer, total_size, chunk_size, chunk_count, content_hash, status, started_at, updated_at
FROM transfers WHERE transfer_id = ?`, transferID).Scan(
		&t.TransferID, &t.SessionID, &t.Direction, &t.Peer, &t.TotalSize, &t.ChunkSize, &t.ChunkCount, &t.ContentHash, &t.Status, &t.StartedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, fmt.Errorf("get transfer %s: %w", transferID, ErrNotFound)
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("get transfer %s: %w", transferID, err)
	}
	return t, nil
}

// FindTransferBySession looks up the ledger row for a session and
// direction; resuming pullers use it to rediscover their state.
func (s *Store) FindTransferBySession(sessionID uint32, direction string) (Transfer, error) {
	var t Transfer
	err := s.db.QueryRow(`
SELECT transfer_id, session_id, direction, peer, total_size, chunk_size, chunk_count, content_hash, status, started_at, updated_at
FROM transfers WHERE session_id = ? AND direction = ?
ORDER BY started_at DESC LIMIT 1`, sessionID, direction).Scan(
		&t.TransferID, &t.SessionID, &t.Direction, &t.Peer, &t.TotalSize, &t.ChunkSize, &t.ChunkCount, &t.ContentHash, &t.Status, &t.StartedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, fmt.Errorf("find transfer for session %08x: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("find transfer for session %08x: %w", sessionID, err)
	}
	return t, nil
}

// ListTransfers returns ledger rows with the given status, newest first.
// An empty status lists everything.
func (s *Store) ListTransfers(status string) ([]Transfer, error) {
	query := `
SELECT transfer_id, session_id, direction, peer, total_size, chunk_size, chunk_count, content_hash, status, started_at, updated_at
FROM transfers`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC, transfer_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.TransferID, &t.SessionID, &t.Direction, &t.Peer, &t.TotalSize, &t.ChunkSize, &t.ChunkCount, &t.ContentHash, &t.Status, &t.StartedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list transfers: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return out, nil
}

// UpdateTransferStatus moves a ledger row to a new status.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	res, err := s.db.Exec(
		"UPDATE transfers SET status = ?, updated_at = ? WHERE transfer_id = ?",
		status, nowUnixMilli(), transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", transferID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", transferID, err)
	}
	if n == 0 {
		return fmt.Errorf("update transfer %s: %w", transferID, ErrNotFound)
	}
	return nil
}

// UpsertResume writes the durable pull state for a transfer. Called
// periodically during a pull so a crash loses at most one interval of
// progress.
func (s *Store) UpsertResume(r Resume) error {
	if r.TransferID == "" {
		return fmt.Errorf("upsert resume: empty transfer id")
	}
	_, err := s.db.Exec(`
INSERT INTO resume_bitmaps (transfer_id, bitmap, chunks_done, payload_path, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(transfer_id) DO UPDATE SET
  bitmap = excluded.bitmap,
  chunks_done = excluded.chunks_done,
  payload_path = excluded.payload_path,
  updated_at = excluded.updated_at`,
		r.TransferID, r.Bitmap, r.ChunksDone, r.PayloadPath, nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert resume %s: %w", r.TransferID, err)
	}
	return nil
}

// GetResume fetches the durable pull state for a transfer.
func (s *Store) GetResume(transferID string) (Resume, error) {
	var r Resume
	err := s.db.QueryRow(`
SELECT transfer_id, bitmap, chunks_done, payload_path, updated_at
FROM resume_bitmaps WHERE transfer_id = ?`, transferID).Scan(
		&r.TransferID, &r.Bitmap, &r.ChunksDone, &r.PayloadPath, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Resume{}, fmt.Errorf("get resume %s: %w", transferID, ErrNotFound)
	}
	if err != nil {
		return Resume{}, fmt.Errorf("get resume %s: %w", transferID, err)
	}
	return r, nil
}

// DeleteResume drops the durable pull state once a transfer finishes.
func (s *Store) DeleteResume(transferID string) error {
	if _, err := s.db.Exec("DELETE FROM resume_bitmaps WHERE transfer_id = ?", transferID); err != nil {
		return fmt.Errorf("delete resume %s: %w", transferID, err)
	}
	return nil
}

// PruneFinishedTransfers deletes finished ledger rows older than the
// retention window. Resume state goes with them via cascade.
func (s *Store) PruneFinishedTransfers() (int64, error) {
	cutoff := time.Now().Add(-s.transferRetention).UnixMilli()
	res, err := s.db.Exec(
		"DELETE FROM transfers WHERE status != ? AND updated_at < ?",
		StatusActive, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return n, nil
}

// SetTransferRetention overrides the pruning window, mainly for tests.
func (s *Store) SetTransferRetention(d time.Duration) {
	s.transferRetention = d
}
