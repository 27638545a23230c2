// Package offline keeps sales durable on a terminal while the store server
// is unreachable, and replays them in order once it is back.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"retailpos/internal/domain"
	"retailpos/internal/xid"
)

// Queue is a durable FIFO of unsynced sales backed by a local SQLite file.
// Entries are removed only after the server confirms the sale, so a crash
// mid-sync never loses a sale.
type Queue struct {
	db *sql.DB
}

func OpenQueue(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS offline_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			offline_id TEXT NOT NULL UNIQUE,
			transaction_number TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			conflict INTEGER NOT NULL DEFAULT 0,
			conflict_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores one sale for later sync. The transaction number is minted
// here if the register did not supply one, so the idempotency key exists
// before the sale ever leaves the device.
func (q *Queue) Enqueue(ctx context.Context, sale domain.SaleRequest) (*domain.OfflineQueueEntry, error) {
	if sale.TransactionNumber == "" {
		sale.TransactionNumber = xid.New("pos")
	}

	entry := domain.OfflineQueueEntry{
		OfflineID:         uuid.NewString(),
		TransactionNumber: sale.TransactionNumber,
		Payload:           sale,
		CreatedAt:         time.Now().UTC(),
	}

	payload, err := json.Marshal(sale)
	if err != nil {
		return nil, err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO offline_queue (offline_id, transaction_number, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.OfflineID, entry.TransactionNumber, string(payload), entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", entry.TransactionNumber, err)
	}
	return &entry, nil
}

// List returns replayable entries oldest first, the order sync must submit
// them in. Entries flagged as conflicts are held back until an operator
// decides.
func (q *Queue) List(ctx context.Context) ([]domain.OfflineQueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT offline_id, transaction_number, payload, sync_attempts, last_error, created_at
		FROM offline_queue
		WHERE conflict = 0
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.OfflineQueueEntry, 0, 32)
	corrupt := make(map[string]string)
	for rows.Next() {
		var entry domain.OfflineQueueEntry
		var payload string
		if err := rows.Scan(&entry.OfflineID, &entry.TransactionNumber, &payload, &entry.SyncAttempts, &entry.LastError, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
			// An undecodable payload must not strand every sale queued
			// behind it. Park it as a conflict, row intact, and move on.
			corrupt[entry.OfflineID] = fmt.Sprintf("corrupt payload: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for offlineID, reason := range corrupt {
		if err := q.MarkConflict(ctx, offlineID, reason); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n)
	return n, err
}

// Delete removes a confirmed entry.
func (q *Queue) Delete(ctx context.Context, offlineID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE offline_id = ?`, offlineID)
	return err
}

// RecordFailure bumps the attempt counter after a transient sync failure.
func (q *Queue) RecordFailure(ctx context.Context, offlineID string, message string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE offline_queue
		SET sync_attempts = sync_attempts + 1, last_error = ?
		WHERE offline_id = ?
	`, message, offlineID)
	return err
}

// MarkConflict flags an entry the server permanently rejected. The entry
// stays in the queue with its sale data intact, but sync skips it until an
// operator resolves or discards it (Delete).
func (q *Queue) MarkConflict(ctx context.Context, offlineID string, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE offline_queue
		SET conflict = 1, conflict_reason = ?, sync_attempts = sync_attempts + 1, last_error = ?
		WHERE offline_id = ?
	`, reason, reason, offlineID)
	return err
}

// ClearConflict returns a flagged entry to the replayable queue, for when
// an operator has fixed the underlying problem (e.g. restocked the
// product) and wants the sale resubmitted.
func (q *Queue) ClearConflict(ctx context.Context, offlineID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE offline_queue
		SET conflict = 0, conflict_reason = ''
		WHERE offline_id = ?
	`, offlineID)
	return err
}

// Conflicts lists rejected sales awaiting operator review, oldest first.
func (q *Queue) Conflicts(ctx context.Context) ([]domain.SyncConflict, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT offline_id, transaction_number, conflict_reason
		FROM offline_queue
		WHERE conflict = 1
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conflicts := make([]domain.SyncConflict, 0, 8)
	for rows.Next() {
		var c domain.SyncConflict
		if err := rows.Scan(&c.OfflineID, &c.TransactionNumber, &c.Reason); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
