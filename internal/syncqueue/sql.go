package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// deleteChunkSize bounds the number of ids per DELETE statement so that
// large batches stay under SQLite's host parameter limit.
const deleteChunkSize = 500

// SQLQueue implements Queue on a SQLite table.
type SQLQueue struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the sync queue database at dsn.
func Open(ctx context.Context, dsn string) (*SQLQueue, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sync queue database: %w", err)
	}

	q := &SQLQueue{db: db, now: time.Now}
	if err := q.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobstore_sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		blobstore_key TEXT NOT NULL,
		blobstore_id INTEGER NOT NULL,
		operation_key TEXT NOT NULL,
		add_timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_key ON blobstore_sync_queue(blobstore_key);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_age ON blobstore_sync_queue(add_timestamp, id);
	`
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create sync queue schema: %w", err)
	}
	return nil
}

// Add appends entries in a single transaction.
func (q *SQLQueue) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blobstore_sync_queue (blobstore_key, blobstore_id, operation_key, add_timestamp)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := q.now()
	for _, e := range entries {
		ts := e.EnqueuedAt
		if ts.IsZero() {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, e.Key, int64(e.BlobstoreID), e.OperationKey.String(), ts.UnixNano()); err != nil {
			return fmt.Errorf("insert sync queue entry for %q: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync queue entries: %w", err)
	}
	return nil
}

// FetchBatch returns the oldest entries, optionally filtered by keyLike.
func (q *SQLQueue) FetchBatch(ctx context.Context, limit int, keyLike string) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("fetch limit must be positive, got %d", limit)
	}

	query := `SELECT id, blobstore_key, blobstore_id, operation_key, add_timestamp FROM blobstore_sync_queue`
	args := []any{}
	if keyLike != "" {
		query += ` WHERE blobstore_key LIKE ?`
		args = append(args, keyLike)
	}
	query += ` ORDER BY add_timestamp, id LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch sync queue batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			storeID int64
			opKey   string
			tsNano  int64
		)
		if err := rows.Scan(&e.ID, &e.Key, &storeID, &opKey, &tsNano); err != nil {
			return nil, fmt.Errorf("scan sync queue entry: %w", err)
		}
		e.BlobstoreID = blobstore.ID(storeID)
		e.EnqueuedAt = time.Unix(0, tsNano).UTC()
		if parsed, err := uuid.Parse(opKey); err == nil {
			e.OperationKey = parsed
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync queue batch: %w", err)
	}
	return entries, nil
}

// Delete removes entries by id in a single transaction.
func (q *SQLQueue) Delete(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(entries); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(entries))
		chunk := entries[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, e := range chunk {
			args[i] = e.ID
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM blobstore_sync_queue WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("delete sync queue entries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync queue delete: %w", err)
	}
	return nil
}

// Len returns the number of entries currently queued.
func (q *SQLQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobstore_sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sync queue entries: %w", err)
	}
	return n, nil
}

// Ping verifies the database connection.
func (q *SQLQueue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close closes the database.
func (q *SQLQueue) Close() error {
	return q.db.Close()
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
