// Package syncqueue is the gateway to the blobstore sync queue: a durable log
// recording that a blob key was written to a given replica. Writers append
// to it, the healer fetches bounded batches and deletes entries once the key
// is fully replicated.
package syncqueue

import (
	"context"
	"time"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/google/uuid"
)

// Entry records that Key was written to replica BlobstoreID.
// Entries are immutable; their only fate is deletion.
type Entry struct {
	ID           int64
	Key          string
	BlobstoreID  blobstore.ID
	OperationKey uuid.UUID // Shared by every entry produced by one multiplexed put
	EnqueuedAt   time.Time
}

// Queue is the sync queue capability consumed by the healer.
type Queue interface {
	// Add appends entries to the log. ID is assigned by the queue and
	// EnqueuedAt defaults to the current time when zero.
	Add(ctx context.Context, entries []Entry) error

	// FetchBatch returns up to limit entries, oldest first. If keyLike is
	// non-empty, only keys matching the SQL LIKE pattern are returned.
	FetchBatch(ctx context.Context, limit int, keyLike string) ([]Entry, error)

	// Delete removes the given entries. Entries that are already gone are
	// ignored.
	Delete(ctx context.Context, entries []Entry) error
}
