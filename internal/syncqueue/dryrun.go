package syncqueue

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunQueue passes FetchBatch through to the wrapped queue and logs the
// mutations it would otherwise perform.
type DryRunQueue struct {
	inner  Queue
	logger zerolog.Logger
}

// NewDryRunQueue wraps inner so that Add and Delete are logged and skipped.
func NewDryRunQueue(inner Queue, logger zerolog.Logger) *DryRunQueue {
	return &DryRunQueue{inner: inner, logger: logger}
}

// FetchBatch reads from the wrapped queue.
func (d *DryRunQueue) FetchBatch(ctx context.Context, limit int, keyLike string) ([]Entry, error) {
	return d.inner.FetchBatch(ctx, limit, keyLike)
}

// Add logs the entries that would have been appended.
func (d *DryRunQueue) Add(_ context.Context, entries []Entry) error {
	for _, e := range entries {
		d.logger.Info().
			Str("key", e.Key).
			Uint32("blobstore_id", uint32(e.BlobstoreID)).
			Msg("dry run: would add sync queue entry")
	}
	return nil
}

// Delete logs the entries that would have been removed.
func (d *DryRunQueue) Delete(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]int64, len(entries))
	keys := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		keys[e.Key] = struct{}{}
	}
	d.logger.Info().
		Int("entries", len(entries)).
		Int("keys", len(keys)).
		Ints64("ids", ids).
		Msg("dry run: would delete sync queue entries")
	return nil
}
