package multiplex

import (
	"context"
	"errors"
	"fmt"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/syncqueue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Blobstore is the writer-side view of a multiplex. A put succeeds once at
// least one replica has stored the blob and the sync queue has recorded it;
// replicas that missed the write are repaired later by the healer.
type Blobstore struct {
	router *Router
	queue  syncqueue.Queue
	logger zerolog.Logger
}

// NewBlobstore creates a multiplexed store writing through router and
// recording successes in queue.
func NewBlobstore(router *Router, queue syncqueue.Queue, logger zerolog.Logger) *Blobstore {
	return &Blobstore{
		router: router,
		queue:  queue,
		logger: logger.With().Str("component", "multiplexed-blobstore").Logger(),
	}
}

// Get reads key from any replica.
func (b *Blobstore) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.router.Get(ctx, key, b.router.IDs())
	return data, err
}

// Put writes data to every replica concurrently.
func (b *Blobstore) Put(ctx context.Context, key string, data []byte) error {
	ids := b.router.IDs()
	type putResult struct {
		id  blobstore.ID
		err error
	}
	done := make(chan putResult, len(ids))

	for _, id := range ids {
		go func(id blobstore.ID) {
			done <- putResult{id, b.router.Put(ctx, key, data, id)}
		}(id)
	}

	opKey := uuid.New()
	var (
		entries []syncqueue.Entry
		errs    []error
	)
	for range ids {
		res := <-done
		if res.err != nil {
			b.logger.Warn().Err(res.err).
				Str("key", key).
				Uint32("blobstore", uint32(res.id)).
				Msg("Replica put failed")
			errs = append(errs, res.err)
			continue
		}
		entries = append(entries, syncqueue.Entry{
			Key:          key,
			BlobstoreID:  res.id,
			OperationKey: opKey,
		})
	}

	if len(entries) == 0 {
		return fmt.Errorf("put %q failed on every replica: %w", key, errors.Join(errs...))
	}
	if err := b.queue.Add(ctx, entries); err != nil {
		return fmt.Errorf("record put of %q in sync queue: %w", key, err)
	}
	return nil
}

// Exists reports whether any replica holds key.
func (b *Blobstore) Exists(ctx context.Context, key string) (bool, error) {
	var errs []error
	for _, id := range b.router.IDs() {
		ok, err := b.router.Exists(ctx, key, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	if len(errs) == len(b.router.IDs()) {
		return false, errors.Join(errs...)
	}
	return false, nil
}
