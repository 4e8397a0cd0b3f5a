package blobstore

import (
	"context"

	"github.com/blobmux/healer/pkg/bytesize"
	"github.com/rs/zerolog"
)

// DryRunStore passes reads through to the wrapped store and logs writes
// instead of performing them.
type DryRunStore struct {
	inner  Blobstore
	logger zerolog.Logger
}

// NewDryRunStore wraps inner so that Put is logged and skipped.
func NewDryRunStore(inner Blobstore, logger zerolog.Logger) *DryRunStore {
	return &DryRunStore{inner: inner, logger: logger}
}

// Get reads from the wrapped store.
func (d *DryRunStore) Get(ctx context.Context, key string) ([]byte, error) {
	return d.inner.Get(ctx, key)
}

// Put logs the intended write and reports success.
func (d *DryRunStore) Put(_ context.Context, key string, data []byte) error {
	d.logger.Info().
		Str("key", key).
		Int("bytes", len(data)).
		Str("size", bytesize.Format(int64(len(data)))).
		Msg("dry run: would put blob")
	return nil
}

// Exists checks the wrapped store.
func (d *DryRunStore) Exists(ctx context.Context, key string) (bool, error) {
	return d.inner.Exists(ctx, key)
}

// Ping checks the wrapped store's connectivity.
func (d *DryRunStore) Ping(ctx context.Context) error { return Ping(ctx, d.inner) }

// Close closes the wrapped store.
func (d *DryRunStore) Close() error { return Close(d.inner) }
