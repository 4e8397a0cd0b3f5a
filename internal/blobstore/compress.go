package blobstore

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressedStore zstd-compresses blobs before handing them to the wrapped
// store and decompresses them on read. Every replica that shares blobs with
// a compressed replica must be compressed too, since the stored bytes differ.
type CompressedStore struct {
	inner Blobstore
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCompressedStore wraps inner with zstd compression.
func NewCompressedStore(inner Blobstore) (*CompressedStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithZeroFrames(true))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &CompressedStore{inner: inner, enc: enc, dec: dec}, nil
}

// Get fetches and decompresses the blob.
func (c *CompressedStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %q: %w", key, err)
	}
	return data, nil
}

// Put compresses data and stores it.
func (c *CompressedStore) Put(ctx context.Context, key string, data []byte) error {
	return c.inner.Put(ctx, key, c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)))
}

func (c *CompressedStore) Exists(ctx context.Context, key string) (bool, error) {
	return c.inner.Exists(ctx, key)
}

func (c *CompressedStore) Ping(ctx context.Context) error { return Ping(ctx, c.inner) }

// Close releases the codec and the wrapped store.
func (c *CompressedStore) Close() error {
	c.dec.Close()
	_ = c.enc.Close()
	return Close(c.inner)
}
