// Package blobstore defines the blob store capability that every replica of
// a multiplexed store provides, together with the concrete drivers and the
// decorators (prefix, compression, dry-run) that wrap them.
package blobstore

import (
	"context"
	"errors"
	"io"
	"strconv"
)

// ErrNotFound is returned by Get when the key is absent from the store.
var ErrNotFound = errors.New("blob not found")

// ID identifies one replica within a multiplex. IDs are assigned by
// configuration and never change for the lifetime of a store.
type ID uint32

// String returns the decimal form of the id.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Blobstore is the minimal capability a replica exposes.
type Blobstore interface {
	// Get returns the blob stored under key. Returns ErrNotFound if the key
	// does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key. Storing the same content twice is a no-op
	// from the caller's point of view.
	Put(ctx context.Context, key string, data []byte) error

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// Pinger is implemented by stores that can verify backend connectivity
// without touching any blob.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks connectivity of bs if it implements Pinger.
func Ping(ctx context.Context, bs Blobstore) error {
	if p, ok := bs.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases bs if it holds resources.
func Close(bs Blobstore) error {
	if c, ok := bs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
