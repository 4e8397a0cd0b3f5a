package blobstore

import "context"

// PrefixStore prepends a fixed prefix to every key before delegating.
// Several logical stores can share one backend this way.
type PrefixStore struct {
	inner  Blobstore
	prefix string
}

// NewPrefixStore wraps inner so that key k is stored as prefix+k.
func NewPrefixStore(inner Blobstore, prefix string) *PrefixStore {
	return &PrefixStore{inner: inner, prefix: prefix}
}

func (p *PrefixStore) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *PrefixStore) Put(ctx context.Context, key string, data []byte) error {
	return p.inner.Put(ctx, p.prefix+key, data)
}

func (p *PrefixStore) Exists(ctx context.Context, key string) (bool, error) {
	return p.inner.Exists(ctx, p.prefix+key)
}

func (p *PrefixStore) Ping(ctx context.Context) error { return Ping(ctx, p.inner) }

func (p *PrefixStore) Close() error { return Close(p.inner) }
