package blobstore

import (
	"context"
	"fmt"
)

// Driver types accepted by Open.
const (
	TypeMemory = "memory"
	TypeFS     = "fs"
	TypeBbolt  = "bbolt"
	TypeSQLite = "sqlite"
	TypeS3     = "s3"
	TypeRedis  = "redis"
)

// Options describes one configured blob store.
type Options struct {
	Type string

	Path   string // fs, bbolt
	Bucket string // bbolt, s3
	DSN    string // sqlite

	Region         string // s3
	Endpoint       string // s3
	ForcePathStyle bool   // s3
	PartSize       int64  // s3

	Address  string // redis
	Password string // redis
	DB       int    // redis

	Prefix   string // prepended to every key
	Compress bool   // zstd compress blobs at rest
}

// Open creates the driver named by opts.Type and applies the compression
// and prefix decorators.
func Open(ctx context.Context, opts Options) (Blobstore, error) {
	var (
		bs  Blobstore
		err error
	)
	switch opts.Type {
	case TypeMemory:
		bs = NewMemoryStore()
	case TypeFS:
		bs, err = NewFSStore(opts.Path)
	case TypeBbolt:
		bs, err = NewBboltStore(opts.Path, opts.Bucket)
	case TypeSQLite:
		bs, err = NewSQLStore(ctx, opts.DSN)
	case TypeS3:
		bs, err = NewS3Store(S3Config{
			Bucket:         opts.Bucket,
			Region:         opts.Region,
			Endpoint:       opts.Endpoint,
			ForcePathStyle: opts.ForcePathStyle,
			PartSize:       opts.PartSize,
		})
	case TypeRedis:
		bs = NewRedisStore(RedisConfig{
			Address:  opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		})
	default:
		return nil, fmt.Errorf("unknown blobstore type %q", opts.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s blobstore: %w", opts.Type, err)
	}

	if opts.Compress {
		compressed, err := NewCompressedStore(bs)
		if err != nil {
			_ = Close(bs)
			return nil, err
		}
		bs = compressed
	}
	if opts.Prefix != "" {
		bs = NewPrefixStore(bs, opts.Prefix)
	}
	return bs, nil
}
