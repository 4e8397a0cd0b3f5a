package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/config"
	"github.com/blobmux/healer/internal/syncqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Healer: config.HealerConfig{SourceOrder: "ordered", DBRegions: []string{"local"}},
		ReplicationLag: config.ReplicationLagConfig{Regions: []config.RegionConfig{
			{Name: "local", DSN: filepath.Join(dir, "replica.db")},
		}},
		Storages: map[string]config.StorageConfig{
			"main": {
				SyncQueue: config.SyncQueueConfig{DSN: filepath.Join(dir, "queue.db")},
				Blobstores: []config.BlobstoreConfig{
					{ID: 1, Type: "fs", Path: filepath.Join(dir, "fs")},
					{ID: 2, Type: "sqlite", DSN: filepath.Join(dir, "blobs.db"), Prefix: "flat/main/"},
					{ID: 3, Type: "memory", Compress: true},
				},
			},
			"lonely": {
				SyncQueue:  config.SyncQueueConfig{DSN: filepath.Join(dir, "lonely.db")},
				Blobstores: []config.BlobstoreConfig{{ID: 1, Type: "memory"}},
			},
		},
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, testConfig(t), Options{StorageID: "main", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, "main", s.ID)
	assert.Equal(t, []blobstore.ID{1, 2, 3}, s.Router.IDs())
	require.Len(t, s.Monitors, 1)
	assert.Equal(t, "local", s.Monitors[0].Name())
	assert.IsType(t, &syncqueue.SQLQueue{}, s.Queue)

	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Router.Put(ctx, "k", []byte("v"), 2))
	ok, err := s.Router.Exists(ctx, "k", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Queue.Add(ctx, []syncqueue.Entry{{Key: "k", BlobstoreID: 2}}))
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_DryRun(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	s, err := Open(ctx, testConfig(t), Options{StorageID: "main", DryRun: true, Logger: zerolog.New(&logs)})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Router.Put(ctx, "k", []byte("v"), 1))
	ok, err := s.Router.Exists(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Queue.Add(ctx, []syncqueue.Entry{{Key: "k", BlobstoreID: 1}}))
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Contains(t, logs.String(), `"blobstore":1`)
	assert.Contains(t, logs.String(), "would add sync queue entry")
}

func TestOpen_NotMultiplexed(t *testing.T) {
	_, err := Open(context.Background(), testConfig(t), Options{StorageID: "lonely", Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "not multiplexed")
}

func TestOpen_UnknownStorage(t *testing.T) {
	_, err := Open(context.Background(), testConfig(t), Options{StorageID: "other", Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "unknown storage")
}

func TestOpen_BadBlobstore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storages["main"].Blobstores[2] = config.BlobstoreConfig{ID: 3, Type: "tape"}

	_, err := Open(context.Background(), cfg, Options{StorageID: "main", Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "blobstore 3")
}

func TestPing_UnreachableRegion(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReplicationLag.Regions[0].DSN = filepath.Join(t.TempDir(), "missing", "dir", "replica.db")

	s, err := Open(context.Background(), cfg, Options{StorageID: "main", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.ErrorContains(t, s.Ping(context.Background()), "region local unreachable")
}
