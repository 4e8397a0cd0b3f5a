package multiplex

import (
	"context"
	"errors"
	"testing"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobstore_PutRecordsEachSuccess(t *testing.T) {
	ctx := context.Background()
	replicas := testutil.NewReplicas(1, 2, 3)
	replicas[2].FailPuts(errors.New("lagging"))
	queue := testutil.OpenQueue(t)

	mb := NewBlobstore(newTestRouter(t, replicas), queue, zerolog.Nop())
	require.NoError(t, mb.Put(ctx, "k", []byte("v")))

	assert.True(t, replicas[1].Has("k"))
	assert.False(t, replicas[2].Has("k"))
	assert.True(t, replicas[3].Has("k"))

	entries, err := queue.FetchBatch(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got := map[blobstore.ID]bool{}
	for _, e := range entries {
		assert.Equal(t, "k", e.Key)
		got[e.BlobstoreID] = true
	}
	assert.Equal(t, map[blobstore.ID]bool{1: true, 3: true}, got)
	assert.Equal(t, entries[0].OperationKey, entries[1].OperationKey)
}

func TestBlobstore_PutFailsEverywhere(t *testing.T) {
	ctx := context.Background()
	replicas := testutil.NewReplicas(1, 2)
	replicas[1].FailPuts(errors.New("down"))
	replicas[2].FailPuts(errors.New("down"))
	queue := testutil.OpenQueue(t)

	mb := NewBlobstore(newTestRouter(t, replicas), queue, zerolog.Nop())
	assert.Error(t, mb.Put(ctx, "k", []byte("v")))

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBlobstore_GetAndExists(t *testing.T) {
	ctx := context.Background()
	replicas := testutil.NewReplicas(1, 2)
	replicas[2].Seed("k", []byte("v"))

	mb := NewBlobstore(newTestRouter(t, replicas), testutil.OpenQueue(t), zerolog.Nop())

	data, err := mb.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)

	ok, err := mb.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = mb.Get(ctx, "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	ok, err = mb.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
