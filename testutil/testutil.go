// Package testutil provides shared test helpers and fakes for healer tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/syncqueue"
)

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// OpenQueue opens a sync queue in a temporary directory, closed on cleanup.
func OpenQueue(t *testing.T) *syncqueue.SQLQueue {
	t.Helper()
	q, err := syncqueue.Open(context.Background(), filepath.Join(t.TempDir(), "sync_queue.db"))
	if err != nil {
		t.Fatalf("failed to open sync queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// FakeStore is an in-memory replica that counts calls and can be told to
// fail individual operations.
type FakeStore struct {
	mem *blobstore.MemoryStore

	mu        sync.Mutex
	getErr    error
	putErr    error
	existsErr error
	gets      int
	puts      int
	exists    int
}

// NewFakeStore creates an empty fake replica.
func NewFakeStore() *FakeStore {
	return &FakeStore{mem: blobstore.NewMemoryStore()}
}

// FailGets makes every subsequent Get return err (nil restores normal behaviour).
func (f *FakeStore) FailGets(err error) {
	f.mu.Lock()
	f.getErr = err
	f.mu.Unlock()
}

// FailPuts makes every subsequent Put return err.
func (f *FakeStore) FailPuts(err error) {
	f.mu.Lock()
	f.putErr = err
	f.mu.Unlock()
}

// FailExists makes every subsequent Exists return err.
func (f *FakeStore) FailExists(err error) {
	f.mu.Lock()
	f.existsErr = err
	f.mu.Unlock()
}

func (f *FakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	f.gets++
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.mem.Get(ctx, key)
}

func (f *FakeStore) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	f.puts++
	err := f.putErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.mem.Put(ctx, key, data)
}

func (f *FakeStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	f.exists++
	err := f.existsErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.mem.Exists(ctx, key)
}

// Seed stores data without counting it as a Put.
func (f *FakeStore) Seed(key string, data []byte) {
	_ = f.mem.Put(context.Background(), key, data)
}

// Has reports whether key is stored, without counting it as a call.
func (f *FakeStore) Has(key string) bool {
	ok, _ := f.mem.Exists(context.Background(), key)
	return ok
}

// Calls returns the number of Get, Put and Exists calls so far.
func (f *FakeStore) Calls() (gets, puts, exists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.puts, f.exists
}

// Replicas is a set of fake replicas keyed by id.
type Replicas map[blobstore.ID]*FakeStore

// NewReplicas creates one fake replica per id.
func NewReplicas(ids ...blobstore.ID) Replicas {
	r := make(Replicas, len(ids))
	for _, id := range ids {
		r[id] = NewFakeStore()
	}
	return r
}

// Stores returns the replicas as plain blob stores.
func (r Replicas) Stores() map[blobstore.ID]blobstore.Blobstore {
	out := make(map[blobstore.ID]blobstore.Blobstore, len(r))
	for id, f := range r {
		out[id] = f
	}
	return out
}

// TotalPuts sums Put calls across replicas.
func (r Replicas) TotalPuts() int {
	n := 0
	for _, f := range r {
		_, puts, _ := f.Calls()
		n += puts
	}
	return n
}

// TotalGets sums Get calls across replicas.
func (r Replicas) TotalGets() int {
	n := 0
	for _, f := range r {
		gets, _, _ := f.Calls()
		n += gets
	}
	return n
}
