package healer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/metrics"
	"github.com/blobmux/healer/internal/multiplex"
	"github.com/blobmux/healer/internal/syncqueue"
	"github.com/blobmux/healer/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	replicas testutil.Replicas
	router   *multiplex.Router
	queue    *syncqueue.SQLQueue
}

func newHarness(t *testing.T, ids ...blobstore.ID) *harness {
	t.Helper()
	replicas := testutil.NewReplicas(ids...)
	router, err := multiplex.NewRouter(multiplex.RouterConfig{Stores: replicas.Stores(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	return &harness{replicas: replicas, router: router, queue: testutil.OpenQueue(t)}
}

func (h *harness) enqueue(t *testing.T, key string, ids ...blobstore.ID) {
	t.Helper()
	entries := make([]syncqueue.Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, syncqueue.Entry{Key: key, BlobstoreID: id})
	}
	require.NoError(t, h.queue.Add(context.Background(), entries))
}

func (h *harness) healer(t *testing.T, mutate ...func(*Config)) *Healer {
	t.Helper()
	cfg := Config{Replicas: h.router, Queue: h.queue, Logger: zerolog.Nop()}
	for _, m := range mutate {
		m(&cfg)
	}
	hl, err := New(cfg)
	require.NoError(t, err)
	return hl
}

func (h *harness) queued(t *testing.T, key string) []blobstore.ID {
	t.Helper()
	entries, err := h.queue.FetchBatch(context.Background(), 1000, key)
	require.NoError(t, err)
	ids := make([]blobstore.ID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.BlobstoreID)
	}
	return ids
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, 1, 2)

	_, err := New(Config{Queue: h.queue})
	assert.Error(t, err)

	_, err = New(Config{Replicas: h.router})
	assert.Error(t, err)

	hl, err := New(Config{Replicas: h.router, Queue: h.queue})
	require.NoError(t, err)
	assert.Equal(t, DefaultSyncQueueLimit, hl.limit)
	assert.Equal(t, DefaultKeyConcurrency, hl.concurrency)
	assert.Nil(t, hl.limiter)
}

func TestHeal_CopiesToMissingReplicaOnly(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	blob := []byte("k1 contents")
	h.replicas[1].Seed("K1", blob)
	h.replicas[2].Seed("K1", blob)
	h.enqueue(t, "K1", 1, 2)

	report, err := h.healer(t).Heal(context.Background())
	require.NoError(t, err)

	res, ok := report.Result("K1")
	require.True(t, ok)
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, []blobstore.ID{1, 2}, res.Claimed)
	assert.Equal(t, []blobstore.ID{3}, res.Missing)
	assert.Equal(t, blobstore.ID(1), res.Source)
	assert.Equal(t, len(blob), res.Bytes)

	_, puts1, _ := h.replicas[1].Calls()
	_, puts2, _ := h.replicas[2].Calls()
	_, puts3, _ := h.replicas[3].Calls()
	assert.Zero(t, puts1)
	assert.Zero(t, puts2)
	assert.Equal(t, 1, puts3)

	data, err := h.replicas[3].Get(context.Background(), "K1")
	require.NoError(t, err)
	assert.Equal(t, blob, data)

	assert.Equal(t, 2, report.Deleted)
	assert.Empty(t, h.queued(t, "K1"))
}

func TestHeal_CompleteKeyNeedsNoStoreIO(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.enqueue(t, "K2", 1, 2, 3)

	report, err := h.healer(t).Heal(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("K2")
	assert.Equal(t, OutcomeAlreadyComplete, res.Outcome)
	assert.Zero(t, h.replicas.TotalGets())
	assert.Zero(t, h.replicas.TotalPuts())
	assert.Equal(t, 3, report.Deleted)
	assert.Empty(t, h.queued(t, "K2"))
}

func TestHeal_SourceUnavailableKeepsEntries(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.replicas[1].Seed("K3", []byte("x"))
	h.replicas[1].FailGets(errors.New("connection reset"))
	h.enqueue(t, "K3", 1)

	report, err := h.healer(t).Heal(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("K3")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonSourceUnavailable, res.Reason)
	assert.ErrorIs(t, res.Err, multiplex.ErrAllSourcesFailed)
	assert.Zero(t, h.replicas.TotalPuts())
	assert.Zero(t, report.Deleted)
	assert.Equal(t, []blobstore.ID{1}, h.queued(t, "K3"))
}

func TestHeal_MixedBatch(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.replicas[1].Seed("K1", []byte("one"))
	h.replicas[2].Seed("K1", []byte("one"))
	h.enqueue(t, "K1", 1, 2)
	h.enqueue(t, "K2", 1, 2, 3)
	h.enqueue(t, "K3", 2) // replica 2 lost it

	report, err := h.healer(t).Heal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, report.Fetched)
	assert.Equal(t, 1, report.Count(OutcomeHealed))
	assert.Equal(t, 1, report.Count(OutcomeAlreadyComplete))
	assert.Equal(t, 1, report.Count(OutcomeFailed))
	assert.Equal(t, 5, report.Deleted)

	// Results follow batch order
	keys := []string{report.Results[0].Key, report.Results[1].Key, report.Results[2].Key}
	assert.Equal(t, []string{"K1", "K2", "K3"}, keys)

	assert.Equal(t, []blobstore.ID{2}, h.queued(t, "%"))
}

func TestHeal_SecondPassIsNoop(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.replicas[1].Seed("a", []byte("alpha"))
	h.enqueue(t, "a", 1)

	hl := h.healer(t)
	_, err := hl.Heal(context.Background())
	require.NoError(t, err)
	putsAfterFirst := h.replicas.TotalPuts()

	report, err := hl.Heal(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Fetched)
	assert.Empty(t, report.Results)
	assert.Equal(t, putsAfterFirst, h.replicas.TotalPuts())
}

func TestHeal_DryRunMutatesNothing(t *testing.T) {
	replicas := testutil.NewReplicas(1, 2, 3)
	replicas[1].Seed("K1", []byte("blob"))

	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	stores := make(map[blobstore.ID]blobstore.Blobstore)
	for id, f := range replicas {
		stores[id] = blobstore.NewDryRunStore(f, logger.With().Uint32("blobstore", uint32(id)).Logger())
	}
	router, err := multiplex.NewRouter(multiplex.RouterConfig{Stores: stores, Logger: zerolog.Nop()})
	require.NoError(t, err)

	queue := testutil.OpenQueue(t)
	require.NoError(t, queue.Add(context.Background(), []syncqueue.Entry{{Key: "K1", BlobstoreID: 1}}))

	hl, err := New(Config{
		Replicas: router,
		Queue:    syncqueue.NewDryRunQueue(queue, logger),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	report, err := hl.Heal(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("K1")
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.False(t, replicas[2].Has("K1"))
	assert.False(t, replicas[3].Has("K1"))

	n, err := queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := logs.String()
	assert.Contains(t, out, "would put blob")
	assert.Contains(t, out, "would delete sync queue entries")
}

func TestHeal_ProbesWhenNoUsableEvidence(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.replicas[2].Seed("stale", []byte("still here"))
	h.enqueue(t, "stale", 9) // replica 9 is no longer configured

	report, err := h.healer(t).Heal(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("stale")
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, []blobstore.ID{2}, res.Claimed)
	assert.Equal(t, []blobstore.ID{1, 3}, res.Missing)
	assert.True(t, h.replicas[1].Has("stale"))
	assert.True(t, h.replicas[3].Has("stale"))

	for _, f := range h.replicas {
		_, _, exists := f.Calls()
		assert.Equal(t, 1, exists)
	}
	assert.Empty(t, h.queued(t, "stale"))
}

func TestHeal_ProbeFindsEveryReplica(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.replicas[1].Seed("k", []byte("v"))
	h.replicas[2].Seed("k", []byte("v"))
	h.enqueue(t, "k", 7)

	report, err := h.healer(t).Heal(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("k")
	assert.Equal(t, OutcomeAlreadyComplete, res.Outcome)
	assert.Zero(t, h.replicas.TotalGets())
	assert.Empty(t, h.queued(t, "k"))
}

func TestHeal_ProbeFindsNothing(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.replicas[1].FailExists(errors.New("timeout"))
	h.enqueue(t, "ghost", 5)

	report, err := h.healer(t).Heal(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("ghost")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonSourceUnavailable, res.Reason)
	assert.Equal(t, []blobstore.ID{5}, h.queued(t, "ghost"))
}

func TestHeal_PartialPutFailureRecordsEvidence(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.replicas[1].Seed("p", []byte("payload"))
	h.replicas[3].FailPuts(errors.New("disk full"))
	h.enqueue(t, "p", 1)

	hl := h.healer(t)
	report, err := hl.Heal(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("p")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonReplicateError, res.Reason)
	assert.Equal(t, []blobstore.ID{3}, res.Failed)
	assert.ErrorContains(t, res.Err, "disk full")
	assert.Zero(t, report.Deleted)

	// Original entry kept, replica 2 recorded as holding the blob
	assert.ElementsMatch(t, []blobstore.ID{1, 2}, h.queued(t, "p"))

	// Next pass copies to replica 3 only
	h.replicas[3].FailPuts(nil)
	report, err = hl.Heal(context.Background())
	require.NoError(t, err)

	res, _ = report.Result("p")
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, []blobstore.ID{3}, res.Missing)
	_, puts2, _ := h.replicas[2].Calls()
	assert.Equal(t, 1, puts2)
	assert.Empty(t, h.queued(t, "p"))
}

type failingQueue struct {
	syncqueue.Queue
	fetchErr  error
	deleteErr error
}

func (q *failingQueue) FetchBatch(ctx context.Context, limit int, keyLike string) ([]syncqueue.Entry, error) {
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}
	return q.Queue.FetchBatch(ctx, limit, keyLike)
}

func (q *failingQueue) Delete(ctx context.Context, entries []syncqueue.Entry) error {
	if q.deleteErr != nil {
		return q.deleteErr
	}
	return q.Queue.Delete(ctx, entries)
}

func TestHeal_DeleteFailureFailsPass(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.enqueue(t, "k", 1, 2)

	boom := errors.New("database is locked")
	hl := h.healer(t, func(c *Config) { c.Queue = &failingQueue{Queue: h.queue, deleteErr: boom} })

	report, err := hl.Heal(context.Background())
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Count(OutcomeAlreadyComplete))
	assert.Len(t, h.queued(t, "k"), 2)
}

func TestHeal_FetchFailureFailsPass(t *testing.T) {
	h := newHarness(t, 1, 2)
	boom := errors.New("no such host")
	hl := h.healer(t, func(c *Config) { c.Queue = &failingQueue{Queue: h.queue, fetchErr: boom} })

	_, err := hl.Heal(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestHeal_KeyFilter(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.replicas[1].Seed("repo/a", []byte("a"))
	h.enqueue(t, "repo/a", 1)
	h.enqueue(t, "other/b", 1) // not seeded anywhere

	report, err := h.healer(t, func(c *Config) { c.KeyLike = "repo/%" }).Heal(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeHealed, report.Results[0].Outcome)
	assert.Equal(t, []blobstore.ID{1}, h.queued(t, "other/b"))
}

func TestHeal_KeyFilterFailure(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.enqueue(t, "missing/key", 1)

	report, err := h.healer(t, func(c *Config) { c.KeyLike = "missing/%" }).Heal(context.Background())
	assert.ErrorIs(t, err, ErrFilteredKeyFailed)
	assert.Equal(t, 1, report.Count(OutcomeFailed))
}

func TestHeal_KeyFilterWithoutMatches(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.enqueue(t, "k", 1, 2)

	report, err := h.healer(t, func(c *Config) { c.KeyLike = "nothing%" }).Heal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Zero(t, report.Deleted)
}

func TestHeal_RespectsBatchLimit(t *testing.T) {
	h := newHarness(t, 1, 2)
	for _, k := range []string{"a", "b", "c"} {
		h.enqueue(t, k, 1, 2)
	}

	report, err := h.healer(t, func(c *Config) { c.SyncQueueLimit = 4 }).Heal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Fetched)
	assert.Len(t, report.Results, 2)

	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHeal_CancelledContextDeletesNothing(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.enqueue(t, "k", 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.healer(t).Heal(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.queued(t, "k"), 2)
}

func TestHeal_RateLimitedPuts(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.replicas[1].Seed("r", []byte("rate"))
	h.enqueue(t, "r", 1)

	hl := h.healer(t, func(c *Config) { c.PutRateLimit = 1000 })
	require.NotNil(t, hl.limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := hl.Heal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeHealed))
}

func TestHeal_RecordsMetrics(t *testing.T) {
	old := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	t.Cleanup(func() { metrics.Registry = old })
	m := metrics.InitMetrics("test", "dev", false)

	h := newHarness(t, 1, 2)
	h.replicas[1].Seed("m", []byte("12345"))
	h.enqueue(t, "m", 1)
	h.enqueue(t, "done", 1, 2)

	_, err := h.healer(t, func(c *Config) { c.Metrics = m }).Heal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3.0, promtest.ToFloat64(m.EntriesFetched))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.EntriesDeleted))
	assert.Equal(t, 5.0, promtest.ToFloat64(m.BytesCopied))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.KeysHealed.WithLabelValues("healed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.KeysHealed.WithLabelValues("already_complete")))
}

// putGate holds every Put on the stores it wraps until released, tracking
// how many are in flight at once.
type putGate struct {
	release chan struct{}

	mu       sync.Mutex
	inFlight int
	peak     int
}

func newPutGate() *putGate {
	return &putGate{release: make(chan struct{})}
}

func (g *putGate) wrap(s blobstore.Blobstore) blobstore.Blobstore {
	return &gatedStore{Blobstore: s, gate: g}
}

func (g *putGate) current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *putGate) maxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

type gatedStore struct {
	blobstore.Blobstore
	gate *putGate
}

func (s *gatedStore) Put(ctx context.Context, key string, data []byte) error {
	g := s.gate
	g.mu.Lock()
	g.inFlight++
	g.peak = max(g.peak, g.inFlight)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Blobstore.Put(ctx, key, data)
}

// gatedHealer builds a healer whose writes to the gated replicas block on gate.
func (h *harness) gatedHealer(t *testing.T, gate *putGate, gated []blobstore.ID, mutate ...func(*Config)) *Healer {
	t.Helper()
	stores := h.replicas.Stores()
	for _, id := range gated {
		stores[id] = gate.wrap(stores[id])
	}
	router, err := multiplex.NewRouter(multiplex.RouterConfig{Stores: stores, Logger: zerolog.Nop()})
	require.NoError(t, err)
	h.router = router
	return h.healer(t, mutate...)
}

func TestHeal_BoundsKeyConcurrency(t *testing.T) {
	const concurrency = 3
	h := newHarness(t, 1, 2)
	for i := 0; i < 12; i++ {
		key := fmt.Sprintf("key-%02d", i)
		h.replicas[1].Seed(key, []byte(key))
		h.enqueue(t, key, 1)
	}

	gate := newPutGate()
	hl := h.gatedHealer(t, gate, []blobstore.ID{2}, func(c *Config) { c.KeyConcurrency = concurrency })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type outcome struct {
		report *Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := hl.Heal(ctx)
		done <- outcome{report, err}
	}()

	require.Eventually(t, func() bool { return gate.current() == concurrency }, 5*time.Second, 5*time.Millisecond)
	// Remaining keys must wait for a slot while the first ones are blocked.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, concurrency, gate.current())
	close(gate.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 12, res.report.Count(OutcomeHealed))
	assert.Equal(t, concurrency, gate.maxInFlight())
}

func TestHeal_WritesMissingReplicasConcurrently(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.replicas[1].Seed("fan", []byte("fan out"))
	h.enqueue(t, "fan", 1)

	gate := newPutGate()
	hl := h.gatedHealer(t, gate, []blobstore.ID{2, 3}, func(c *Config) { c.KeyConcurrency = 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := hl.Heal(ctx)
		done <- err
	}()

	// Both puts for the single key are in flight before either completes.
	require.Eventually(t, func() bool { return gate.current() == 2 }, 5*time.Second, 5*time.Millisecond)
	close(gate.release)

	require.NoError(t, <-done)
	assert.Equal(t, 2, gate.maxInFlight())
	assert.True(t, h.replicas[2].Has("fan"))
	assert.True(t, h.replicas[3].Has("fan"))
}

func TestHeal_UnknownReplicaWarningCarriesPass(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.enqueue(t, "orphan", 1, 2, 9)

	var logs bytes.Buffer
	hl := h.healer(t, func(c *Config) { c.Logger = zerolog.New(&logs) })

	report, err := hl.Heal(context.Background())
	require.NoError(t, err)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		if ev["message"] != "Sync queue entry names a blobstore outside the multiplex" {
			continue
		}
		found = true
		assert.Equal(t, report.PassID, ev["pass"])
		assert.Equal(t, "orphan", ev["key"])
	}
	assert.True(t, found, "expected a warning for blobstore 9")
	assert.Equal(t, 3, report.Deleted)
}

func TestIDList(t *testing.T) {
	assert.Equal(t, "", idList(nil))
	assert.Equal(t, "3", idList([]blobstore.ID{3}))
	assert.Equal(t, "1,2,10", idList([]blobstore.ID{1, 2, 10}))
}
