// Package healer reconciles the replicas of a multiplexed blob store using
// the sync queue as evidence of which replicas hold each key.
//
// A pass fetches one batch of queue entries, groups them by key and drives
// every key to already complete, healed or failed. Entries are drained only
// for keys that every replica now holds, so a crash mid-pass leaves the
// queue intact and the next pass derives the same gaps again.
package healer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/metrics"
	"github.com/blobmux/healer/internal/syncqueue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrFilteredKeyFailed is returned when a pass restricted by a key filter
// failed to heal one of its keys.
var ErrFilteredKeyFailed = errors.New("filtered key failed to heal")

const (
	// DefaultSyncQueueLimit is the default batch size.
	DefaultSyncQueueLimit = 10000
	// DefaultKeyConcurrency bounds how many keys are healed at once.
	DefaultKeyConcurrency = 16
)

// Replicas is the multiplexed store as seen by the healer.
type Replicas interface {
	IDs() []blobstore.ID
	Get(ctx context.Context, key string, candidates []blobstore.ID) ([]byte, blobstore.ID, error)
	Put(ctx context.Context, key string, data []byte, id blobstore.ID) error
	Exists(ctx context.Context, key string, id blobstore.ID) (bool, error)
}

// Config contains configuration for the healer.
type Config struct {
	Replicas Replicas
	Queue    syncqueue.Queue

	SyncQueueLimit int     // entries per pass (default: 10000)
	KeyLike        string  // optional SQL LIKE filter on keys
	KeyConcurrency int     // keys healed concurrently (default: 16)
	PutRateLimit   float64 // puts per second across the pass, 0 = unlimited

	Metrics *metrics.HealerMetrics // optional
	Logger  zerolog.Logger
}

// Healer runs healing passes.
type Healer struct {
	replicas    Replicas
	all         []blobstore.ID
	queue       syncqueue.Queue
	limit       int
	keyLike     string
	concurrency int
	limiter     *rate.Limiter
	metrics     *metrics.HealerMetrics
	logger      zerolog.Logger
}

// New creates a healer.
func New(cfg Config) (*Healer, error) {
	if cfg.Replicas == nil {
		return nil, fmt.Errorf("replicas are required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("sync queue is required")
	}
	all := cfg.Replicas.IDs()
	if len(all) == 0 {
		return nil, fmt.Errorf("multiplex has no replicas")
	}
	if cfg.SyncQueueLimit <= 0 {
		cfg.SyncQueueLimit = DefaultSyncQueueLimit
	}
	if cfg.KeyConcurrency <= 0 {
		cfg.KeyConcurrency = DefaultKeyConcurrency
	}

	h := &Healer{
		replicas:    cfg.Replicas,
		all:         all,
		queue:       cfg.Queue,
		limit:       cfg.SyncQueueLimit,
		keyLike:     cfg.KeyLike,
		concurrency: cfg.KeyConcurrency,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With().Str("component", "healer").Logger(),
	}
	if cfg.PutRateLimit > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.PutRateLimit), max(1, int(cfg.PutRateLimit)))
	}
	return h, nil
}

// keyGap is the derived replica gap for one key.
type keyGap struct {
	key     string
	entries []syncqueue.Entry
	claimed []blobstore.ID
	missing []blobstore.ID
}

// Heal runs one pass. Individual key failures are reported in the Report
// and do not fail the pass, unless the healer was given a key filter.
func (h *Healer) Heal(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{PassID: uuid.NewString()}
	logger := h.logger.With().Str("pass", report.PassID).Logger()

	entries, err := h.queue.FetchBatch(ctx, h.limit, h.keyLike)
	if err != nil {
		h.passError()
		return report, fmt.Errorf("fetch sync queue batch: %w", err)
	}
	report.Fetched = len(entries)
	if h.metrics != nil {
		h.metrics.EntriesFetched.Add(float64(len(entries)))
	}

	gaps := h.gaps(logger, entries)
	logger.Debug().
		Int("entries", len(entries)).
		Int("keys", len(gaps)).
		Msg("Fetched sync queue batch")

	results := make([]Result, len(gaps))
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, gap := range gaps {
		i, gap := i, gap
		g.Go(func() error {
			results[i] = h.healKey(ctx, gap)
			h.logResult(logger, results[i])
			return nil
		})
	}
	_ = g.Wait()
	report.Results = results

	if err := ctx.Err(); err != nil {
		h.passError()
		return report, err
	}

	var drain []syncqueue.Entry
	for _, res := range results {
		if h.metrics != nil {
			h.metrics.KeysHealed.WithLabelValues(string(res.Outcome)).Inc()
			h.metrics.BytesCopied.Add(float64(res.Bytes))
		}
		if res.Outcome == OutcomeAlreadyComplete || res.Outcome == OutcomeHealed {
			drain = append(drain, res.entries...)
		}
	}
	if len(drain) > 0 {
		if err := h.queue.Delete(ctx, drain); err != nil {
			h.passError()
			return report, fmt.Errorf("drain sync queue: %w", err)
		}
		report.Deleted = len(drain)
		if h.metrics != nil {
			h.metrics.EntriesDeleted.Add(float64(len(drain)))
		}
	}

	if h.metrics != nil {
		h.metrics.PassDuration.Observe(time.Since(start).Seconds())
	}
	logger.Info().
		Int("entries", report.Fetched).
		Int("already_complete", report.Count(OutcomeAlreadyComplete)).
		Int("healed", report.Count(OutcomeHealed)).
		Int("failed", report.Count(OutcomeFailed)).
		Int("deleted", report.Deleted).
		Dur("duration", time.Since(start)).
		Msg("Healing pass complete")

	if h.keyLike != "" {
		if n := report.Count(OutcomeFailed); n > 0 {
			return report, fmt.Errorf("%w: %d of %d keys matching %q", ErrFilteredKeyFailed, n, len(results), h.keyLike)
		}
	}
	return report, nil
}

func (h *Healer) passError() {
	if h.metrics != nil {
		h.metrics.PassErrors.Inc()
	}
}

// gaps groups entries by key in batch order. Entries naming a replica that
// is not part of the multiplex are drained with their key but never count
// as evidence.
func (h *Healer) gaps(logger zerolog.Logger, entries []syncqueue.Entry) []keyGap {
	index := make(map[string]int)
	var gaps []keyGap
	for _, e := range entries {
		i, ok := index[e.Key]
		if !ok {
			i = len(gaps)
			index[e.Key] = i
			gaps = append(gaps, keyGap{key: e.Key})
		}
		gaps[i].entries = append(gaps[i].entries, e)
		if !slices.Contains(h.all, e.BlobstoreID) {
			logger.Warn().
				Str("key", e.Key).
				Uint32("blobstore", uint32(e.BlobstoreID)).
				Msg("Sync queue entry names a blobstore outside the multiplex")
			continue
		}
		if !slices.Contains(gaps[i].claimed, e.BlobstoreID) {
			gaps[i].claimed = append(gaps[i].claimed, e.BlobstoreID)
		}
	}
	for i := range gaps {
		slices.Sort(gaps[i].claimed)
		gaps[i].missing = difference(h.all, gaps[i].claimed)
	}
	return gaps
}

func (h *Healer) healKey(ctx context.Context, gap keyGap) Result {
	res := Result{
		Key:     gap.key,
		Claimed: gap.claimed,
		Missing: gap.missing,
		entries: gap.entries,
	}

	if len(gap.missing) == 0 {
		res.Outcome = OutcomeAlreadyComplete
		return res
	}

	if len(gap.claimed) == 0 {
		// No usable evidence: find out which replicas already hold the blob.
		res.Claimed = h.probe(ctx, gap.key)
		res.Missing = difference(h.all, res.Claimed)
		if len(res.Claimed) == 0 {
			res.Outcome = OutcomeFailed
			res.Reason = ReasonSourceUnavailable
			res.Err = fmt.Errorf("no replica holds %q", gap.key)
			return res
		}
		if len(res.Missing) == 0 {
			res.Outcome = OutcomeAlreadyComplete
			return res
		}
	}

	data, source, err := h.replicas.Get(ctx, gap.key, res.Claimed)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = ReasonSourceUnavailable
		res.Err = err
		return res
	}
	res.Source = source

	var healed []blobstore.ID
	for _, pr := range h.putAll(ctx, gap.key, data, res.Missing) {
		if pr.err != nil {
			res.Failed = append(res.Failed, pr.id)
			res.Err = errors.Join(res.Err, pr.err)
			continue
		}
		healed = append(healed, pr.id)
		res.Bytes += len(data)
	}
	slices.Sort(res.Failed)

	if len(res.Failed) == 0 {
		res.Outcome = OutcomeHealed
		return res
	}

	res.Outcome = OutcomeFailed
	res.Reason = ReasonReplicateError
	h.recordPartial(ctx, gap.key, healed)
	return res
}

// probe asks every replica whether it holds key. Probe errors count as
// absent.
func (h *Healer) probe(ctx context.Context, key string) []blobstore.ID {
	var holders []blobstore.ID
	for _, id := range h.all {
		ok, err := h.replicas.Exists(ctx, key, id)
		if err != nil {
			h.logger.Debug().Err(err).
				Str("key", key).
				Uint32("blobstore", uint32(id)).
				Msg("Existence probe failed")
			continue
		}
		if ok {
			holders = append(holders, id)
		}
	}
	return holders
}

type putResult struct {
	id  blobstore.ID
	err error
}

// putAll writes data to every target concurrently and waits for all of them.
func (h *Healer) putAll(ctx context.Context, key string, data []byte, targets []blobstore.ID) []putResult {
	results := make(chan putResult, len(targets))
	for _, id := range targets {
		go func(id blobstore.ID) {
			if h.limiter != nil {
				if err := h.limiter.Wait(ctx); err != nil {
					results <- putResult{id: id, err: fmt.Errorf("rate limit: %w", err)}
					return
				}
			}
			results <- putResult{id: id, err: h.replicas.Put(ctx, key, data, id)}
		}(id)
	}

	out := make([]putResult, 0, len(targets))
	for range targets {
		out = append(out, <-results)
	}
	return out
}

// recordPartial appends queue evidence for replicas that accepted the blob
// in a pass where others failed, so the next pass only copies to the rest.
func (h *Healer) recordPartial(ctx context.Context, key string, healed []blobstore.ID) {
	if len(healed) == 0 {
		return
	}
	op := uuid.New()
	entries := make([]syncqueue.Entry, 0, len(healed))
	for _, id := range healed {
		entries = append(entries, syncqueue.Entry{Key: key, BlobstoreID: id, OperationKey: op})
	}
	if err := h.queue.Add(ctx, entries); err != nil {
		h.logger.Warn().Err(err).
			Str("key", key).
			Msg("Failed to record partially healed replicas")
	}
}

func (h *Healer) logResult(logger zerolog.Logger, res Result) {
	var ev *zerolog.Event
	if res.Outcome == OutcomeFailed {
		ev = logger.Warn().Err(res.Err).Str("reason", string(res.Reason)).Str("failed", idList(res.Failed))
	} else {
		ev = logger.Info()
	}
	ev.Str("outcome", string(res.Outcome)).
		Str("key", res.Key).
		Str("missing", idList(res.Missing)).
		Msg("Classified key")
}

func difference(all, claimed []blobstore.ID) []blobstore.ID {
	var out []blobstore.ID
	for _, id := range all {
		if !slices.Contains(claimed, id) {
			out = append(out, id)
		}
	}
	return out
}

func idList(ids []blobstore.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
