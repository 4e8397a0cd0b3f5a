// Package multiplex presents a set of named replicas as one logical blob
// store. The Router addresses replicas individually for the healer; the
// multiplexed Blobstore fans writes out to every replica and records each
// success in the sync queue.
package multiplex

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/rs/zerolog"
)

var (
	// ErrAllSourcesFailed is returned by Get when no candidate replica
	// produced the blob.
	ErrAllSourcesFailed = errors.New("all sources failed")

	// ErrUnknownBlobstore is returned when an id is not part of the multiplex.
	ErrUnknownBlobstore = errors.New("unknown blobstore")
)

// SourceOrder selects the order in which Get tries candidate replicas.
type SourceOrder string

const (
	// SourceOrderOrdered tries candidates in the order given.
	SourceOrderOrdered SourceOrder = "ordered"
	// SourceOrderRandom shuffles candidates on every call to spread load.
	SourceOrderRandom SourceOrder = "random"
)

// PutError reports a failed write to a single replica.
type PutError struct {
	ID  blobstore.ID
	Err error
}

func (e *PutError) Error() string {
	return fmt.Sprintf("put to blobstore %s: %v", e.ID, e.Err)
}

func (e *PutError) Unwrap() error { return e.Err }

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	Stores      map[blobstore.ID]blobstore.Blobstore
	SourceOrder SourceOrder // default: ordered
	Logger      zerolog.Logger
}

// Router maps replica ids to their stores.
type Router struct {
	stores  map[blobstore.ID]blobstore.Blobstore
	ids     []blobstore.ID
	order   SourceOrder
	shuffle func([]blobstore.ID)
	logger  zerolog.Logger
}

// NewRouter creates a router over cfg.Stores.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if len(cfg.Stores) == 0 {
		return nil, fmt.Errorf("multiplex requires at least one blobstore")
	}
	switch cfg.SourceOrder {
	case "":
		cfg.SourceOrder = SourceOrderOrdered
	case SourceOrderOrdered, SourceOrderRandom:
	default:
		return nil, fmt.Errorf("unknown source order %q", cfg.SourceOrder)
	}

	ids := make([]blobstore.ID, 0, len(cfg.Stores))
	for id := range cfg.Stores {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return &Router{
		stores: cfg.Stores,
		ids:    ids,
		order:  cfg.SourceOrder,
		shuffle: func(s []blobstore.ID) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		},
		logger: cfg.Logger.With().Str("component", "multiplex").Logger(),
	}, nil
}

// IDs returns every replica id in ascending order.
func (r *Router) IDs() []blobstore.ID {
	return slices.Clone(r.ids)
}

// Has reports whether id belongs to the multiplex.
func (r *Router) Has(id blobstore.ID) bool {
	_, ok := r.stores[id]
	return ok
}

// Get fetches key from the first candidate that returns it, and reports
// which replica served it. Absent blobs and backend errors both move on to
// the next candidate.
func (r *Router) Get(ctx context.Context, key string, candidates []blobstore.ID) ([]byte, blobstore.ID, error) {
	order := slices.Clone(candidates)
	if r.order == SourceOrderRandom {
		r.shuffle(order)
	}

	var errs []error
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		store, ok := r.stores[id]
		if !ok {
			errs = append(errs, fmt.Errorf("blobstore %s: %w", id, ErrUnknownBlobstore))
			continue
		}
		data, err := store.Get(ctx, key)
		if err != nil {
			r.logger.Debug().Err(err).
				Str("key", key).
				Uint32("blobstore", uint32(id)).
				Msg("Source did not return blob")
			errs = append(errs, fmt.Errorf("blobstore %s: %w", id, err))
			continue
		}
		return data, id, nil
	}

	if len(errs) == 0 {
		return nil, 0, fmt.Errorf("%w: no candidates for %q", ErrAllSourcesFailed, key)
	}
	return nil, 0, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
}

// Put writes data to exactly one replica.
func (r *Router) Put(ctx context.Context, key string, data []byte, id blobstore.ID) error {
	store, ok := r.stores[id]
	if !ok {
		return &PutError{ID: id, Err: ErrUnknownBlobstore}
	}
	if err := store.Put(ctx, key, data); err != nil {
		return &PutError{ID: id, Err: err}
	}
	return nil
}

// Exists probes a single replica for key.
func (r *Router) Exists(ctx context.Context, key string, id blobstore.ID) (bool, error) {
	store, ok := r.stores[id]
	if !ok {
		return false, fmt.Errorf("blobstore %s: %w", id, ErrUnknownBlobstore)
	}
	return store.Exists(ctx, key)
}

// Ping checks connectivity of every replica that supports it.
func (r *Router) Ping(ctx context.Context) error {
	for _, id := range r.ids {
		if err := blobstore.Ping(ctx, r.stores[id]); err != nil {
			return fmt.Errorf("blobstore %s unreachable: %w", id, err)
		}
	}
	return nil
}

// Close closes every replica, returning the joined errors.
func (r *Router) Close() error {
	var errs []error
	for _, id := range r.ids {
		if err := blobstore.Close(r.stores[id]); err != nil {
			errs = append(errs, fmt.Errorf("close blobstore %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
