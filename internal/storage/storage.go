// Package storage assembles the replicas, sync queue and lag monitors of
// one configured storage.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/config"
	"github.com/blobmux/healer/internal/multiplex"
	"github.com/blobmux/healer/internal/replag"
	"github.com/blobmux/healer/internal/syncqueue"
	"github.com/rs/zerolog"
)

// Options selects what to open.
type Options struct {
	StorageID string
	// DryRun wraps every replica and the sync queue so that mutations are
	// logged instead of performed.
	DryRun bool
	Logger zerolog.Logger
}

// Storage is an opened, multiplexed storage.
type Storage struct {
	ID       string
	Router   *multiplex.Router
	Queue    syncqueue.Queue
	Monitors []replag.Monitor

	sqlQueue *syncqueue.SQLQueue
	regions  []*replag.HeartbeatMonitor
	logger   zerolog.Logger
}

// Open opens the storage named by opts.StorageID. On error nothing is left
// open.
func Open(ctx context.Context, cfg *config.Config, opts Options) (_ *Storage, err error) {
	st, err := cfg.Storage(opts.StorageID)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		ID:     opts.StorageID,
		logger: opts.Logger.With().Str("component", "storage").Str("storage", opts.StorageID).Logger(),
	}
	stores := make(map[blobstore.ID]blobstore.Blobstore, len(st.Blobstores))
	defer func() {
		if err != nil {
			for _, bs := range stores {
				_ = blobstore.Close(bs)
			}
			_ = s.closeQueueAndRegions()
		}
	}()

	for _, bc := range st.Blobstores {
		id := blobstore.ID(bc.ID)
		bs, err := blobstore.Open(ctx, bc.Options())
		if err != nil {
			return nil, fmt.Errorf("blobstore %s: %w", id, err)
		}
		if opts.DryRun {
			bs = blobstore.NewDryRunStore(bs, opts.Logger.With().Uint32("blobstore", bc.ID).Logger())
		}
		stores[id] = bs
		s.logger.Debug().
			Uint32("blobstore", bc.ID).
			Str("type", bc.Type).
			Str("prefix", bc.Prefix).
			Bool("compress", bc.Compress).
			Msg("Opened blobstore")
	}

	s.Router, err = multiplex.NewRouter(multiplex.RouterConfig{
		Stores:      stores,
		SourceOrder: multiplex.SourceOrder(cfg.Healer.SourceOrder),
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	s.sqlQueue, err = syncqueue.Open(ctx, st.SyncQueue.DSN)
	if err != nil {
		return nil, err
	}
	s.Queue = s.sqlQueue
	if opts.DryRun {
		s.Queue = syncqueue.NewDryRunQueue(s.sqlQueue, opts.Logger)
	}

	for _, rc := range cfg.MonitoredRegions() {
		m, err := replag.OpenHeartbeat(replag.HeartbeatConfig{Name: rc.Name, DSN: rc.DSN, Query: rc.Query})
		if err != nil {
			return nil, err
		}
		s.regions = append(s.regions, m)
		s.Monitors = append(s.Monitors, m)
	}

	return s, nil
}

// Len returns the number of queued entries.
func (s *Storage) Len(ctx context.Context) (int, error) {
	return s.sqlQueue.Len(ctx)
}

// Ping checks the sync queue, every replica and every monitored region, so
// that the healer fails before its first pass rather than during it.
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.sqlQueue.Ping(ctx); err != nil {
		return fmt.Errorf("sync queue unreachable: %w", err)
	}
	if err := s.Router.Ping(ctx); err != nil {
		return err
	}
	for _, m := range s.regions {
		if err := m.Ping(ctx); err != nil {
			return fmt.Errorf("region %s unreachable: %w", m.Name(), err)
		}
	}
	s.logger.Debug().
		Int("blobstores", len(s.Router.IDs())).
		Int("regions", len(s.regions)).
		Msg("Storage reachable")
	return nil
}

// Close closes everything Open opened.
func (s *Storage) Close() error {
	var errs []error
	if s.Router != nil {
		errs = append(errs, s.Router.Close())
	}
	errs = append(errs, s.closeQueueAndRegions())
	return errors.Join(errs...)
}

func (s *Storage) closeQueueAndRegions() error {
	var errs []error
	if s.sqlQueue != nil {
		errs = append(errs, s.sqlQueue.Close())
	}
	for _, m := range s.regions {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
