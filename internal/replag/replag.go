// Package replag measures database replication lag for the healer's
// throttle.
package replag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrLagUnknown is returned when a region cannot report its lag.
var ErrLagUnknown = errors.New("replication lag unknown")

// DefaultHeartbeatQuery selects the newest heartbeat as unix seconds. The
// lag is the distance between that heartbeat and the local clock.
const DefaultHeartbeatQuery = `SELECT MAX(ts) FROM heartbeat`

// Monitor reports the replication lag of one database region.
type Monitor interface {
	Name() string
	ReplicaLag(ctx context.Context) (time.Duration, error)
}

// HeartbeatConfig configures a HeartbeatMonitor.
type HeartbeatConfig struct {
	Name string
	DSN  string
	// Query overrides the heartbeat query. A custom query must return a
	// single row with the lag in seconds.
	Query string
}

// HeartbeatMonitor derives lag from a replica database.
type HeartbeatMonitor struct {
	name      string
	db        *sql.DB
	query     string
	heartbeat bool
	now       func() time.Time
}

// OpenHeartbeat opens the replica database for region cfg.Name.
func OpenHeartbeat(cfg HeartbeatConfig) (*HeartbeatMonitor, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("region name is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", cfg.Name, err)
	}
	m := &HeartbeatMonitor{
		name:      cfg.Name,
		db:        db,
		query:     cfg.Query,
		heartbeat: cfg.Query == "",
		now:       time.Now,
	}
	if m.heartbeat {
		m.query = DefaultHeartbeatQuery
	}
	return m, nil
}

// Name returns the region name.
func (m *HeartbeatMonitor) Name() string { return m.name }

// ReplicaLag queries the region. A NULL result means the region has no
// heartbeat yet and is reported as ErrLagUnknown.
func (m *HeartbeatMonitor) ReplicaLag(ctx context.Context) (time.Duration, error) {
	var v sql.NullFloat64
	if err := m.db.QueryRowContext(ctx, m.query).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("region %s: %w", m.name, ErrLagUnknown)
		}
		return 0, fmt.Errorf("query lag for region %s: %w", m.name, err)
	}
	if !v.Valid {
		return 0, fmt.Errorf("region %s: %w", m.name, ErrLagUnknown)
	}

	seconds := v.Float64
	if m.heartbeat {
		now := float64(m.now().UnixNano()) / float64(time.Second)
		seconds = now - v.Float64
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Ping verifies the region database is reachable.
func (m *HeartbeatMonitor) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close closes the region database.
func (m *HeartbeatMonitor) Close() error {
	return m.db.Close()
}

// Sample is the lag observed in one region.
type Sample struct {
	Region string
	Lag    time.Duration
}

// Probe queries every monitor and returns the samples. Any failing region
// fails the whole probe; there is no safe guess for a missing lag.
func Probe(ctx context.Context, monitors []Monitor) ([]Sample, error) {
	samples := make([]Sample, 0, len(monitors))
	for _, m := range monitors {
		lag, err := m.ReplicaLag(ctx)
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{Region: m.Name(), Lag: lag})
	}
	return samples, nil
}

// Max returns the largest lag, or zero for no samples.
func Max(samples []Sample) time.Duration {
	var longest time.Duration
	for _, s := range samples {
		longest = max(longest, s.Lag)
	}
	return longest
}
