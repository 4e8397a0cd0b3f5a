package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// QueueSizer reports the number of entries in the sync queue.
type QueueSizer interface {
	Len(ctx context.Context) (int, error)
}

// QueueCollector periodically samples the sync queue depth.
type QueueCollector struct {
	metrics  *HealerMetrics
	queue    QueueSizer
	interval time.Duration
	logger   zerolog.Logger
}

// NewQueueCollector creates a collector sampling queue every interval
// (default: 30s).
func NewQueueCollector(m *HealerMetrics, queue QueueSizer, interval time.Duration, logger zerolog.Logger) *QueueCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &QueueCollector{
		metrics:  m,
		queue:    queue,
		interval: interval,
		logger:   logger.With().Str("component", "queue-collector").Logger(),
	}
}

// Collect samples the queue depth once.
func (c *QueueCollector) Collect(ctx context.Context) {
	n, err := c.queue.Len(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to sample sync queue depth")
		return
	}
	c.metrics.QueueDepth.Set(float64(n))
}

// Run samples until ctx is cancelled.
func (c *QueueCollector) Run(ctx context.Context) {
	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
