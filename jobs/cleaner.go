// Package jobs holds background maintenance loops.
package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"zipchat/metrics"
)

// DefaultCleanupInterval is how often expired messages are purged.
const DefaultCleanupInterval = time.Minute

// Purger removes expired messages and reports how many rows went away.
type Purger interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// ExpiryCleaner periodically purges expired messages.
type ExpiryCleaner struct {
	store    Purger
	interval time.Duration
	log      logrus.FieldLogger
}

// NewExpiryCleaner returns a cleaner; a non-positive interval uses DefaultCleanupInterval.
func NewExpiryCleaner(store Purger, interval time.Duration, log logrus.FieldLogger) *ExpiryCleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExpiryCleaner{
		store:    store,
		interval: interval,
		log:      log.WithField("component", "expiry_cleaner"),
	}
}

// RunOnce performs one sweep.
func (c *ExpiryCleaner) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	deleted, err := c.store.CleanupExpired(ctx)
	metrics.StoreDuration.WithLabelValues("cleanup_expired").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		metrics.MessagesPurged.Add(float64(deleted))
	}
	return deleted, nil
}

// Run sweeps every interval until ctx is cancelled. A failed sweep is logged
// and the next tick tries again.
func (c *ExpiryCleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := c.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.WithError(err).Error("expired message cleanup failed")
				continue
			}
			if deleted > 0 {
				c.log.WithField("deleted", deleted).Info("purged expired messages")
			}
		case <-ctx.Done():
			return
		}
	}
}
