package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings
type CleanerConfig struct {
	// Terminal items older than Retention are deleted
	Retention time.Duration
	Interval  time.Duration
}

// Cleaner deletes finished schedulables after the retention period
type Cleaner struct {
	store    *Store
	cfg      CleanerConfig
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewCleaner creates a new cleaner service
func NewCleaner(store *Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop. Zero retention disables it.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.Retention <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started", "retention", c.cfg.Retention, "interval", c.cfg.Interval)
}

// Stop stops the cleaner and waits for the loop to exit
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce purges items finished before now minus the retention
func (c *Cleaner) RunOnce(ctx context.Context) {
	deleted, err := c.store.Purge(ctx, time.Now().Add(-c.cfg.Retention))
	if err != nil {
		c.logger.Error("failed to purge schedulables", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("purged finished schedulables", "deleted", deleted)
	}
}
