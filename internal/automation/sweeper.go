package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/cadence/internal/events"
	"github.com/foxzi/cadence/internal/metrics"
)

// IdleDeactivator flips idle contacts to inactive and reports which ones
type IdleDeactivator interface {
	DeactivateIdle(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	Reactivate(ctx context.Context, id string) error
}

// SweeperConfig contains inactivity sweep settings
type SweeperConfig struct {
	InactiveAfter time.Duration
	Interval      time.Duration
	BatchSize     int
}

// Sweeper emits inactive_contact for contacts idle longer than InactiveAfter
type Sweeper struct {
	contacts IdleDeactivator
	sink     events.Sink
	cfg      SweeperConfig
	logger   *slog.Logger
	now      func() time.Time

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates an inactivity sweeper
func NewSweeper(contacts IdleDeactivator, sink events.Sink, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweeper{
		contacts: contacts,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start starts the sweep loop. Zero InactiveAfter disables it.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cfg.InactiveAfter <= 0 {
		return
	}
	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("inactivity sweeper started", "inactive_after", s.cfg.InactiveAfter, "interval", s.cfg.Interval)
}

// Stop stops the sweeper and waits for the loop to exit
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("inactivity sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce deactivates idle contacts batch by batch and emits one event per
// contact it transitioned. It returns the number of events emitted.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.InactiveAfter)

	emitted := 0
	for {
		ids, err := s.contacts.DeactivateIdle(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return emitted, err
		}
		for i, id := range ids {
			ev := events.Event{Type: events.InactiveContact, ContactID: id, OccurredAt: now}
			if err := s.sink.OnEvent(ctx, ev); err != nil {
				s.logger.Error("failed to emit inactive_contact", "contact_id", id, "error", err)
				// Hand the unannounced contacts back to the next sweep.
				s.restore(ctx, ids[i:])
				return emitted, fmt.Errorf("failed to emit inactive_contact for %s: %w", id, err)
			}
			metrics.IncEvents(string(ev.Type), "sweeper")
			emitted++
		}
		if len(ids) < s.cfg.BatchSize {
			break
		}
	}

	if emitted > 0 {
		s.logger.Info("inactive contacts swept", "count", emitted)
	}
	return emitted, nil
}

func (s *Sweeper) restore(ctx context.Context, ids []string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if err := s.contacts.Reactivate(ctx, id); err != nil {
			s.logger.Error("failed to reactivate contact", "contact_id", id, "error", err)
		}
	}
}
