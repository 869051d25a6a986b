// Package dispatch claims due schedulables and fans them out to recipients.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/schedule"
)

// Plan is what a handler prepared for one dispatch
type Plan struct {
	// Channel labels outcomes and selects the recipient address; empty for
	// actions that don't deliver over a channel.
	Channel    channel.Kind
	Recipients []*contacts.Contact
	Deliver    func(ctx context.Context, c *contacts.Contact, cfg channel.SenderConfig) channel.Result
}

// Handler prepares dispatches for one kind of schedulable
type Handler interface {
	Prepare(ctx context.Context, item *schedule.Item, asOf time.Time) (*Plan, error)
}

// Config contains dispatcher settings
type Config struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	// Concurrency bounds parallel sends within one dispatch.
	Concurrency int
	StaleAfter  time.Duration
	SendTimeout time.Duration
}

// Dispatcher runs worker loops that claim and deliver due schedulables
type Dispatcher struct {
	store    *schedule.Store
	configs  channel.ConfigSource
	handlers map[schedule.Kind]Handler
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a dispatcher
func New(store *schedule.Store, configs channel.ConfigSource, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}

	return &Dispatcher{
		store:    store,
		configs:  configs,
		handlers: make(map[schedule.Kind]Handler),
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/foxzi/cadence/internal/dispatch"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Handle registers the handler for a kind
func (d *Dispatcher) Handle(kind schedule.Kind, h Handler) {
	d.handlers[kind] = h
}

// Start starts the worker loops
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatcher", "workers", d.cfg.Workers, "poll_interval", d.cfg.PollInterval)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop stops the workers and waits for in-flight dispatches
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher")
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	logger := d.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-d.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				logger.Error("dispatch pass failed", "error", err)
			}
		}
	}
}

// DispatchOnce runs one pass over due items and returns how many this
// caller finalized.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	ids, err := d.store.Due(ctx, d.now(), d.cfg.StaleAfter, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var done int
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ok, err := d.dispatch(ctx, id)
		if err != nil {
			d.logger.Error("dispatch failed", "id", id, "error", err)
			continue
		}
		if ok {
			done++
		}
	}
	return done, nil
}

// dispatch claims one item and, if the claim is won, delivers and finalizes it
func (d *Dispatcher) dispatch(ctx context.Context, id string) (bool, error) {
	claimedAt := d.now()
	claim, err := d.store.Claim(ctx, id, claimedAt, d.cfg.StaleAfter)
	if errors.Is(err, schedule.ErrClaimConflict) || errors.Is(err, schedule.ErrNotFound) {
		metrics.IncClaims("conflict")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if claim.Stale {
		metrics.IncClaims("stale")
	} else {
		metrics.IncClaims("won")
	}

	item := claim.Item
	logger := d.logger.With("id", item.ID, "kind", item.Kind, "attempt", item.AttemptCount)

	// A claimed item runs to completion: shutdown stops new claims but
	// never cuts a dispatch short. Each send stays bounded by SendTimeout.
	ctx = context.WithoutCancel(ctx)

	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("schedulable.id", item.ID),
			attribute.String("schedulable.kind", string(item.Kind)),
			attribute.Int("schedulable.attempt", item.AttemptCount),
			attribute.Bool("schedulable.stale_claim", claim.Stale),
		),
	)
	defer span.End()

	outcomes, lastErr := d.run(ctx, item, claimedAt, logger)
	state := schedule.Aggregate(outcomes)
	if lastErr != "" {
		state = schedule.StateFailed
	}
	span.SetAttributes(attribute.Int("recipients", len(outcomes)), attribute.String("state", string(state)))

	finCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err = d.store.Finalize(finCtx, item.ID, claim.Token, state, outcomes, lastErr)
	if errors.Is(err, schedule.ErrStaleClaim) {
		logger.Warn("claim lost before finalize, outcomes discarded")
		span.SetStatus(codes.Error, "stale claim")
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to finalize %s: %w", item.ID, err)
	}

	metrics.ObserveDispatch(string(item.Kind), string(state), d.now().Sub(claimedAt).Seconds())
	logger.Info("dispatch finalized", "state", state, "recipients", len(outcomes))
	return true, nil
}

// run prepares the item and delivers to each recipient. A non-empty lastErr
// means the dispatch could not be prepared at all.
func (d *Dispatcher) run(ctx context.Context, item *schedule.Item, asOf time.Time, logger *slog.Logger) ([]schedule.Outcome, string) {
	h, ok := d.handlers[item.Kind]
	if !ok {
		return nil, fmt.Sprintf("no handler for kind %s", item.Kind)
	}

	cfg, err := d.configs.SenderConfig(ctx, item.OwnerID)
	if err != nil {
		logger.Error("failed to resolve sender config", "error", err)
		return nil, fmt.Sprintf("sender config: %v", err)
	}

	plan, err := h.Prepare(ctx, item, asOf)
	if err != nil {
		logger.Error("failed to prepare dispatch", "error", err)
		return nil, fmt.Sprintf("prepare: %v", err)
	}
	if len(plan.Recipients) == 0 {
		logger.Info("no recipients matched")
		return nil, ""
	}

	outcomes := make([]schedule.Outcome, len(plan.Recipients))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, c := range plan.Recipients {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()

			res := plan.Deliver(sendCtx, c, cfg)
			outcomes[i] = toOutcome(item.ID, plan.Channel, c, res)
			metrics.IncOutcome(string(plan.Channel), string(outcomes[i].Status))
			if !res.Delivered {
				logger.Debug("recipient failed", "contact_id", c.ID, "reason", res.Reason)
			}
			// Never fail the group: siblings keep sending.
			return nil
		})
	}
	g.Wait()

	return outcomes, ""
}

func toOutcome(itemID string, k channel.Kind, c *contacts.Contact, res channel.Result) schedule.Outcome {
	o := schedule.Outcome{
		ItemID:    itemID,
		ContactID: c.ID,
		Address:   RecipientOf(c).Address(k),
		Status:    schedule.OutcomeDelivered,
	}
	if !res.Delivered {
		o.Status = schedule.OutcomeFailed
		o.Reason = res.Reason
	}
	return o
}

// RecipientOf returns the addressable part of a contact
func RecipientOf(c *contacts.Contact) channel.Recipient {
	return channel.Recipient{ContactID: c.ID, Name: c.Name, Email: c.Email, Phone: c.Phone}
}
