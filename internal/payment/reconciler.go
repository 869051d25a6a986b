package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/foxzi/cadence/internal/events"
	"github.com/foxzi/cadence/internal/metrics"
)

// ReconcilerConfig contains polling settings
type ReconcilerConfig struct {
	Interval       time.Duration
	MaxAttempts    int
	ResumeAfter    time.Duration
	ResumeInterval time.Duration
}

// Reconciler drives pending reservations to the gateway's terminal state
type Reconciler struct {
	repo    *Repository
	gateway Gateway
	sink    events.Sink
	cfg     ReconcilerConfig
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	inflight map[string]bool

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a reconciler. Confirmations are published to sink.
func NewReconciler(repo *Repository, gateway Gateway, sink events.Sink, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.ResumeAfter <= 0 {
		cfg.ResumeAfter = time.Minute
	}
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = time.Minute
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Reconciler{
		repo:     repo,
		gateway:  gateway,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/foxzi/cadence/internal/payment"),
		inflight: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Reconcile polls the session every Interval, at most MaxAttempts times,
// until it reaches a terminal status. When attempts run out the reservation
// stays pending and ErrPaymentTimeout is returned; calling Reconcile again
// later is always safe.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	logger := r.logger.With("session_id", sessionID)

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		outcome, err := r.Poll(ctx, sessionID)
		switch {
		case errors.Is(err, ErrNotFound):
			span.SetStatus(codes.Error, "not found")
			return "", err
		case err != nil:
			logger.Warn("payment poll failed", "attempt", attempt, "error", err)
		case outcome != OutcomePending:
			span.SetAttributes(attribute.String("outcome", string(outcome)), attribute.Int("attempts", attempt))
			return outcome, nil
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(r.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	metrics.IncReconcile(string(OutcomeTimeout))
	span.SetAttributes(attribute.String("outcome", string(OutcomeTimeout)))
	logger.Info("payment still pending after polling", "attempts", r.cfg.MaxAttempts)
	return OutcomeTimeout, fmt.Errorf("%w: session %s after %d attempts", ErrPaymentTimeout, sessionID, r.cfg.MaxAttempts)
}

// Poll reads the session once and applies a terminal status. An already
// resolved reservation is reported without asking the gateway.
func (r *Reconciler) Poll(ctx context.Context, sessionID string) (Outcome, error) {
	res, err := r.repo.GetBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if res.Resolved() {
		return outcomeOf(res), nil
	}

	sess, err := r.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to read gateway session: %w", err)
	}
	if !sess.Status.Terminal() {
		return OutcomePending, nil
	}
	return r.Apply(ctx, sessionID, sess.Status)
}

// Apply writes a terminal session status to the reservation. The write only
// succeeds on a pending reservation, so late or duplicate reports (webhook
// retries, slow polls) leave a resolved reservation untouched.
func (r *Reconciler) Apply(ctx context.Context, sessionID string, status SessionStatus) (Outcome, error) {
	var (
		ps      PaymentStatus
		state   Status
		outcome Outcome
	)
	switch status {
	case SessionPaid:
		ps, state, outcome = PaymentPaid, StatusConfirmed, OutcomeConfirmed
	case SessionExpired:
		ps, state, outcome = PaymentExpired, StatusCancelled, OutcomeExpired
	case SessionFailed:
		ps, state, outcome = PaymentFailed, StatusCancelled, OutcomeFailed
	default:
		return "", fmt.Errorf("session status %q is not terminal", status)
	}

	applied, err := r.repo.Resolve(ctx, sessionID, ps, state)
	if err != nil {
		return "", err
	}

	res, err := r.repo.GetBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !applied {
		r.logger.Debug("reservation already resolved", "session_id", sessionID, "status", res.Status)
		return outcomeOf(res), nil
	}

	metrics.IncReconcile(string(outcome))
	r.logger.Info("reservation reconciled",
		"session_id", sessionID,
		"reservation_id", res.ID,
		"payment_status", ps,
		"status", state,
	)

	if outcome == OutcomeConfirmed && res.Customer.ContactID != "" {
		ev := events.Event{
			Type:          events.PaymentReceived,
			ContactID:     res.Customer.ContactID,
			ReservationID: res.ID,
			Data: map[string]string{
				"amount_cents":    strconv.FormatInt(res.AmountCents, 10),
				"currency":        res.Currency,
				"catalog_item_id": res.CatalogItemID,
			},
			OccurredAt: time.Now().UTC(),
		}
		metrics.IncEvents(string(ev.Type), "payment")
		// The confirmation is committed; a failed publish is not rolled back.
		if err := r.sink.OnEvent(ctx, ev); err != nil {
			r.logger.Error("failed to publish payment_received", "reservation_id", res.ID, "error", err)
		}
	}
	return outcome, nil
}

// Track reconciles a session in the background unless it is already being
// reconciled
func (r *Reconciler) Track(ctx context.Context, sessionID string) {
	if !r.acquire(sessionID) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(sessionID)

		ctx, cancel := r.stopContext(context.WithoutCancel(ctx))
		defer cancel()

		if _, err := r.Reconcile(ctx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Info("background reconciliation ended", "session_id", sessionID, "error", err)
		}
	}()
}

// Start starts the resume loop for reservations left pending by timeouts
// or restarts
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("reconciler started",
		"interval", r.cfg.Interval,
		"max_attempts", r.cfg.MaxAttempts,
		"resume_after", r.cfg.ResumeAfter,
	)
}

// Stop stops the resume loop and background reconciliations
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ResumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if _, err := r.ResumeOnce(ctx); err != nil {
				r.logger.Error("failed to resume reconciliation", "error", err)
			}
		}
	}
}

// ResumeOnce polls each stale pending session once and returns how many
// were resolved
func (r *Reconciler) ResumeOnce(ctx context.Context) (int, error) {
	ids, err := r.repo.ListPendingSessions(ctx, time.Now().Add(-r.cfg.ResumeAfter), 50)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if !r.acquire(id) {
			continue
		}
		outcome, err := r.Poll(ctx, id)
		r.release(id)
		if err != nil {
			r.logger.Warn("resume poll failed", "session_id", id, "error", err)
			continue
		}
		if outcome != OutcomePending {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Reconciler) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[sessionID] {
		return false
	}
	r.inflight[sessionID] = true
	return true
}

func (r *Reconciler) release(sessionID string) {
	r.mu.Lock()
	delete(r.inflight, sessionID)
	r.mu.Unlock()
}

// stopContext returns a context cancelled when the reconciler stops
func (r *Reconciler) stopContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
