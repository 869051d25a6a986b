package channel

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/cadence/internal/ratelimit"
)

// Throttled wraps a Sender with send pacing and hourly/daily quotas.
// A recipient over quota fails with a reason instead of blocking the dispatch.
type Throttled struct {
	kind   Kind
	next   Sender
	pacer  *rate.Limiter
	quota  *ratelimit.Limiter
	logger *slog.Logger
}

// NewThrottled wraps next. perSecond <= 0 disables pacing; a nil quota
// disables quotas.
func NewThrottled(kind Kind, next Sender, perSecond float64, burst int, quota *ratelimit.Limiter, logger *slog.Logger) *Throttled {
	t := &Throttled{kind: kind, next: next, quota: quota, logger: logger}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		t.pacer = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return t
}

// Send waits for a pacing token, charges the quota, then delegates.
// A send abandoned while waiting for pacing never counts against the quota.
func (t *Throttled) Send(ctx context.Context, cfg SenderConfig, to Recipient, content Content) Result {
	if t.pacer != nil {
		if err := t.pacer.Wait(ctx); err != nil {
			return Failed("rate limit wait: %v", err)
		}
	}

	if t.quota != nil {
		res, err := t.quota.Allow(ctx, &ratelimit.Request{Channel: string(t.kind), Owner: cfg.OwnerID})
		if err != nil {
			return Failed("rate limit check: %v", err)
		}
		if !res.Allowed {
			t.logger.Warn("delivery rate limited",
				"channel", t.kind,
				"owner_id", cfg.OwnerID,
				"denied_by", res.DeniedBy,
				"retry_after", res.RetryAfter,
			)
			return Failed("rate limited by %s, retry after %s", res.DeniedBy, res.RetryAfter.Round(time.Second))
		}
	}

	return t.next.Send(ctx, cfg, to, content)
}
