package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/events"
	"github.com/foxzi/cadence/internal/metrics"
)

// activitySink refreshes the subject contact's last activity and then hands
// the event to next. inactive_contact is the sweeper's own verdict and must
// not count as activity.
type activitySink struct {
	contacts *contacts.Repository
	next     events.Sink
	logger   *slog.Logger
}

func (s *activitySink) OnEvent(ctx context.Context, ev events.Event) error {
	if ev.Type != events.InactiveContact && !ev.OccurredAt.IsZero() {
		err := s.contacts.Touch(ctx, ev.ContactID, ev.OccurredAt)
		if err != nil && !errors.Is(err, contacts.ErrNotFound) {
			s.logger.Warn("failed to record contact activity", "contact_id", ev.ContactID, "error", err)
		}
	}
	return s.next.OnEvent(ctx, ev)
}

// countedSink counts events arriving from source before forwarding them
func countedSink(source string, next events.Sink) events.Sink {
	return events.SinkFunc(func(ctx context.Context, ev events.Event) error {
		metrics.IncEvents(string(ev.Type), source)
		return next.OnEvent(ctx, ev)
	})
}
