package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/schedule"
)

// ContactUpdater applies a patch to one contact
type ContactUpdater interface {
	Apply(ctx context.Context, id string, p contacts.Patch) error
}

// ActionHandler dispatches rule_action items. The recipient is always the
// event's subject contact, resolved like any other target.
type ActionHandler struct {
	resolver dispatch.Resolver
	senders  *channel.Registry
	store    *schedule.Store
	contacts ContactUpdater
	now      func() time.Time
}

// NewActionHandler creates a rule_action handler
func NewActionHandler(resolver dispatch.Resolver, senders *channel.Registry, store *schedule.Store, updater ContactUpdater) *ActionHandler {
	return &ActionHandler{
		resolver: resolver,
		senders:  senders,
		store:    store,
		contacts: updater,
		now:      time.Now,
	}
}

// Prepare decodes the firing and builds the delivery for its action
func (h *ActionHandler) Prepare(ctx context.Context, item *schedule.Item, asOf time.Time) (*dispatch.Plan, error) {
	var f Firing
	if err := json.Unmarshal(item.Payload, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", schedule.ErrInvalidPayload, err)
	}
	if err := f.Action.Validate(); err != nil {
		return nil, err
	}

	recipients, err := h.resolver.Resolve(ctx, contacts.ForContact(f.Event.ContactID), asOf)
	if err != nil {
		return nil, err
	}

	plan := &dispatch.Plan{Recipients: recipients}
	event := eventVars(f.Event)

	switch f.Action.Type {
	case ActionSendEmail:
		a := f.Action.SendEmail
		plan.Channel = channel.Email
		plan.Deliver, err = h.sendVia(channel.Email, channel.Content{Subject: a.Subject, Text: a.Body, HTML: a.HTML}, event)
	case ActionSendWhatsApp:
		plan.Channel = channel.WhatsApp
		plan.Deliver, err = h.sendVia(channel.WhatsApp, channel.Content{Text: f.Action.SendWhatsApp.Text}, event)
	case ActionCreateReminder:
		plan.Deliver = h.createReminder(item, *f.Action.CreateReminder)
	case ActionUpdateContact:
		patch := *f.Action.UpdateContact
		plan.Deliver = func(ctx context.Context, c *contacts.Contact, _ channel.SenderConfig) channel.Result {
			if err := h.contacts.Apply(ctx, c.ID, patch); err != nil {
				return channel.Failed("update contact: %v", err)
			}
			return channel.Delivered()
		}
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (h *ActionHandler) sendVia(k channel.Kind, content channel.Content, event map[string]string) (func(context.Context, *contacts.Contact, channel.SenderConfig) channel.Result, error) {
	sender, err := h.senders.Get(k)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, c *contacts.Contact, cfg channel.SenderConfig) channel.Result {
		vars := channel.MergeVars(event, c.Vars())
		return sender.Send(ctx, cfg, dispatch.RecipientOf(c), channel.Render(content, vars))
	}, nil
}

// createReminder schedules a reminder for the contact. The reminder ID is
// derived from the firing so a re-run after a lost claim finds the reminder
// it already created instead of adding a second one.
func (h *ActionHandler) createReminder(item *schedule.Item, r CreateReminder) func(context.Context, *contacts.Contact, channel.SenderConfig) channel.Result {
	return func(ctx context.Context, c *contacts.Contact, _ channel.SenderConfig) channel.Result {
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(item.ID+"/"+c.ID)).String()
		if _, err := h.store.Get(ctx, id); err == nil {
			return channel.Delivered()
		} else if !errors.Is(err, schedule.ErrNotFound) {
			return channel.Failed("lookup reminder: %v", err)
		}

		reminder, err := schedule.NewMessageItem(schedule.KindReminder, item.OwnerID, schedule.Message{
			Channel: r.Channel,
			Target:  contacts.ForContact(c.ID),
			Subject: r.Subject,
			Body:    r.Body,
		})
		if err != nil {
			return channel.Failed("build reminder: %v", err)
		}
		due := h.now().UTC().Add(time.Duration(r.OffsetMinutes) * time.Minute)
		reminder.ID = id
		reminder.State = schedule.StateScheduled
		reminder.DueAt = &due

		if err := h.store.Create(ctx, reminder); err != nil {
			return channel.Failed("create reminder: %v", err)
		}
		return channel.Delivered()
	}
}
