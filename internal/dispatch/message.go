package dispatch

import (
	"context"
	"time"

	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/schedule"
)

// Resolver expands a targeting criterion into contacts
type Resolver interface {
	Resolve(ctx context.Context, c contacts.Criterion, asOf time.Time) ([]*contacts.Contact, error)
}

// MessageHandler dispatches campaigns and reminders: the message is rendered
// per contact and sent over its channel.
type MessageHandler struct {
	resolver Resolver
	senders  *channel.Registry
}

// NewMessageHandler creates a handler for message-carrying kinds
func NewMessageHandler(resolver Resolver, senders *channel.Registry) *MessageHandler {
	return &MessageHandler{resolver: resolver, senders: senders}
}

// Prepare decodes the message, picks the sender and resolves recipients
func (h *MessageHandler) Prepare(ctx context.Context, item *schedule.Item, asOf time.Time) (*Plan, error) {
	msg, err := item.Message()
	if err != nil {
		return nil, err
	}

	sender, err := h.senders.Get(msg.Channel)
	if err != nil {
		return nil, err
	}

	recipients, err := h.resolver.Resolve(ctx, msg.Target, asOf)
	if err != nil {
		return nil, err
	}

	content := msg.Content()
	return &Plan{
		Channel:    msg.Channel,
		Recipients: recipients,
		Deliver: func(ctx context.Context, c *contacts.Contact, cfg channel.SenderConfig) channel.Result {
			vars := channel.MergeVars(msg.Variables, c.Vars())
			return sender.Send(ctx, cfg, RecipientOf(c), channel.Render(content, vars))
		},
	}, nil
}
