// Package channel delivers rendered content to a single recipient over an
// external channel (email, WhatsApp).
package channel

import (
	"context"
	"fmt"
	"sort"
)

// Kind identifies a delivery channel
type Kind string

const (
	Email    Kind = "email"
	WhatsApp Kind = "whatsapp"
)

// Valid reports whether k is a known channel
func (k Kind) Valid() bool {
	return k == Email || k == WhatsApp
}

// Recipient is the addressable part of a contact
type Recipient struct {
	ContactID string
	Name      string
	Email     string
	Phone     string
}

// Address returns the recipient address used on the given channel
func (r Recipient) Address(k Kind) string {
	switch k {
	case Email:
		return r.Email
	case WhatsApp:
		return r.Phone
	}
	return ""
}

// Content is rendered, recipient-specific content
type Content struct {
	Subject string
	Text    string
	HTML    string
}

// Result is the outcome of one delivery attempt
type Result struct {
	Delivered bool
	Reason    string
}

// Delivered is a successful Result
func Delivered() Result {
	return Result{Delivered: true}
}

// Failed builds a failed Result
func Failed(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// SenderConfig is the sender identity for one dispatch. It is resolved once
// per dispatch and passed to every Send call of that dispatch.
type SenderConfig struct {
	OwnerID   string
	FromEmail string
	FromName  string
	ReplyTo   string
}

// Sender delivers content to a recipient. Send never returns an error:
// failures are reported in the Result so they can be recorded per recipient.
type Sender interface {
	Send(ctx context.Context, cfg SenderConfig, to Recipient, content Content) Result
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, cfg SenderConfig, to Recipient, content Content) Result

// Send calls f
func (f SenderFunc) Send(ctx context.Context, cfg SenderConfig, to Recipient, content Content) Result {
	return f(ctx, cfg, to, content)
}

// Registry maps channels to their senders
type Registry struct {
	senders map[Kind]Sender
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{senders: make(map[Kind]Sender)}
}

// Register sets the sender for a channel
func (r *Registry) Register(k Kind, s Sender) {
	r.senders[k] = s
}

// Get returns the sender for a channel
func (r *Registry) Get(k Kind) (Sender, error) {
	s, ok := r.senders[k]
	if !ok {
		return nil, fmt.Errorf("channel %q is not configured", k)
	}
	return s, nil
}

// Kinds lists the configured channels
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.senders))
	for k := range r.senders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ConfigSource resolves the sender identity for an owner
type ConfigSource interface {
	SenderConfig(ctx context.Context, ownerID string) (SenderConfig, error)
}

// StaticConfig serves sender identities from configuration: a default plus
// optional per-owner overrides.
type StaticConfig struct {
	Default SenderConfig
	Owners  map[string]SenderConfig
}

// SenderConfig returns the owner's identity, falling back to the default
// for any field the owner leaves empty.
func (s *StaticConfig) SenderConfig(_ context.Context, ownerID string) (SenderConfig, error) {
	cfg := s.Default
	if o, ok := s.Owners[ownerID]; ok {
		if o.FromEmail != "" {
			cfg.FromEmail = o.FromEmail
		}
		if o.FromName != "" {
			cfg.FromName = o.FromName
		}
		if o.ReplyTo != "" {
			cfg.ReplyTo = o.ReplyTo
		}
	}
	cfg.OwnerID = ownerID
	return cfg, nil
}
