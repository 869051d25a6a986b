// Package events defines domain trigger events and their transports.
package events

import (
	"context"
	"fmt"
	"time"
)

// Type is a domain trigger event type
type Type string

const (
	NewContact      Type = "new_contact"
	BookingCreated  Type = "booking_created"
	PaymentReceived Type = "payment_received"
	InactiveContact Type = "inactive_contact"
)

// Valid reports whether t is a known trigger event
func (t Type) Valid() bool {
	switch t {
	case NewContact, BookingCreated, PaymentReceived, InactiveContact:
		return true
	}
	return false
}

// Event is one domain occurrence. ContactID names the subject contact;
// ReservationID is set for booking and payment events.
type Event struct {
	Type          Type              `json:"type"`
	ContactID     string            `json:"contact_id"`
	ReservationID string            `json:"reservation_id,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// Validate checks the event shape
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
	if e.ContactID == "" {
		return fmt.Errorf("contact_id is required")
	}
	return nil
}

// Sink receives domain events
type Sink interface {
	OnEvent(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, ev Event) error

// OnEvent calls f
func (f SinkFunc) OnEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard drops every event
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
