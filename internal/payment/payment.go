// Package payment creates checkout reservations and reconciles them with
// the external payment gateway.
package payment

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a reservation, session or catalog item does not exist
	ErrNotFound = errors.New("not found")

	// ErrPaymentTimeout is returned when polling ran out of attempts while
	// the session was still open. The reservation stays pending.
	ErrPaymentTimeout = errors.New("payment reconciliation timed out")

	// ErrInvalidSignature is returned for webhook payloads that fail verification
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidCheckout is returned for malformed checkout requests
	ErrInvalidCheckout = errors.New("invalid checkout request")

	// ErrInvalidCatalogItem is returned when a catalog item cannot be stored
	ErrInvalidCatalogItem = errors.New("invalid catalog item")
)

// PaymentStatus is the payment side of a reservation
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
	PaymentExpired PaymentStatus = "expired"
)

// Status is the booking side of a reservation
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Method tells whether a reservation had to be paid for
type Method string

const (
	MethodPaid Method = "paid"
	MethodFree Method = "free"
)

// Customer identifies who booked
type Customer struct {
	ContactID string `json:"contact_id,omitempty"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// CatalogItem is a bookable item
type CatalogItem struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Reservation is a booking of a catalog item
type Reservation struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id,omitempty"`
	CatalogItemID string        `json:"catalog_item_id"`
	Quantity      int           `json:"quantity"`
	Customer      Customer      `json:"customer"`
	AmountCents   int64         `json:"amount_cents"`
	Currency      string        `json:"currency"`
	PaymentMethod Method        `json:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
}

// Resolved reports whether reconciliation is finished for the reservation
func (r *Reservation) Resolved() bool {
	return r.Status != StatusPending
}

// Outcome is the result of reconciling one session
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeExpired   Outcome = "expired"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	OutcomeTimeout   Outcome = "timeout"
)

// outcomeOf maps a stored reservation to the outcome it represents
func outcomeOf(r *Reservation) Outcome {
	switch {
	case r.Status == StatusConfirmed || r.Status == StatusCompleted:
		return OutcomeConfirmed
	case r.PaymentStatus == PaymentExpired:
		return OutcomeExpired
	case r.Status == StatusCancelled:
		return OutcomeFailed
	}
	return OutcomePending
}
