// Package schedule stores schedulables (campaigns, reminders, rule actions)
// and guards their lifecycle with conditional writes so that each due item
// is dispatched by exactly one worker.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/contacts"
)

var (
	ErrNotFound          = errors.New("schedulable not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrClaimConflict     = errors.New("schedulable already claimed")
	ErrStaleClaim        = errors.New("claim is no longer held")
	ErrClaimed           = errors.New("schedulable is being dispatched")
	ErrInvalidPayload    = errors.New("invalid schedulable payload")
)

// Kind is the kind of schedulable
type Kind string

const (
	KindCampaign   Kind = "campaign"
	KindReminder   Kind = "reminder"
	KindRuleAction Kind = "rule_action"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindCampaign || k == KindReminder || k == KindRuleAction
}

// State is the lifecycle state of a schedulable
type State string

const (
	StateDraft           State = "draft"
	StateScheduled       State = "scheduled"
	StateDispatching     State = "dispatching"
	StateSent            State = "sent"
	StatePartiallyFailed State = "partially_failed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no dispatch will touch the item again
func (s State) Terminal() bool {
	switch s {
	case StateSent, StatePartiallyFailed, StateFailed, StateCancelled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateDraft:       {StateScheduled, StateCancelled},
	StateScheduled:   {StateDispatching, StateCancelled},
	StateDispatching: {StateSent, StatePartiallyFailed, StateFailed},
	StateFailed:      {StateScheduled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Item is a persisted schedulable
type Item struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	State        State           `json:"state"`
	DueAt        *time.Time      `json:"due_at,omitempty"`
	OwnerID      string          `json:"owner_id,omitempty"`
	RuleID       string          `json:"rule_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	LockToken    string          `json:"-"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Message is the payload of campaigns and reminders
type Message struct {
	Channel   channel.Kind       `json:"channel"`
	Target    contacts.Criterion `json:"target"`
	Subject   string             `json:"subject,omitempty"`
	Body      string             `json:"body"`
	HTML      string             `json:"html,omitempty"`
	Variables map[string]string  `json:"variables,omitempty"`
}

// Validate checks the message before it is stored, so a bad criterion is
// rejected at creation rather than at dispatch.
func (m *Message) Validate() error {
	if !m.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidPayload, m.Channel)
	}
	if strings.TrimSpace(m.Body) == "" && strings.TrimSpace(m.HTML) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidPayload)
	}
	if m.Channel == channel.Email && strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject is required for email", ErrInvalidPayload)
	}
	return m.Target.Validate()
}

// Content returns the unrendered channel content of the message
func (m *Message) Content() channel.Content {
	return channel.Content{Subject: m.Subject, Text: m.Body, HTML: m.HTML}
}

// NewMessageItem builds a draft campaign or reminder carrying msg
func NewMessageItem(kind Kind, ownerID string, msg Message) (*Item, error) {
	if kind != KindCampaign && kind != KindReminder {
		return nil, fmt.Errorf("%w: %s items do not carry a message", ErrInvalidPayload, kind)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return &Item{Kind: kind, State: StateDraft, OwnerID: ownerID, Payload: payload}, nil
}

// Message decodes the item's payload as a Message
func (i *Item) Message() (Message, error) {
	var m Message
	if err := json.Unmarshal(i.Payload, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return m, nil
}

// OutcomeStatus is the result for one recipient
type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome records what happened to one recipient in one attempt
type Outcome struct {
	ItemID    string        `json:"item_id"`
	Attempt   int           `json:"attempt"`
	ContactID string        `json:"contact_id"`
	Address   string        `json:"address,omitempty"`
	Status    OutcomeStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Aggregate derives the terminal state of a dispatch from its outcomes.
// No recipients counts as sent.
func Aggregate(outcomes []Outcome) State {
	var delivered int
	for _, o := range outcomes {
		if o.Status == OutcomeDelivered {
			delivered++
		}
	}
	switch {
	case delivered == len(outcomes):
		return StateSent
	case delivered == 0:
		return StateFailed
	default:
		return StatePartiallyFailed
	}
}

// Claim is a held dispatch lease on an item
type Claim struct {
	Item  *Item
	Token string
	// Stale is set when the claim took over an abandoned dispatch.
	Stale bool
}

// ListFilter narrows List results
type ListFilter struct {
	State  State
	Kind   Kind
	RuleID string
	Limit  int
	Offset int
}
