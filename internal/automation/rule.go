// Package automation turns domain events into delayed rule actions that are
// dispatched through the schedule store.
package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/events"
)

var (
	ErrInvalidRule  = errors.New("invalid automation rule")
	ErrRuleNotFound = errors.New("automation rule not found")
)

// ActionType names what a rule does when it fires
type ActionType string

const (
	ActionSendEmail      ActionType = "send_email"
	ActionSendWhatsApp   ActionType = "send_whatsapp"
	ActionCreateReminder ActionType = "create_reminder"
	ActionUpdateContact  ActionType = "update_contact"
)

// SendEmail emails the event's contact
type SendEmail struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}

// SendWhatsApp messages the event's contact
type SendWhatsApp struct {
	Text string `json:"text"`
}

// CreateReminder schedules a reminder to the event's contact
type CreateReminder struct {
	Channel       channel.Kind `json:"channel"`
	Subject       string       `json:"subject,omitempty"`
	Body          string       `json:"body"`
	OffsetMinutes int          `json:"offset_minutes"`
}

// ActionConfig is a tagged variant: exactly the field matching Type is set
type ActionConfig struct {
	Type           ActionType      `json:"type"`
	SendEmail      *SendEmail      `json:"send_email,omitempty"`
	SendWhatsApp   *SendWhatsApp   `json:"send_whatsapp,omitempty"`
	CreateReminder *CreateReminder `json:"create_reminder,omitempty"`
	UpdateContact  *contacts.Patch `json:"update_contact,omitempty"`
}

// Validate checks the variant shape for the action type
func (a *ActionConfig) Validate() error {
	set := 0
	for _, present := range []bool{a.SendEmail != nil, a.SendWhatsApp != nil, a.CreateReminder != nil, a.UpdateContact != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: action must carry exactly one config, got %d", ErrInvalidRule, set)
	}

	switch a.Type {
	case ActionSendEmail:
		c := a.SendEmail
		if c == nil {
			return fmt.Errorf("%w: send_email config missing", ErrInvalidRule)
		}
		if strings.TrimSpace(c.Subject) == "" {
			return fmt.Errorf("%w: send_email needs a subject", ErrInvalidRule)
		}
		if strings.TrimSpace(c.Body) == "" && strings.TrimSpace(c.HTML) == "" {
			return fmt.Errorf("%w: send_email needs a body", ErrInvalidRule)
		}
	case ActionSendWhatsApp:
		if a.SendWhatsApp == nil {
			return fmt.Errorf("%w: send_whatsapp config missing", ErrInvalidRule)
		}
		if strings.TrimSpace(a.SendWhatsApp.Text) == "" {
			return fmt.Errorf("%w: send_whatsapp needs text", ErrInvalidRule)
		}
	case ActionCreateReminder:
		c := a.CreateReminder
		if c == nil {
			return fmt.Errorf("%w: create_reminder config missing", ErrInvalidRule)
		}
		if !c.Channel.Valid() {
			return fmt.Errorf("%w: create_reminder has unknown channel %q", ErrInvalidRule, c.Channel)
		}
		if strings.TrimSpace(c.Body) == "" {
			return fmt.Errorf("%w: create_reminder needs a body", ErrInvalidRule)
		}
		if c.Channel == channel.Email && strings.TrimSpace(c.Subject) == "" {
			return fmt.Errorf("%w: email reminder needs a subject", ErrInvalidRule)
		}
		if c.OffsetMinutes < 0 {
			return fmt.Errorf("%w: offset_minutes must be >= 0", ErrInvalidRule)
		}
	case ActionUpdateContact:
		if a.UpdateContact == nil {
			return fmt.Errorf("%w: update_contact config missing", ErrInvalidRule)
		}
		if a.UpdateContact.Empty() {
			return fmt.Errorf("%w: update_contact changes nothing", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidRule, a.Type)
	}
	return nil
}

// variant returns the config of the active variant
func (a *ActionConfig) variant() any {
	switch a.Type {
	case ActionSendEmail:
		return a.SendEmail
	case ActionSendWhatsApp:
		return a.SendWhatsApp
	case ActionCreateReminder:
		return a.CreateReminder
	case ActionUpdateContact:
		return a.UpdateContact
	}
	return nil
}

// decodeAction rebuilds an ActionConfig from its stored type and config
func decodeAction(t ActionType, raw []byte) (ActionConfig, error) {
	a := ActionConfig{Type: t}
	var dst any
	switch t {
	case ActionSendEmail:
		a.SendEmail = &SendEmail{}
		dst = a.SendEmail
	case ActionSendWhatsApp:
		a.SendWhatsApp = &SendWhatsApp{}
		dst = a.SendWhatsApp
	case ActionCreateReminder:
		a.CreateReminder = &CreateReminder{}
		dst = a.CreateReminder
	case ActionUpdateContact:
		a.UpdateContact = &contacts.Patch{}
		dst = a.UpdateContact
	default:
		return a, fmt.Errorf("%w: unknown action type %q", ErrInvalidRule, t)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return a, fmt.Errorf("failed to decode %s config: %w", t, err)
	}
	return a, nil
}

// bind renders event variables into the action's text. Contact variables
// are left for dispatch time.
func (a ActionConfig) bind(vars map[string]string) ActionConfig {
	switch {
	case a.SendEmail != nil:
		c := channel.Render(channel.Content{Subject: a.SendEmail.Subject, Text: a.SendEmail.Body, HTML: a.SendEmail.HTML}, vars)
		a.SendEmail = &SendEmail{Subject: c.Subject, Body: c.Text, HTML: c.HTML}
	case a.SendWhatsApp != nil:
		c := channel.Render(channel.Content{Text: a.SendWhatsApp.Text}, vars)
		a.SendWhatsApp = &SendWhatsApp{Text: c.Text}
	case a.CreateReminder != nil:
		r := *a.CreateReminder
		c := channel.Render(channel.Content{Subject: r.Subject, Text: r.Body}, vars)
		r.Subject, r.Body = c.Subject, c.Text
		a.CreateReminder = &r
	}
	return a
}

// Rule is a trigger -> action automation
type Rule struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Trigger        events.Type  `json:"trigger"`
	Action         ActionConfig `json:"action"`
	DelayMinutes   int          `json:"delay_minutes"`
	IsActive       bool         `json:"is_active"`
	ExecutionCount int64        `json:"execution_count"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Validate checks a rule before it is stored
func (r *Rule) Validate() error {
	if !r.Trigger.Valid() {
		return fmt.Errorf("%w: unknown trigger %q", ErrInvalidRule, r.Trigger)
	}
	if r.DelayMinutes < 0 {
		return fmt.Errorf("%w: delay_minutes must be >= 0", ErrInvalidRule)
	}
	return r.Action.Validate()
}

// Firing is the payload of a rule_action schedulable
type Firing struct {
	Action ActionConfig `json:"action"`
	Event  events.Event `json:"event"`
}

// eventVars are the variables an event contributes to rendering
func eventVars(ev events.Event) map[string]string {
	vars := make(map[string]string, len(ev.Data)+3)
	for k, v := range ev.Data {
		vars[k] = v
	}
	vars["event_type"] = string(ev.Type)
	vars["contact_id"] = ev.ContactID
	if ev.ReservationID != "" {
		vars["reservation_id"] = ev.ReservationID
	}
	return vars
}
