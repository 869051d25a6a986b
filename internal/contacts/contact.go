// Package contacts stores marketing contacts and resolves targeting
// criteria into concrete recipients.
package contacts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a contact does not exist
	ErrNotFound = errors.New("contact not found")

	// ErrInvalidCriterion is returned for a criterion without exactly one selector
	ErrInvalidCriterion = errors.New("invalid targeting criterion")
)

// Subscription filter values
const (
	Subscribed   = "subscribed"
	Unsubscribed = "unsubscribed"
)

// Contact is a marketing contact
type Contact struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Email          string            `json:"email,omitempty"`
	Phone          string            `json:"phone,omitempty"`
	Groups         []string          `json:"groups,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Subscribed     bool              `json:"subscribed"`
	Active         bool              `json:"active"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Vars returns the template variables a contact contributes to rendering
func (c *Contact) Vars() map[string]string {
	vars := make(map[string]string, len(c.Attributes)+4)
	for k, v := range c.Attributes {
		vars[k] = v
	}
	vars["contact_id"] = c.ID
	vars["name"] = c.Name
	vars["email"] = c.Email
	vars["phone"] = c.Phone
	return vars
}

// Patch describes a partial contact update. Nil fields are left unchanged.
type Patch struct {
	AddTags       []string          `json:"add_tags,omitempty"`
	RemoveTags    []string          `json:"remove_tags,omitempty"`
	AddGroup      string            `json:"add_group,omitempty"`
	SetSubscribed *bool             `json:"set_subscribed,omitempty"`
	SetActive     *bool             `json:"set_active,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p *Patch) Empty() bool {
	return len(p.AddTags) == 0 && len(p.RemoveTags) == 0 && p.AddGroup == "" &&
		p.SetSubscribed == nil && p.SetActive == nil && len(p.Attributes) == 0
}

// Criterion selects recipients. Exactly one selector must be set;
// IncludeInactive modifies any of them.
type Criterion struct {
	ContactIDs      []string `json:"contact_ids,omitempty"`
	Group           string   `json:"group,omitempty"`
	Tags            []string `json:"tags,omitempty"` // union
	Subscription    string   `json:"subscription,omitempty"`
	All             bool     `json:"all,omitempty"`
	IncludeInactive bool     `json:"include_inactive,omitempty"`
}

// Validate checks that exactly one selector is set
func (c Criterion) Validate() error {
	n := 0
	if len(c.ContactIDs) > 0 {
		n++
	}
	if strings.TrimSpace(c.Group) != "" {
		n++
	}
	if len(c.Tags) > 0 {
		n++
	}
	if c.Subscription != "" {
		if c.Subscription != Subscribed && c.Subscription != Unsubscribed {
			return fmt.Errorf("%w: subscription must be %s or %s", ErrInvalidCriterion, Subscribed, Unsubscribed)
		}
		n++
	}
	if c.All {
		n++
	}

	switch {
	case n == 0:
		return fmt.Errorf("%w: no selector set", ErrInvalidCriterion)
	case n > 1:
		return fmt.Errorf("%w: more than one selector set", ErrInvalidCriterion)
	}
	return nil
}

// ForContact targets a single contact regardless of its active flag
func ForContact(id string) Criterion {
	return Criterion{ContactIDs: []string{id}, IncludeInactive: true}
}

func normalizeLabels(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
