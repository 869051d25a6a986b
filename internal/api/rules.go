package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cadence/internal/automation"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/events"
	"github.com/foxzi/cadence/internal/metrics"
)

// RuleRequest is the body for POST /rules
type RuleRequest struct {
	Name         string                  `json:"name"`
	Trigger      events.Type             `json:"trigger"`
	Action       automation.ActionConfig `json:"action"`
	DelayMinutes int                     `json:"delay_minutes"`
	IsActive     *bool                   `json:"is_active,omitempty"`
}

// ToggleRequest is the body for POST /rules/{id}/toggle. Without Active the
// rule flips.
type ToggleRequest struct {
	Active *bool `json:"active,omitempty"`
}

// RulesResponse is the response for GET /rules
type RulesResponse struct {
	Rules []*automation.Rule `json:"rules"`
}

// DeleteRuleResponse reports how many pending firings were voided
type DeleteRuleResponse struct {
	ID      string `json:"id"`
	Voided  int64  `json:"voided_firings"`
	Deleted bool   `json:"deleted"`
}

// EventResponse is the response for POST /events
type EventResponse struct {
	Accepted bool `json:"accepted"`
}

// ContactRequest is the body for POST /contacts. Subscribed and Active
// default to true.
type ContactRequest struct {
	Name       string            `json:"name"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Groups     []string          `json:"groups,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Subscribed *bool             `json:"subscribed,omitempty"`
	Active     *bool             `json:"active,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// handleListRules handles GET /rules
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Engine.ListRules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rules == nil {
		rules = []*automation.Rule{}
	}
	s.sendJSON(w, http.StatusOK, RulesResponse{Rules: rules})
}

// handleCreateRule handles POST /rules
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	rule := &automation.Rule{
		Name:         strings.TrimSpace(req.Name),
		Trigger:      req.Trigger,
		Action:       req.Action,
		DelayMinutes: req.DelayMinutes,
		IsActive:     req.IsActive == nil || *req.IsActive,
	}
	if err := s.deps.Engine.CreateRule(r.Context(), rule); err != nil {
		s.fail(w, r, err)
		return
	}

	s.logger.Info("rule created via API",
		"rule_id", rule.ID,
		"trigger", rule.Trigger,
		"action", rule.Action.Type,
		"delay_minutes", rule.DelayMinutes,
	)
	s.sendJSON(w, http.StatusCreated, rule)
}

// handleGetRule handles GET /rules/{id}
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Engine.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

// handleToggleRule handles POST /rules/{id}/toggle
func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !s.decode(w, r, &req, true) {
		return
	}

	id := chi.URLParam(r, "id")
	active := false
	if req.Active != nil {
		active = *req.Active
	} else {
		rule, err := s.deps.Engine.GetRule(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		active = !rule.IsActive
	}

	rule, err := s.deps.Engine.ToggleRule(r.Context(), id, active)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

// handleDeleteRule handles DELETE /rules/{id}
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	voided, err := s.deps.Engine.DeleteRule(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, DeleteRuleResponse{ID: id, Voided: voided, Deleted: true})
}

// handlePublishEvent handles POST /events
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if !s.decode(w, r, &ev, false) {
		return
	}
	if err := ev.Validate(); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}

	metrics.IncEvents(string(ev.Type), "api")
	if err := s.deps.Events.OnEvent(r.Context(), ev); err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, EventResponse{Accepted: true})
}

// handleCreateContact handles POST /contacts and emits new_contact
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Email == "" && req.Phone == "" {
		s.sendError(w, http.StatusBadRequest, "email or phone is required")
		return
	}

	c := &contacts.Contact{
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.TrimSpace(req.Email),
		Phone:      strings.TrimSpace(req.Phone),
		Groups:     req.Groups,
		Tags:       req.Tags,
		Subscribed: req.Subscribed == nil || *req.Subscribed,
		Active:     req.Active == nil || *req.Active,
		Attributes: req.Attributes,
	}
	if err := s.deps.Contacts.Create(r.Context(), c); err != nil {
		s.fail(w, r, err)
		return
	}

	ev := events.Event{Type: events.NewContact, ContactID: c.ID, OccurredAt: c.CreatedAt}
	metrics.IncEvents(string(ev.Type), "api")
	if err := s.deps.Events.OnEvent(r.Context(), ev); err != nil {
		// The contact exists; rules for it simply did not fire.
		s.logger.Error("failed to publish new_contact", "contact_id", c.ID, "error", err)
	}

	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetContact handles GET /contacts/{id}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Contacts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}
