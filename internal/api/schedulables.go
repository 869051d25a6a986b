package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cadence/internal/schedule"
)

// MessageRequest is the body for creating a campaign or reminder
type MessageRequest struct {
	OwnerID string `json:"owner_id,omitempty"`
	schedule.Message
	// ScheduleAt creates the item already scheduled instead of as a draft
	ScheduleAt *time.Time `json:"schedule_at,omitempty"`
}

// ScheduleRequest is the body for POST .../schedule and .../retry
type ScheduleRequest struct {
	DueAt *time.Time `json:"due_at"`
}

// SchedulablesResponse is the response for GET /schedulables
type SchedulablesResponse struct {
	Items []*schedule.Item `json:"items"`
}

// OutcomesResponse is the response for GET /schedulables/{id}/outcomes
type OutcomesResponse struct {
	ID       string             `json:"id"`
	State    schedule.State     `json:"state"`
	Outcomes []schedule.Outcome `json:"outcomes"`
}

// handleCreateMessage handles POST /campaigns and POST /reminders
func (s *Server) handleCreateMessage(kind schedule.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MessageRequest
		if !s.decode(w, r, &req, false) {
			return
		}

		item, err := schedule.NewMessageItem(kind, req.OwnerID, req.Message)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if req.ScheduleAt != nil {
			due := req.ScheduleAt.UTC()
			item.State = schedule.StateScheduled
			item.DueAt = &due
		}

		if err := s.deps.Store.Create(r.Context(), item); err != nil {
			s.fail(w, r, err)
			return
		}

		s.logger.Info("schedulable created via API",
			"id", item.ID,
			"kind", item.Kind,
			"state", item.State,
			"owner_id", item.OwnerID,
		)
		s.sendJSON(w, http.StatusCreated, item)
	}
}

// handleSendNow handles POST /{campaigns,reminders}/{id}/send. Sending now
// is scheduling for the current instant; the dispatcher does the rest.
func (s *Server) handleSendNow(kind schedule.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.scheduleItem(w, r, kind, s.now())
	}
}

// handleSchedule handles POST /{campaigns,reminders}/{id}/schedule
func (s *Server) handleSchedule(kind schedule.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScheduleRequest
		if !s.decode(w, r, &req, false) {
			return
		}
		if req.DueAt == nil || req.DueAt.IsZero() {
			s.sendError(w, http.StatusBadRequest, "due_at is required")
			return
		}
		s.scheduleItem(w, r, kind, *req.DueAt)
	}
}

func (s *Server) scheduleItem(w http.ResponseWriter, r *http.Request, kind schedule.Kind, dueAt time.Time) {
	id := chi.URLParam(r, "id")
	if _, err := s.itemOfKind(r.Context(), id, kind); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Store.Schedule(r.Context(), id, dueAt); err != nil {
		s.fail(w, r, err)
		return
	}

	item, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("schedulable scheduled via API", "id", id, "kind", kind, "due_at", item.DueAt)
	s.sendJSON(w, http.StatusAccepted, item)
}

// itemOfKind loads id and treats an item of another kind as missing
func (s *Server) itemOfKind(ctx context.Context, id string, kind schedule.Kind) (*schedule.Item, error) {
	item, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s", schedule.ErrNotFound, id, item.Kind)
	}
	return item, nil
}

// handleListSchedulables handles GET /schedulables
func (s *Server) handleListSchedulables(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r)

	filter := schedule.ListFilter{
		State:  schedule.State(q.Get("state")),
		Kind:   schedule.Kind(q.Get("kind")),
		RuleID: q.Get("rule_id"),
		Limit:  limit,
		Offset: offset,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		s.sendError(w, http.StatusBadRequest, "unknown kind")
		return
	}

	items, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []*schedule.Item{}
	}
	s.sendJSON(w, http.StatusOK, SchedulablesResponse{Items: items})
}

// handleGetSchedulable handles GET /schedulables/{id}
func (s *Server) handleGetSchedulable(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, item)
}

// handleCancel handles POST /schedulables/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}

	item, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("schedulable cancelled via API", "id", id)
	s.sendJSON(w, http.StatusOK, item)
}

// handleRetry handles POST /schedulables/{id}/retry. Without a due_at the
// item is due immediately.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	dueAt := s.now()
	if req.DueAt != nil && !req.DueAt.IsZero() {
		dueAt = *req.DueAt
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Store.Retry(r.Context(), id, dueAt); err != nil {
		s.fail(w, r, err)
		return
	}

	item, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("schedulable retried via API", "id", id, "due_at", item.DueAt)
	s.sendJSON(w, http.StatusAccepted, item)
}

// handleOutcomes handles GET /schedulables/{id}/outcomes
func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	outcomes, err := s.deps.Store.Outcomes(r.Context(), item.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if outcomes == nil {
		outcomes = []schedule.Outcome{}
	}
	s.sendJSON(w, http.StatusOK, OutcomesResponse{ID: item.ID, State: item.State, Outcomes: outcomes})
}
