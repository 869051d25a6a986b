package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/cadence/internal/automation"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/payment"
	"github.com/foxzi/cadence/internal/schedule"
)

// maxBodySize bounds request bodies
const maxBodySize = 1 << 20

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status       string           `json:"status"`
	Version      string           `json:"version"`
	Uptime       string           `json:"uptime"`
	Schedulables map[string]int64 `json:"schedulables,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var counts map[string]int64
	if s.deps.Store != nil {
		counts, _ = s.deps.Store.CountByState(r.Context())
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:       "ok",
		Version:      s.deps.Version,
		Uptime:       time.Since(s.startTime).String(),
		Schedulables: counts,
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		metrics.IncAPIErrors("bad_request")
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// fail maps a domain error to its HTTP status
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusOf(err)
	metrics.IncAPIErrors(kind)

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.sendError(w, status, "Internal error")
		return
	}
	s.sendError(w, status, err.Error())
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, contacts.ErrNotFound),
		errors.Is(err, automation.ErrRuleNotFound),
		errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, schedule.ErrInvalidPayload),
		errors.Is(err, contacts.ErrInvalidCriterion),
		errors.Is(err, automation.ErrInvalidRule),
		errors.Is(err, payment.ErrInvalidCheckout),
		errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, schedule.ErrInvalidTransition),
		errors.Is(err, schedule.ErrClaimed),
		errors.Is(err, schedule.ErrClaimConflict),
		errors.Is(err, schedule.ErrStaleClaim):
		return http.StatusConflict, "conflict"
	case errors.Is(err, payment.ErrPaymentTimeout):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// errInvalidRequest marks request validation failures outside the domain packages
var errInvalidRequest = errors.New("invalid request")

// pagination reads limit/offset query parameters
func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
