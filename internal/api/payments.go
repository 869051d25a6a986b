package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/payment"
)

// ReconcileResponse is the response for POST /payments/{sessionId}/reconcile
type ReconcileResponse struct {
	SessionID string          `json:"session_id"`
	Outcome   payment.Outcome `json:"outcome"`
}

// WebhookResponse acknowledges a gateway webhook
type WebhookResponse struct {
	Received bool            `json:"received"`
	Outcome  payment.Outcome `json:"outcome,omitempty"`
}

func (s *Server) paymentsEnabled(w http.ResponseWriter) bool {
	if s.deps.Payments == nil || s.deps.Reconciler == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return false
	}
	return true
}

// handleCheckout handles POST /checkout
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if !s.paymentsEnabled(w) {
		return
	}

	var req payment.CheckoutRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	sess, err := s.deps.Payments.CreateCheckoutSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, sess)
}

// handlePaymentStatus handles GET /payments/{sessionId}. It only reads
// reconciled state.
func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	if !s.paymentsEnabled(w) {
		return
	}

	view, err := s.deps.Payments.GetPaymentStatus(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, view)
}

// handleReconcile handles POST /payments/{sessionId}/reconcile. It polls the
// gateway until the session settles and answers 504 when it does not.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if !s.paymentsEnabled(w) {
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	outcome, err := s.deps.Reconciler.Reconcile(r.Context(), sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ReconcileResponse{SessionID: sessionID, Outcome: outcome})
}

// handlePaymentWebhook handles POST /payments/webhook
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.paymentsEnabled(w) {
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ev, err := payment.ParseWebhook(s.deps.WebhookSecret, r.Header.Get(payment.SignatureHeader), payload, s.now(), payment.DefaultTolerance)
	if err != nil {
		s.logger.Warn("rejected payment webhook", "remote_addr", r.RemoteAddr, "error", err)
		if errors.Is(err, payment.ErrInvalidSignature) {
			metrics.IncAPIErrors("invalid_signature")
			s.sendError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
		s.sendError(w, http.StatusBadRequest, "Invalid webhook")
		return
	}

	if !ev.Status.Terminal() {
		s.sendJSON(w, http.StatusOK, WebhookResponse{Received: true})
		return
	}

	outcome, err := s.deps.Reconciler.Apply(r.Context(), ev.SessionID, ev.Status)
	if errors.Is(err, payment.ErrNotFound) {
		// Not ours, or already purged; the gateway must not keep retrying.
		s.logger.Warn("webhook for unknown session", "session_id", ev.SessionID)
		s.sendJSON(w, http.StatusOK, WebhookResponse{Received: true})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, WebhookResponse{Received: true, Outcome: outcome})
}
