package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cadence/internal/events"
	"github.com/foxzi/cadence/internal/metrics"
)

// MaxQuantity caps the units a single checkout may book
const MaxQuantity = 1000

// CheckoutRequest books quantity units of a catalog item
type CheckoutRequest struct {
	CatalogItemID string   `json:"catalog_item_id"`
	Quantity      int      `json:"quantity"`
	Customer      Customer `json:"customer"`
}

// Validate checks the request shape
func (r *CheckoutRequest) Validate() error {
	if r.CatalogItemID == "" {
		return fmt.Errorf("%w: catalog_item_id is required", ErrInvalidCheckout)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidCheckout)
	}
	if r.Quantity > MaxQuantity {
		return fmt.Errorf("%w: quantity must not exceed %d", ErrInvalidCheckout, MaxQuantity)
	}
	if strings.TrimSpace(r.Customer.Name) == "" {
		return fmt.Errorf("%w: customer name is required", ErrInvalidCheckout)
	}
	if r.Customer.Email == "" && r.Customer.Phone == "" {
		return fmt.Errorf("%w: customer email or phone is required", ErrInvalidCheckout)
	}
	return nil
}

// CheckoutSession is returned to the client after checkout
type CheckoutSession struct {
	SessionID     string `json:"session_id"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	ReservationID string `json:"reservation_id"`
	Status        Status `json:"status"`
}

// PaymentView is the read-only status a client polls
type PaymentView struct {
	SessionID     string        `json:"session_id"`
	ReservationID string        `json:"reservation_id"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Status        Status        `json:"status"`
}

// ServiceConfig contains checkout settings
type ServiceConfig struct {
	SuccessURL string
	CancelURL  string
}

// Service opens checkouts and answers status queries. Reservation state is
// only changed by the reconciler.
type Service struct {
	repo       *Repository
	gateway    Gateway
	reconciler *Reconciler
	sink       events.Sink
	cfg        ServiceConfig
	logger     *slog.Logger
}

// NewService creates a checkout service
func NewService(repo *Repository, gateway Gateway, reconciler *Reconciler, sink events.Sink, cfg ServiceConfig, logger *slog.Logger) *Service {
	if sink == nil {
		sink = events.Discard
	}
	return &Service{
		repo:       repo,
		gateway:    gateway,
		reconciler: reconciler,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
	}
}

// CreateCheckoutSession creates a reservation. Free items are confirmed
// immediately; paid items get a gateway session and are reconciled in the
// background.
func (s *Service) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	item, err := s.repo.GetCatalogItem(ctx, req.CatalogItemID)
	if err != nil {
		return nil, err
	}
	if item.PriceCents < 0 {
		return nil, fmt.Errorf("%w: catalog item %s has a negative price", ErrInvalidCheckout, item.ID)
	}
	if item.PriceCents > math.MaxInt64/int64(req.Quantity) {
		return nil, fmt.Errorf("%w: amount overflows", ErrInvalidCheckout)
	}

	res := &Reservation{
		ID:            uuid.New().String(),
		CatalogItemID: item.ID,
		Quantity:      req.Quantity,
		Customer:      req.Customer,
		AmountCents:   item.PriceCents * int64(req.Quantity),
		Currency:      item.Currency,
	}

	if res.AmountCents == 0 {
		now := time.Now().UTC()
		res.SessionID = "free_" + res.ID
		res.PaymentMethod = MethodFree
		res.PaymentStatus = PaymentPaid
		res.Status = StatusConfirmed
		res.ResolvedAt = &now
		if err := s.repo.CreateReservation(ctx, res); err != nil {
			return nil, err
		}
		s.logger.Info("free reservation confirmed", "reservation_id", res.ID, "catalog_item_id", item.ID)
		s.emitBooking(ctx, res)
		return &CheckoutSession{SessionID: res.SessionID, ReservationID: res.ID, Status: res.Status}, nil
	}

	res.PaymentMethod = MethodPaid
	res.PaymentStatus = PaymentPending
	res.Status = StatusPending
	if err := s.repo.CreateReservation(ctx, res); err != nil {
		return nil, err
	}

	sess, err := s.gateway.CreateSession(ctx, &SessionRequest{
		ReservationID: res.ID,
		Description:   item.Name,
		AmountCents:   res.AmountCents,
		Currency:      res.Currency,
		Quantity:      res.Quantity,
		CustomerEmail: res.Customer.Email,
		SuccessURL:    s.cfg.SuccessURL,
		CancelURL:     s.cfg.CancelURL,
		Metadata:      map[string]string{"reservation_id": res.ID},
	})
	if err != nil {
		if abandonErr := s.repo.Abandon(ctx, res.ID); abandonErr != nil {
			s.logger.Error("failed to abandon reservation", "reservation_id", res.ID, "error", abandonErr)
		}
		return nil, fmt.Errorf("failed to open checkout session: %w", err)
	}
	if err := s.repo.AttachSession(ctx, res.ID, sess.ID); err != nil {
		return nil, err
	}
	res.SessionID = sess.ID

	s.logger.Info("checkout session opened",
		"reservation_id", res.ID,
		"session_id", sess.ID,
		"amount_cents", res.AmountCents,
	)
	s.emitBooking(ctx, res)
	if s.reconciler != nil {
		s.reconciler.Track(ctx, sess.ID)
	}

	return &CheckoutSession{
		SessionID:     sess.ID,
		RedirectURL:   sess.URL,
		ReservationID: res.ID,
		Status:        res.Status,
	}, nil
}

// GetPaymentStatus reads reconciled state. It never calls the gateway.
func (s *Service) GetPaymentStatus(ctx context.Context, sessionID string) (*PaymentView, error) {
	res, err := s.repo.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &PaymentView{
		SessionID:     res.SessionID,
		ReservationID: res.ID,
		PaymentStatus: res.PaymentStatus,
		Status:        res.Status,
	}, nil
}

func (s *Service) emitBooking(ctx context.Context, res *Reservation) {
	if res.Customer.ContactID == "" {
		return
	}
	ev := events.Event{
		Type:          events.BookingCreated,
		ContactID:     res.Customer.ContactID,
		ReservationID: res.ID,
		Data: map[string]string{
			"catalog_item_id": res.CatalogItemID,
			"quantity":        strconv.Itoa(res.Quantity),
			"payment_method":  string(res.PaymentMethod),
		},
		OccurredAt: res.CreatedAt,
	}
	metrics.IncEvents(string(ev.Type), "checkout")
	if err := s.sink.OnEvent(ctx, ev); err != nil {
		s.logger.Error("failed to publish booking_created", "reservation_id", res.ID, "error", err)
	}
}
