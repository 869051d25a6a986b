package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/events"
)

// fakeGateway answers GetSession from a per-session script; the last entry
// repeats once the script runs out
type fakeGateway struct {
	mu      sync.Mutex
	scripts map[string][]SessionStatus
	polls   map[string]int
	created []*SessionRequest
	fail    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{scripts: map[string][]SessionStatus{}, polls: map[string]int{}}
}

func (g *fakeGateway) CreateSession(_ context.Context, req *SessionRequest) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return nil, g.fail
	}
	g.created = append(g.created, req)
	id := "cs_" + req.ReservationID
	if _, ok := g.scripts[id]; !ok {
		g.scripts[id] = []SessionStatus{SessionOpen}
	}
	return &Session{ID: id, URL: "https://pay.example.com/" + id, Status: SessionOpen}, nil
}

func (g *fakeGateway) GetSession(_ context.Context, id string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	script, ok := g.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	n := g.polls[id]
	g.polls[id] = n + 1
	if n >= len(script) {
		n = len(script) - 1
	}
	return &Session{ID: id, Status: script[n]}, nil
}

func (g *fakeGateway) script(id string, statuses ...SessionStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[id] = statuses
	g.polls[id] = 0
}

func (g *fakeGateway) pollCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls[id]
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) OnEvent(_ context.Context, ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	repo       *Repository
	gateway    *fakeGateway
	events     *eventLog
	reconciler *Reconciler
	logger     *slog.Logger
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	d, err := db.New(filepath.Join(t.TempDir(), "payment.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	env := &testEnv{
		repo:    NewRepository(d.DB),
		gateway: newFakeGateway(),
		events:  &eventLog{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	env.reconciler = NewReconciler(env.repo, env.gateway, env.events,
		ReconcilerConfig{Interval: time.Millisecond, MaxAttempts: 8}, env.logger)
	t.Cleanup(env.reconciler.Stop)
	return env
}

// pending inserts a pending paid reservation bound to sessionID
func (e *testEnv) pending(t *testing.T, sessionID string) *Reservation {
	t.Helper()
	res := &Reservation{
		SessionID:     sessionID,
		CatalogItemID: "item-1",
		Quantity:      1,
		Customer:      Customer{ContactID: "contact-1", Name: "Ann", Email: "ann@example.com"},
		AmountCents:   2500,
		Currency:      "usd",
		PaymentMethod: MethodPaid,
		PaymentStatus: PaymentPending,
		Status:        StatusPending,
	}
	if err := e.repo.CreateReservation(context.Background(), res); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}
	return res
}

func TestReconcilePaidOnThirdAttempt(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	res := env.pending(t, "cs_1")
	env.gateway.script("cs_1", SessionOpen, SessionOpen, SessionPaid)

	outcome, err := env.reconciler.Reconcile(ctx, "cs_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome != OutcomeConfirmed {
		t.Errorf("outcome = %s, want confirmed", outcome)
	}
	if n := env.gateway.pollCount("cs_1"); n != 3 {
		t.Errorf("polls = %d, want 3", n)
	}

	got, _ := env.repo.Get(ctx, res.ID)
	if got.Status != StatusConfirmed || got.PaymentStatus != PaymentPaid || got.ResolvedAt == nil {
		t.Errorf("reservation = %+v", got)
	}

	// Redundant polls are no-ops and do not reach the gateway.
	for i := 0; i < 3; i++ {
		if outcome, _ := env.reconciler.Reconcile(ctx, "cs_1"); outcome != OutcomeConfirmed {
			t.Errorf("repeat outcome = %s", outcome)
		}
	}
	if n := env.gateway.pollCount("cs_1"); n != 3 {
		t.Errorf("polls after repeats = %d, want 3", n)
	}

	paid := env.events.ofType(events.PaymentReceived)
	if len(paid) != 1 {
		t.Fatalf("payment_received events = %d, want 1", len(paid))
	}
	if paid[0].ContactID != "contact-1" || paid[0].ReservationID != res.ID || paid[0].Data["amount_cents"] != "2500" {
		t.Errorf("event = %+v", paid[0])
	}
}

func TestReconcileTimeoutThenResume(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	res := env.pending(t, "cs_2")
	env.gateway.script("cs_2", SessionOpen)

	outcome, err := env.reconciler.Reconcile(ctx, "cs_2")
	if !errors.Is(err, ErrPaymentTimeout) {
		t.Fatalf("Reconcile error = %v, want ErrPaymentTimeout", err)
	}
	if outcome != OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", outcome)
	}
	if n := env.gateway.pollCount("cs_2"); n != 8 {
		t.Errorf("polls = %d, want 8", n)
	}
	got, _ := env.repo.Get(ctx, res.ID)
	if got.Status != StatusPending || got.PaymentStatus != PaymentPending {
		t.Errorf("reservation after timeout = %s/%s, want pending/pending", got.Status, got.PaymentStatus)
	}

	// The customer pays later; a manual re-poll still confirms.
	env.gateway.script("cs_2", SessionPaid)
	outcome, err = env.reconciler.Reconcile(ctx, "cs_2")
	if err != nil || outcome != OutcomeConfirmed {
		t.Fatalf("re-poll = %s, %v", outcome, err)
	}
	got, _ = env.repo.Get(ctx, res.ID)
	if got.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
}

func TestReconcileTerminalOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      SessionStatus
		wantOutcome Outcome
		wantPayment PaymentStatus
		wantStatus  Status
	}{
		{"expired", SessionExpired, OutcomeExpired, PaymentExpired, StatusCancelled},
		{"failed", SessionFailed, OutcomeFailed, PaymentFailed, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			ctx := context.Background()
			res := env.pending(t, "cs_"+tt.name)
			env.gateway.script("cs_"+tt.name, SessionOpen, tt.status)

			outcome, err := env.reconciler.Reconcile(ctx, "cs_"+tt.name)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", outcome, tt.wantOutcome)
			}
			got, _ := env.repo.Get(ctx, res.ID)
			if got.PaymentStatus != tt.wantPayment || got.Status != tt.wantStatus {
				t.Errorf("reservation = %s/%s, want %s/%s", got.PaymentStatus, got.Status, tt.wantPayment, tt.wantStatus)
			}
			if len(env.events.ofType(events.PaymentReceived)) != 0 {
				t.Error("payment_received emitted for an unpaid session")
			}
		})
	}
}

func TestApplyNeverDowngrades(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	res := env.pending(t, "cs_3")

	if outcome, err := env.reconciler.Apply(ctx, "cs_3", SessionPaid); err != nil || outcome != OutcomeConfirmed {
		t.Fatalf("Apply(paid) = %s, %v", outcome, err)
	}

	// A late expired report, e.g. a delayed webhook, must not cancel it.
	outcome, err := env.reconciler.Apply(ctx, "cs_3", SessionExpired)
	if err != nil {
		t.Fatalf("Apply(expired): %v", err)
	}
	if outcome != OutcomeConfirmed {
		t.Errorf("late outcome = %s, want confirmed", outcome)
	}
	got, _ := env.repo.Get(ctx, res.ID)
	if got.Status != StatusConfirmed || got.PaymentStatus != PaymentPaid {
		t.Errorf("reservation = %s/%s", got.Status, got.PaymentStatus)
	}
	if n := len(env.events.ofType(events.PaymentReceived)); n != 1 {
		t.Errorf("payment_received events = %d, want 1", n)
	}

	if _, err := env.reconciler.Apply(ctx, "cs_3", SessionOpen); err == nil {
		t.Error("Apply(open) succeeded")
	}
}

func TestReconcileUnknownSession(t *testing.T) {
	env := setupTestEnv(t)
	if _, err := env.reconciler.Reconcile(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestReconcileCancelled(t *testing.T) {
	env := setupTestEnv(t)
	env.pending(t, "cs_4")
	env.gateway.script("cs_4", SessionOpen)
	env.reconciler.cfg.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := env.reconciler.Reconcile(ctx, "cs_4"); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestResumeOnce(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.pending(t, "cs_5")
	env.pending(t, "cs_6")
	env.gateway.script("cs_5", SessionPaid)
	env.gateway.script("cs_6", SessionOpen)
	env.reconciler.cfg.ResumeAfter = -time.Minute

	n, err := env.reconciler.ResumeOnce(ctx)
	if err != nil {
		t.Fatalf("ResumeOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved = %d, want 1", n)
	}
	if env.gateway.pollCount("cs_5") != 1 || env.gateway.pollCount("cs_6") != 1 {
		t.Error("each pending session should be polled once")
	}
}

func newTestService(env *testEnv) *Service {
	return NewService(env.repo, env.gateway, env.reconciler, env.events,
		ServiceConfig{SuccessURL: "https://shop.example.com/ok"}, env.logger)
}

func TestCheckoutPaidItem(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.repo.UpsertCatalogItem(ctx, &CatalogItem{ID: "class", Name: "Yoga class", PriceCents: 1500, Currency: "eur"})
	env.reconciler.cfg.Interval = 50 * time.Millisecond
	svc := newTestService(env)

	sess, err := svc.CreateCheckoutSession(ctx, CheckoutRequest{
		CatalogItemID: "class",
		Quantity:      2,
		Customer:      Customer{ContactID: "contact-1", Name: "Ann", Email: "ann@example.com"},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if sess.SessionID == "" || sess.RedirectURL == "" || sess.Status != StatusPending {
		t.Errorf("session = %+v", sess)
	}
	if req := env.gateway.created[0]; req.AmountCents != 3000 || req.Currency != "eur" || req.SuccessURL == "" {
		t.Errorf("gateway request = %+v", req)
	}

	booked := env.events.ofType(events.BookingCreated)
	if len(booked) != 1 || booked[0].ReservationID != sess.ReservationID {
		t.Errorf("booking_created events = %+v", booked)
	}

	// The background reconciliation confirms once the gateway reports paid.
	env.gateway.script(sess.SessionID, SessionPaid)
	deadline := time.Now().Add(5 * time.Second)
	var view *PaymentView
	for time.Now().Before(deadline) {
		view, err = svc.GetPaymentStatus(ctx, sess.SessionID)
		if err != nil {
			t.Fatalf("GetPaymentStatus: %v", err)
		}
		if view.Status == StatusConfirmed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if view.Status != StatusConfirmed || view.PaymentStatus != PaymentPaid {
		t.Errorf("view = %+v, want confirmed/paid", view)
	}
}

func TestCheckoutFreeItem(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.repo.UpsertCatalogItem(ctx, &CatalogItem{ID: "intro", Name: "Intro call"})
	svc := newTestService(env)

	sess, err := svc.CreateCheckoutSession(ctx, CheckoutRequest{
		CatalogItemID: "intro",
		Quantity:      1,
		Customer:      Customer{Name: "Bob", Phone: "+15550100"},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if sess.Status != StatusConfirmed || sess.RedirectURL != "" {
		t.Errorf("session = %+v", sess)
	}
	if len(env.gateway.created) != 0 {
		t.Error("free checkout reached the gateway")
	}
	res, _ := env.repo.Get(ctx, sess.ReservationID)
	if res.PaymentMethod != MethodFree {
		t.Errorf("payment_method = %s, want free", res.PaymentMethod)
	}
	// No contact id, so there is no subject for booking_created.
	if booked := env.events.ofType(events.BookingCreated); len(booked) != 0 {
		t.Errorf("booking_created events = %+v, want none", booked)
	}
}

func TestCheckoutErrors(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.repo.UpsertCatalogItem(ctx, &CatalogItem{ID: "class", Name: "Yoga", PriceCents: 1500})
	env.repo.UpsertCatalogItem(ctx, &CatalogItem{ID: "retreat", Name: "Retreat", PriceCents: math.MaxInt64 / 2})
	// Rows written before price validation existed.
	if _, err := env.repo.db.ExecContext(ctx, `INSERT INTO catalog_items (id, name, price_cents, currency, created_at, updated_at)
		VALUES ('legacy', 'Legacy', -500, 'usd', 0, 0)`); err != nil {
		t.Fatalf("insert legacy item: %v", err)
	}
	svc := newTestService(env)
	customer := Customer{Name: "Ann", Email: "ann@example.com"}

	tests := []struct {
		name    string
		req     CheckoutRequest
		wantErr error
	}{
		{"zero quantity", CheckoutRequest{CatalogItemID: "class", Customer: customer}, ErrInvalidCheckout},
		{"no contact info", CheckoutRequest{CatalogItemID: "class", Quantity: 1, Customer: Customer{Name: "Ann"}}, ErrInvalidCheckout},
		{"unknown item", CheckoutRequest{CatalogItemID: "nope", Quantity: 1, Customer: customer}, ErrNotFound},
		{"quantity over cap", CheckoutRequest{CatalogItemID: "class", Quantity: MaxQuantity + 1, Customer: customer}, ErrInvalidCheckout},
		{"amount overflows", CheckoutRequest{CatalogItemID: "retreat", Quantity: 3, Customer: customer}, ErrInvalidCheckout},
		{"negative price", CheckoutRequest{CatalogItemID: "legacy", Quantity: 1, Customer: customer}, ErrInvalidCheckout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateCheckoutSession(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	env.gateway.fail = errors.New("gateway down")
	if _, err := svc.CreateCheckoutSession(ctx, CheckoutRequest{CatalogItemID: "class", Quantity: 1, Customer: customer}); err == nil {
		t.Error("checkout succeeded with the gateway down")
	}
	if _, err := svc.GetPaymentStatus(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPaymentStatus(missing) error = %v", err)
	}
}

func TestUpsertCatalogItemRejectsNegativePrice(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	err := env.repo.UpsertCatalogItem(ctx, &CatalogItem{ID: "refund", Name: "Refund", PriceCents: -100})
	if !errors.Is(err, ErrInvalidCatalogItem) {
		t.Errorf("error = %v, want %v", err, ErrInvalidCatalogItem)
	}
	if _, err := env.repo.GetCatalogItem(ctx, "refund"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCatalogItem error = %v, want %v", err, ErrNotFound)
	}
}

func TestHTTPGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "bad key"})
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/sessions":
			var req SessionRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(Session{ID: "cs_" + req.ReservationID, URL: "https://pay/x", Status: SessionOpen})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions/cs_r1":
			json.NewEncoder(w).Encode(Session{ID: "cs_r1", Status: SessionPaid})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	g := NewHTTPGateway(srv.URL, "sk_test")

	sess, err := g.CreateSession(ctx, &SessionRequest{ReservationID: "r1", AmountCents: 100, Currency: "usd", Quantity: 1})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID != "cs_r1" || sess.URL == "" {
		t.Errorf("session = %+v", sess)
	}

	got, err := g.GetSession(ctx, "cs_r1")
	if err != nil || got.Status != SessionPaid {
		t.Errorf("GetSession = %+v, %v", got, err)
	}
	if _, err := g.GetSession(ctx, "cs_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}

	_, err = NewHTTPGateway(srv.URL, "wrong").GetSession(ctx, "cs_r1")
	if err == nil || err.Error() != "gateway error: bad key" {
		t.Errorf("error = %v, want gateway error", err)
	}
}

func TestParseWebhook(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"session_id":"cs_1","status":"paid"}`)
	now := time.Now()

	tests := []struct {
		name    string
		header  string
		now     time.Time
		wantErr bool
	}{
		{"valid", Sign(secret, payload, now), now, false},
		{"wrong secret", Sign("other", payload, now), now, true},
		{"too old", Sign(secret, payload, now.Add(-time.Hour)), now, true},
		{"malformed", "garbage", now, true},
		{"empty", "", now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseWebhook(secret, tt.header, payload, tt.now, DefaultTolerance)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWebhook() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidSignature) {
					t.Errorf("error %v is not ErrInvalidSignature", err)
				}
				return
			}
			if ev.SessionID != "cs_1" || ev.Status != SessionPaid {
				t.Errorf("event = %+v", ev)
			}
		})
	}

	tampered := []byte(`{"session_id":"cs_1","status":"expired"}`)
	if _, err := ParseWebhook(secret, Sign(secret, payload, now), tampered, now, DefaultTolerance); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered payload error = %v", err)
	}
}
