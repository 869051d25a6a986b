package schedule

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/channel"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/db"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	d, err := db.New(filepath.Join(t.TempDir(), "schedule.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewStore(d.DB, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testMessage() Message {
	return Message{
		Channel: channel.Email,
		Target:  contacts.Criterion{All: true},
		Subject: "Hello",
		Body:    "Hi {{name}}",
	}
}

// createDue stores a scheduled campaign due one minute ago
func createDue(t *testing.T, s *Store) *Item {
	t.Helper()
	item, err := NewMessageItem(KindCampaign, "owner", testMessage())
	if err != nil {
		t.Fatalf("NewMessageItem: %v", err)
	}
	due := time.Now().Add(-time.Minute)
	item.State = StateScheduled
	item.DueAt = &due
	if err := s.Create(context.Background(), item); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return item
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDraft, StateScheduled, true},
		{StateDraft, StateCancelled, true},
		{StateScheduled, StateDispatching, true},
		{StateScheduled, StateCancelled, true},
		{StateDispatching, StateSent, true},
		{StateDispatching, StatePartiallyFailed, true},
		{StateDispatching, StateFailed, true},
		{StateFailed, StateScheduled, true},
		{StateDispatching, StateCancelled, false},
		{StateSent, StateScheduled, false},
		{StatePartiallyFailed, StateScheduled, false},
		{StateCancelled, StateScheduled, false},
		{StateDraft, StateDispatching, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAggregate(t *testing.T) {
	ok := Outcome{Status: OutcomeDelivered}
	bad := Outcome{Status: OutcomeFailed}

	tests := []struct {
		name     string
		outcomes []Outcome
		want     State
	}{
		{"no recipients", nil, StateSent},
		{"all delivered", []Outcome{ok, ok}, StateSent},
		{"none delivered", []Outcome{bad, bad}, StateFailed},
		{"mixed", []Outcome{ok, bad, ok}, StatePartiallyFailed},
	}

	for _, tt := range tests {
		if got := Aggregate(tt.outcomes); got != tt.want {
			t.Errorf("%s: Aggregate() = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestNewMessageItemValidates(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		msg  Message
	}{
		{"rule action", KindRuleAction, testMessage()},
		{"bad channel", KindCampaign, Message{Channel: "sms", Target: contacts.Criterion{All: true}, Body: "x"}},
		{"no body", KindCampaign, Message{Channel: channel.WhatsApp, Target: contacts.Criterion{All: true}}},
		{"email without subject", KindReminder, Message{Channel: channel.Email, Target: contacts.Criterion{All: true}, Body: "x"}},
		{"two selectors", KindCampaign, Message{Channel: channel.WhatsApp, Target: contacts.Criterion{All: true, Group: "g"}, Body: "x"}},
		{"no selector", KindCampaign, Message{Channel: channel.WhatsApp, Body: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMessageItem(tt.kind, "", tt.msg); err == nil {
				t.Error("NewMessageItem succeeded, want error")
			}
		})
	}
}

func TestCreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	item, err := NewMessageItem(KindReminder, "o1", testMessage())
	if err != nil {
		t.Fatalf("NewMessageItem: %v", err)
	}
	if err := s.Create(ctx, item); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateDraft || got.Kind != KindReminder || got.OwnerID != "o1" {
		t.Errorf("Get() = %+v", got)
	}
	msg, err := got.Message()
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if msg.Subject != "Hello" || !msg.Target.All {
		t.Errorf("Message() = %+v", msg)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCreateRejects(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		item *Item
	}{
		{"scheduled without due", &Item{Kind: KindCampaign, State: StateScheduled}},
		{"dispatching", &Item{Kind: KindCampaign, State: StateDispatching}},
		{"unknown kind", &Item{Kind: "newsletter"}},
		{"rule action without rule", &Item{Kind: KindRuleAction}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Create(ctx, tt.item); err == nil {
				t.Error("Create succeeded, want error")
			}
		})
	}
}

func TestScheduleCancelRetry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	item, _ := NewMessageItem(KindCampaign, "", testMessage())
	if err := s.Create(ctx, item); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Retry(ctx, item.ID, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry(draft) error = %v, want ErrInvalidTransition", err)
	}

	due := time.Now().Add(time.Hour)
	if err := s.Schedule(ctx, item.ID, due); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got, _ := s.Get(ctx, item.ID)
	if got.State != StateScheduled || got.DueAt == nil || got.DueAt.UnixMilli() != due.UnixMilli() {
		t.Errorf("after Schedule: state=%s due=%v", got.State, got.DueAt)
	}

	if err := s.Cancel(ctx, item.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.Cancel(ctx, item.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Cancel error = %v, want ErrInvalidTransition", err)
	}
	if err := s.Schedule(ctx, item.ID, due); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Schedule(cancelled) error = %v, want ErrInvalidTransition", err)
	}
	if err := s.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDueExcludesFutureAndDraft(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	due := createDue(t, s)

	future := time.Now().Add(time.Hour)
	later, _ := NewMessageItem(KindCampaign, "", testMessage())
	later.State = StateScheduled
	later.DueAt = &future
	s.Create(ctx, later)

	draft, _ := NewMessageItem(KindCampaign, "", testMessage())
	s.Create(ctx, draft)

	ids, err := s.Due(ctx, time.Now(), 10*time.Minute, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(ids) != 1 || ids[0] != due.ID {
		t.Errorf("Due() = %v, want [%s]", ids, due.ID)
	}
}

func TestClaimRace(t *testing.T) {
	s := setupTestStore(t)
	item := createDue(t, s)

	const claimers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	now := time.Now()
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(context.Background(), item.ID, now, 10*time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrClaimConflict):
				conflicts++
			default:
				t.Errorf("Claim: %v", err)
			}
		}()
	}
	wg.Wait()

	if won != 1 || conflicts != claimers-1 {
		t.Errorf("won=%d conflicts=%d, want 1 and %d", won, conflicts, claimers-1)
	}

	got, _ := s.Get(context.Background(), item.ID)
	if got.State != StateDispatching || got.AttemptCount != 1 || got.LockToken == "" {
		t.Errorf("after claim: state=%s attempts=%d token=%q", got.State, got.AttemptCount, got.LockToken)
	}
}

func TestCancelAfterClaimRejected(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	item := createDue(t, s)

	if _, err := s.Claim(ctx, item.ID, time.Now(), 10*time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Cancel(ctx, item.ID); !errors.Is(err, ErrClaimed) {
		t.Errorf("Cancel(dispatching) error = %v, want ErrClaimed", err)
	}
}

func TestClaimNotDue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	item, _ := NewMessageItem(KindCampaign, "", testMessage())
	s.Create(ctx, item)

	if _, err := s.Claim(ctx, item.ID, time.Now(), time.Minute); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("Claim(draft) error = %v, want ErrClaimConflict", err)
	}
	if _, err := s.Claim(ctx, "missing", time.Now(), time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("Claim(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFinalize(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	item := createDue(t, s)

	claim, err := s.Claim(ctx, item.ID, time.Now(), 10*time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	outcomes := []Outcome{
		{ContactID: "a", Address: "a@example.com", Status: OutcomeDelivered},
		{ContactID: "b", Address: "b@example.com", Status: OutcomeFailed, Reason: "mailbox full"},
	}
	state := Aggregate(outcomes)
	if err := s.Finalize(ctx, item.ID, claim.Token, state, outcomes, ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, _ := s.Get(ctx, item.ID)
	if got.State != StatePartiallyFailed || got.LockToken != "" || got.FinishedAt == nil {
		t.Errorf("after Finalize: state=%s token=%q finished=%v", got.State, got.LockToken, got.FinishedAt)
	}

	recorded, err := s.Outcomes(ctx, item.ID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(recorded) != 2 || recorded[0].Attempt != 1 || recorded[1].Reason != "mailbox full" {
		t.Errorf("Outcomes() = %+v", recorded)
	}

	if err := s.Finalize(ctx, item.ID, claim.Token, StateSent, nil, ""); !errors.Is(err, ErrStaleClaim) {
		t.Errorf("second Finalize error = %v, want ErrStaleClaim", err)
	}
	if err := s.Finalize(ctx, item.ID, claim.Token, StateCancelled, nil, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Finalize(cancelled) error = %v, want ErrInvalidTransition", err)
	}
}

func TestStaleReclaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	item := createDue(t, s)

	start := time.Now()
	first, err := s.Claim(ctx, item.ID, start, 10*time.Minute)
	if err != nil {
		t.Fatalf("first Claim: %v", err)
	}

	// Still fresh: nobody else may take it.
	if _, err := s.Claim(ctx, item.ID, start.Add(time.Minute), 10*time.Minute); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("fresh re-claim error = %v, want ErrClaimConflict", err)
	}

	later := start.Add(11 * time.Minute)
	ids, err := s.Due(ctx, later, 10*time.Minute, 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("Due(stale) = %v, %v; want the abandoned item", ids, err)
	}

	second, err := s.Claim(ctx, item.ID, later, 10*time.Minute)
	if err != nil {
		t.Fatalf("stale Claim: %v", err)
	}
	if !second.Stale || second.Item.AttemptCount != 2 {
		t.Errorf("stale claim = stale:%v attempts:%d, want true and 2", second.Stale, second.Item.AttemptCount)
	}

	if err := s.Finalize(ctx, item.ID, first.Token, StateSent, nil, ""); !errors.Is(err, ErrStaleClaim) {
		t.Errorf("Finalize(old token) error = %v, want ErrStaleClaim", err)
	}
	if err := s.Finalize(ctx, item.ID, second.Token, StateSent, nil, ""); err != nil {
		t.Errorf("Finalize(new token): %v", err)
	}
}

func TestSuccessHookRunsOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var calls int
	s.OnSuccess(func(ctx context.Context, tx *sql.Tx, item *Item) error {
		calls++
		return nil
	})

	item := createDue(t, s)

	// First attempt fails, is retried, then succeeds.
	claim, _ := s.Claim(ctx, item.ID, time.Now(), time.Minute)
	if err := s.Finalize(ctx, item.ID, claim.Token, StateFailed, nil, "relay down"); err != nil {
		t.Fatalf("Finalize(failed): %v", err)
	}
	if calls != 0 {
		t.Fatalf("hook ran on failure")
	}

	if err := s.Retry(ctx, item.ID, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ := s.Get(ctx, item.ID)
	if got.LastError != "" || got.State != StateScheduled {
		t.Errorf("after Retry: state=%s last_error=%q", got.State, got.LastError)
	}

	claim, err := s.Claim(ctx, item.ID, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("Claim after retry: %v", err)
	}
	if err := s.Finalize(ctx, item.ID, claim.Token, StateSent, nil, ""); err != nil {
		t.Fatalf("Finalize(sent): %v", err)
	}
	if calls != 1 {
		t.Errorf("hook calls = %d, want 1", calls)
	}
}

func TestSuccessHookErrorRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.OnSuccess(func(context.Context, *sql.Tx, *Item) error {
		return errors.New("boom")
	})

	item := createDue(t, s)
	claim, _ := s.Claim(ctx, item.ID, time.Now(), time.Minute)

	outcomes := []Outcome{{ContactID: "a", Status: OutcomeDelivered}}
	if err := s.Finalize(ctx, item.ID, claim.Token, StateSent, outcomes, ""); err == nil {
		t.Fatal("Finalize succeeded despite hook error")
	}

	got, _ := s.Get(ctx, item.ID)
	if got.State != StateDispatching || got.LockToken != claim.Token {
		t.Errorf("after rollback: state=%s token=%q, want dispatching with the claim token", got.State, got.LockToken)
	}
	if recorded, _ := s.Outcomes(ctx, item.ID); len(recorded) != 0 {
		t.Errorf("outcomes persisted despite rollback: %+v", recorded)
	}
}

func TestVoidRule(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	due := time.Now().Add(-time.Second)

	var ids []string
	for i := 0; i < 3; i++ {
		item := &Item{Kind: KindRuleAction, State: StateScheduled, RuleID: "r1", DueAt: &due}
		if err := s.Create(ctx, item); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, item.ID)
	}
	other := &Item{Kind: KindRuleAction, State: StateScheduled, RuleID: "r2", DueAt: &due}
	s.Create(ctx, other)

	if _, err := s.Claim(ctx, ids[0], time.Now(), time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	n, err := s.VoidRule(ctx, "r1")
	if err != nil {
		t.Fatalf("VoidRule: %v", err)
	}
	if n != 2 {
		t.Errorf("VoidRule() = %d, want 2", n)
	}

	claimed, _ := s.Get(ctx, ids[0])
	if claimed.State != StateDispatching {
		t.Errorf("claimed firing state = %s, want dispatching", claimed.State)
	}
	untouched, _ := s.Get(ctx, other.ID)
	if untouched.State != StateScheduled {
		t.Errorf("other rule firing state = %s, want scheduled", untouched.State)
	}
}

func TestListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createDue(t, s)
	createDue(t, s)
	draft, _ := NewMessageItem(KindReminder, "", testMessage())
	s.Create(ctx, draft)

	scheduled, err := s.List(ctx, ListFilter{State: StateScheduled})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(scheduled) != 2 {
		t.Errorf("List(scheduled) = %d items, want 2", len(scheduled))
	}

	reminders, _ := s.List(ctx, ListFilter{Kind: KindReminder})
	if len(reminders) != 1 || reminders[0].ID != draft.ID {
		t.Errorf("List(reminder) = %v", reminders)
	}

	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts["scheduled"] != 2 || counts["draft"] != 1 {
		t.Errorf("CountByState() = %v", counts)
	}
}

func TestPurge(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	done := createDue(t, s)
	claim, _ := s.Claim(ctx, done.ID, time.Now(), time.Minute)
	s.Finalize(ctx, done.ID, claim.Token, StateSent, []Outcome{{ContactID: "a", Status: OutcomeDelivered}}, "")

	pending := createDue(t, s)

	n, err := s.Purge(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("Purge() = %d, want 1", n)
	}
	if _, err := s.Get(ctx, done.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged item still present: %v", err)
	}
	if outcomes, _ := s.Outcomes(ctx, done.ID); len(outcomes) != 0 {
		t.Errorf("outcomes survived purge: %v", outcomes)
	}
	if _, err := s.Get(ctx, pending.ID); err != nil {
		t.Errorf("pending item purged: %v", err)
	}
}
