package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SuccessHook runs inside the Finalize transaction the first time an item
// reaches sent. Returning an error rolls the finalize back.
type SuccessHook func(ctx context.Context, tx *sql.Tx, item *Item) error

// Store persists schedulables in SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	hooks []SuccessHook
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// OnSuccess registers a hook run once per item when it first reaches sent
func (s *Store) OnSuccess(h SuccessHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

const itemColumns = `id, kind, state, due_at, owner_id, rule_id, payload, lock_token,
	claimed_at, attempt_count, last_error, created_at, updated_at, finished_at`

type rowScanner interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create inserts a new item in draft or scheduled state
func (s *Store) Create(ctx context.Context, item *Item) error {
	return s.create(ctx, s.db, item)
}

// CreateTx inserts a new item as part of tx
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, item *Item) error {
	return s.create(ctx, tx, item)
}

func (s *Store) create(ctx context.Context, ex execer, item *Item) error {
	if !item.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, item.Kind)
	}
	switch item.State {
	case "":
		item.State = StateDraft
	case StateDraft:
	case StateScheduled:
		if item.DueAt == nil {
			return fmt.Errorf("%w: scheduled item needs due_at", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: cannot create item in state %s", ErrInvalidTransition, item.State)
	}
	if item.Kind == KindRuleAction && item.RuleID == "" {
		return fmt.Errorf("%w: rule action needs rule_id", ErrInvalidPayload)
	}
	if len(item.Payload) == 0 {
		item.Payload = []byte("{}")
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := ex.ExecContext(ctx, `
		INSERT INTO schedulables (id, kind, state, due_at, owner_id, rule_id, payload,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Kind, item.State, nullMillis(item.DueAt), item.OwnerID,
		nullString(item.RuleID), string(item.Payload), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedulable: %w", err)
	}
	return nil
}

// Get returns an item by ID
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	return getItem(ctx, s.db, id)
}

func getItem(ctx context.Context, q rowScanner, id string) (*Item, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM schedulables WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedulable: %w", err)
	}
	return item, nil
}

// List returns items matching the filter, newest first
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Item, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	query := `SELECT ` + itemColumns + ` FROM schedulables`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulables: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedulable: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountByState returns the number of items in each state
func (s *Store) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM schedulables GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count schedulables: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Schedule sets the due time of an unclaimed item, moving a draft to
// scheduled. A scheduled item keeps its state and gets the new due time.
func (s *Store) Schedule(ctx context.Context, id string, dueAt time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedulables SET state = 'scheduled', due_at = ?, updated_at = ?
		WHERE id = ? AND state IN ('draft', 'scheduled')`,
		dueAt.UTC().UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule: %w", err)
	}
	return s.checkGuarded(ctx, res, id, StateScheduled)
}

// Cancel cancels a draft or scheduled item. Once a dispatcher holds the
// item it can no longer be cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedulables SET state = 'cancelled', updated_at = ?, finished_at = ?
		WHERE id = ? AND state IN ('draft', 'scheduled')`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel: %w", err)
	}
	return s.checkGuarded(ctx, res, id, StateCancelled)
}

// Retry reschedules a failed item
func (s *Store) Retry(ctx context.Context, id string, dueAt time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedulables SET state = 'scheduled', due_at = ?, last_error = '',
			finished_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'failed'`,
		dueAt.UTC().UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to retry: %w", err)
	}
	return s.checkGuarded(ctx, res, id, StateScheduled)
}

// checkGuarded turns a conditional write that matched no row into the
// error explaining why.
func (s *Store) checkGuarded(ctx context.Context, res sql.Result, id string, to State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.State == StateDispatching {
		return ErrClaimed
	}
	return transitionError(item.State, to)
}

// Due returns ids ready to claim: scheduled items past due and dispatching
// items whose claim is older than staleAfter.
func (s *Store) Due(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM schedulables
		WHERE (state = 'scheduled' AND due_at <= ?)
			OR (state = 'dispatching' AND claimed_at <= ?)
		ORDER BY due_at, id
		LIMIT ?`,
		now.UnixMilli(), now.Add(-staleAfter).UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedulables: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim takes the dispatch lease on a due item. Exactly one of any number of
// concurrent callers succeeds; the rest get ErrClaimConflict.
func (s *Store) Claim(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (*Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prior State
	err = tx.QueryRowContext(ctx, `SELECT state FROM schedulables WHERE id = ?`, id).Scan(&prior)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedulable: %w", err)
	}

	token := uuid.New().String()
	res, err := tx.ExecContext(ctx, `
		UPDATE schedulables
		SET state = 'dispatching', lock_token = ?, claimed_at = ?,
			attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ?
			AND ((state = 'scheduled' AND due_at <= ?)
				OR (state = 'dispatching' AND claimed_at <= ?))`,
		token, now.UnixMilli(), now.UnixMilli(), id,
		now.UnixMilli(), now.Add(-staleAfter).UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim schedulable: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrClaimConflict
	}

	item, err := getItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	claim := &Claim{Item: item, Token: token, Stale: prior == StateDispatching}
	if claim.Stale {
		s.logger.Warn("stale claim taken over",
			"id", id,
			"kind", item.Kind,
			"attempt", item.AttemptCount,
		)
	}
	return claim, nil
}

// Finalize records outcomes and the terminal state of a claimed item in one
// transaction. It fails with ErrStaleClaim, writing nothing, when token no
// longer holds the item.
func (s *Store) Finalize(ctx context.Context, id, token string, state State, outcomes []Outcome, lastError string) error {
	if !CanTransition(StateDispatching, state) {
		return transitionError(StateDispatching, state)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE schedulables
		SET state = ?, lock_token = NULL, last_error = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'dispatching' AND lock_token = ?`,
		state, lastError, now, now, id, token,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize schedulable: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleClaim
	}

	item, err := getItem(ctx, tx, id)
	if err != nil {
		return err
	}

	for _, o := range outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recipient_outcomes (item_id, attempt, contact_id, address, status, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, item.AttemptCount, o.ContactID, o.Address, o.Status, o.Reason, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outcome: %w", err)
		}
	}

	if state == StateSent {
		if err := s.recordSuccess(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}
	return nil
}

func (s *Store) recordSuccess(ctx context.Context, tx *sql.Tx, item *Item) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE schedulables SET success_recorded = 1 WHERE id = ? AND success_recorded = 0`, item.ID)
	if err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()

	for _, h := range hooks {
		if err := h(ctx, tx, item); err != nil {
			return fmt.Errorf("success hook: %w", err)
		}
	}
	return nil
}

// VoidRule cancels every unclaimed firing of a rule
func (s *Store) VoidRule(ctx context.Context, ruleID string) (int64, error) {
	return voidRule(ctx, s.db, ruleID)
}

// VoidRuleTx cancels every unclaimed firing of a rule as part of tx
func (s *Store) VoidRuleTx(ctx context.Context, tx *sql.Tx, ruleID string) (int64, error) {
	return voidRule(ctx, tx, ruleID)
}

func voidRule(ctx context.Context, ex execer, ruleID string) (int64, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := ex.ExecContext(ctx, `
		UPDATE schedulables
		SET state = 'cancelled', last_error = 'rule deleted', updated_at = ?, finished_at = ?
		WHERE rule_id = ? AND state IN ('draft', 'scheduled')`,
		now, now, ruleID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to void rule firings: %w", err)
	}
	return res.RowsAffected()
}

// Outcomes returns the recorded outcomes of an item across attempts
func (s *Store) Outcomes(ctx context.Context, id string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, attempt, contact_id, address, status, reason, created_at
		FROM recipient_outcomes WHERE item_id = ?
		ORDER BY attempt, contact_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var list []Outcome
	for rows.Next() {
		var (
			o         Outcome
			createdAt int64
		)
		if err := rows.Scan(&o.ItemID, &o.Attempt, &o.ContactID, &o.Address, &o.Status, &o.Reason, &createdAt); err != nil {
			return nil, err
		}
		o.CreatedAt = time.UnixMilli(createdAt).UTC()
		list = append(list, o)
	}
	return list, rows.Err()
}

// Purge deletes terminal items finished before the cutoff. Their outcomes
// go with them.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM schedulables
		WHERE state IN ('sent', 'partially_failed', 'failed', 'cancelled')
			AND finished_at IS NOT NULL AND finished_at < ?`,
		before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge schedulables: %w", err)
	}
	return res.RowsAffected()
}

func scanItem(scan func(dest ...any) error) (*Item, error) {
	var (
		item       Item
		dueAt      sql.NullInt64
		ruleID     sql.NullString
		payload    string
		lockToken  sql.NullString
		claimedAt  sql.NullInt64
		createdAt  int64
		updatedAt  int64
		finishedAt sql.NullInt64
	)
	err := scan(&item.ID, &item.Kind, &item.State, &dueAt, &item.OwnerID, &ruleID, &payload,
		&lockToken, &claimedAt, &item.AttemptCount, &item.LastError, &createdAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	item.DueAt = timePtr(dueAt)
	item.RuleID = ruleID.String
	item.Payload = []byte(payload)
	item.LockToken = lockToken.String
	item.ClaimedAt = timePtr(claimedAt)
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	item.FinishedAt = timePtr(finishedAt)
	return &item, nil
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
