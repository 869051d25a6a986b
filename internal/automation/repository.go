package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cadence/internal/events"
)

// Repository persists automation rules in SQLite
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new rule repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const ruleColumns = `id, name, trigger_event, action_type, action_config, delay_minutes,
	is_active, execution_count, created_at, updated_at`

// Create inserts a rule
func (r *Repository) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.ExecutionCount = 0

	cfg, err := json.Marshal(rule.Action.variant())
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rule.ID, rule.Name, rule.Trigger, rule.Action.Type, string(cfg), rule.DelayMinutes,
		rule.IsActive, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get returns a rule by ID
func (r *Repository) Get(ctx context.Context, id string) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id)
	rule, err := scanRule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules ordered by creation
func (r *Repository) List(ctx context.Context) ([]*Rule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM automation_rules ORDER BY created_at, id`)
}

// ActiveFor returns active rules listening for the trigger
func (r *Repository) ActiveFor(ctx context.Context, trigger events.Type) ([]*Rule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM automation_rules
		WHERE trigger_event = ? AND is_active = 1 ORDER BY created_at, id`, trigger)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]*Rule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SetActive toggles a rule
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE automation_rules SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func deleteRule(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// incrementExecutions bumps the counter of a rule. A deleted rule is a no-op.
func incrementExecutions(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE automation_rules SET execution_count = execution_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to count rule execution: %w", err)
	}
	return nil
}

func scanRule(scan func(dest ...any) error) (*Rule, error) {
	var (
		rule       Rule
		actionType string
		config     string
		createdAt  int64
		updatedAt  int64
	)
	err := scan(&rule.ID, &rule.Name, &rule.Trigger, &actionType, &config, &rule.DelayMinutes,
		&rule.IsActive, &rule.ExecutionCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rule.Action, err = decodeAction(ActionType(actionType), []byte(config))
	if err != nil {
		return nil, err
	}
	rule.CreatedAt = time.UnixMilli(createdAt).UTC()
	rule.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rule, nil
}
