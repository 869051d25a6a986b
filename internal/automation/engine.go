package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/cadence/internal/events"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/schedule"
)

// Engine evaluates rules against domain events
type Engine struct {
	db     *sql.DB
	rules  *Repository
	store  *schedule.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine and registers execution accounting on the
// store's success path.
func NewEngine(db *sql.DB, rules *Repository, store *schedule.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		db:     db,
		rules:  rules,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	store.OnSuccess(e.countExecution)
	return e
}

// OnEvent schedules one firing per matching active rule
func (e *Engine) OnEvent(ctx context.Context, ev events.Event) error {
	_, err := e.Fire(ctx, ev)
	return err
}

// Fire schedules one rule_action per active rule listening for the event
// and returns the created items. A zero delay still goes through dispatch.
func (e *Engine) Fire(ctx context.Context, ev events.Event) ([]*schedule.Item, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}

	rules, err := e.rules.ActiveFor(ctx, ev.Type)
	if err != nil {
		return nil, err
	}

	if len(rules) == 0 {
		return nil, nil
	}

	vars := eventVars(ev)
	now := e.now().UTC()

	// All firings of one event commit together, so a redelivered event
	// never finds some of them already scheduled.
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	items := make([]*schedule.Item, 0, len(rules))
	for _, rule := range rules {
		payload, err := json.Marshal(Firing{Action: rule.Action.bind(vars), Event: ev})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal firing: %w", err)
		}

		due := now.Add(time.Duration(rule.DelayMinutes) * time.Minute)
		item := &schedule.Item{
			Kind:    schedule.KindRuleAction,
			State:   schedule.StateScheduled,
			DueAt:   &due,
			RuleID:  rule.ID,
			Payload: payload,
		}
		if err := e.store.CreateTx(ctx, tx, item); err != nil {
			return nil, fmt.Errorf("failed to schedule firing of rule %s: %w", rule.ID, err)
		}
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit firings: %w", err)
	}

	for _, item := range items {
		metrics.IncRuleFirings(string(ev.Type))
		e.logger.Info("rule fired",
			"rule_id", item.RuleID,
			"event", ev.Type,
			"contact_id", ev.ContactID,
			"item_id", item.ID,
			"due_at", *item.DueAt,
		)
	}
	return items, nil
}

// CreateRule validates and stores a rule
func (e *Engine) CreateRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return e.rules.Create(ctx, rule)
}

// GetRule returns a rule by ID
func (e *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return e.rules.Get(ctx, id)
}

// ListRules returns all rules
func (e *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return e.rules.List(ctx)
}

// ToggleRule activates or deactivates a rule. Firings already scheduled
// are left alone.
func (e *Engine) ToggleRule(ctx context.Context, id string, active bool) (*Rule, error) {
	if err := e.rules.SetActive(ctx, id, active); err != nil {
		return nil, err
	}
	e.logger.Info("rule toggled", "rule_id", id, "active", active)
	return e.rules.Get(ctx, id)
}

// DeleteRule voids the rule's unclaimed firings and deletes it in one
// transaction. It returns how many firings were voided.
func (e *Engine) DeleteRule(ctx context.Context, id string) (int64, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	voided, err := e.store.VoidRuleTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if err := deleteRule(ctx, tx, id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rule deletion: %w", err)
	}

	e.logger.Info("rule deleted", "rule_id", id, "voided_firings", voided)
	return voided, nil
}

// countExecution runs inside Finalize the first time a firing is sent
func (e *Engine) countExecution(ctx context.Context, tx *sql.Tx, item *schedule.Item) error {
	if item.Kind != schedule.KindRuleAction || item.RuleID == "" {
		return nil
	}
	return incrementExecutions(ctx, tx, item.RuleID)
}
