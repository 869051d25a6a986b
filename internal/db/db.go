// Package db opens the cadence SQLite database and applies its schema.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the shared SQLite handle. Every store in cadence coordinates
// through conditional writes against this one database.
type DB struct {
	*sql.DB
}

// New opens (creating if needed) the database at path.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN so concurrent claimers
	// queue on busy_timeout instead of failing a lock upgrade.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{db}, nil
}

// Migrate applies the schema. Statements are idempotent.
func (db *DB) Migrate() error {
	migrations := []string{
		migrationContacts,
		migrationSchedulables,
		migrationRecipientOutcomes,
		migrationAutomationRules,
		migrationCatalog,
		migrationReservations,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Timestamps are stored as unix milliseconds.

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    subscribed INTEGER NOT NULL DEFAULT 1,
    active INTEGER NOT NULL DEFAULT 1,
    attributes TEXT NOT NULL DEFAULT '{}',
    last_activity_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contacts_active ON contacts(active, last_activity_at);

CREATE TABLE IF NOT EXISTS contact_tags (
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    tag TEXT NOT NULL,
    PRIMARY KEY (contact_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_contact_tags_tag ON contact_tags(tag);

CREATE TABLE IF NOT EXISTS contact_groups (
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    group_name TEXT NOT NULL,
    PRIMARY KEY (contact_id, group_name)
);
CREATE INDEX IF NOT EXISTS idx_contact_groups_group ON contact_groups(group_name);
`

// The CHECK keeps lock_token non-null exactly while dispatching.
const migrationSchedulables = `
CREATE TABLE IF NOT EXISTS schedulables (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK (kind IN ('campaign', 'reminder', 'rule_action')),
    state TEXT NOT NULL,
    due_at INTEGER,
    owner_id TEXT NOT NULL DEFAULT '',
    rule_id TEXT,
    payload TEXT NOT NULL DEFAULT '{}',
    lock_token TEXT,
    claimed_at INTEGER,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    success_recorded INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    finished_at INTEGER,
    CHECK ((state = 'dispatching') = (lock_token IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_schedulables_state_due ON schedulables(state, due_at);
CREATE INDEX IF NOT EXISTS idx_schedulables_rule ON schedulables(rule_id, state);
`

const migrationRecipientOutcomes = `
CREATE TABLE IF NOT EXISTS recipient_outcomes (
    item_id TEXT NOT NULL REFERENCES schedulables(id) ON DELETE CASCADE,
    attempt INTEGER NOT NULL,
    contact_id TEXT NOT NULL,
    address TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (item_id, attempt, contact_id)
);
`

const migrationAutomationRules = `
CREATE TABLE IF NOT EXISTS automation_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    trigger_event TEXT NOT NULL,
    action_type TEXT NOT NULL,
    action_config TEXT NOT NULL,
    delay_minutes INTEGER NOT NULL DEFAULT 0 CHECK (delay_minutes >= 0),
    is_active INTEGER NOT NULL DEFAULT 1,
    execution_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automation_rules_trigger ON automation_rules(trigger_event, is_active);
`

const migrationCatalog = `
CREATE TABLE IF NOT EXISTS catalog_items (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    price_cents INTEGER NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT 'usd',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`

const migrationReservations = `
CREATE TABLE IF NOT EXISTS reservations (
    id TEXT PRIMARY KEY,
    session_id TEXT UNIQUE,
    catalog_item_id TEXT NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    contact_id TEXT NOT NULL DEFAULT '',
    customer_name TEXT NOT NULL DEFAULT '',
    customer_email TEXT NOT NULL DEFAULT '',
    customer_phone TEXT NOT NULL DEFAULT '',
    amount_cents INTEGER NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT 'usd',
    payment_method TEXT NOT NULL,
    payment_status TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    resolved_at INTEGER,
    CHECK (status NOT IN ('confirmed', 'completed') OR payment_status = 'paid' OR payment_method = 'free')
);
CREATE INDEX IF NOT EXISTS idx_reservations_pending ON reservations(status, payment_status, created_at);
`
