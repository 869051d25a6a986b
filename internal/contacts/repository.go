package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// chunkSize bounds the number of bound parameters in IN (...) lists
const chunkSize = 500

// Repository persists contacts in SQLite
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new contact repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new contact with its tags and groups
func (r *Repository) Create(ctx context.Context, c *Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.CreatedAt
	}
	c.UpdatedAt = now
	c.Tags = normalizeLabels(c.Tags)
	c.Groups = normalizeLabels(c.Groups)

	attrs, err := json.Marshal(attributesOrEmpty(c.Attributes))
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contacts (id, name, email, phone, subscribed, active, attributes,
			last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Email, c.Phone, c.Subscribed, c.Active, string(attrs),
		c.LastActivityAt.UnixMilli(), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert contact: %w", err)
	}

	if err := insertLabels(ctx, tx, "contact_tags", "tag", c.ID, c.Tags); err != nil {
		return err
	}
	if err := insertLabels(ctx, tx, "contact_groups", "group_name", c.ID, c.Groups); err != nil {
		return err
	}

	return tx.Commit()
}

// Get returns a contact by ID
func (r *Repository) Get(ctx context.Context, id string) (*Contact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}

	list := []*Contact{c}
	if err := r.attachLabels(ctx, list); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns contacts ordered by creation time
func (r *Repository) List(ctx context.Context, limit, offset int) ([]*Contact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var list []*Contact
	for rows.Next() {
		c, err := scanContact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachLabels(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// Apply applies a patch to a contact
func (r *Repository) Apply(ctx context.Context, id string, p Patch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rawAttrs string
	err = tx.QueryRowContext(ctx, `SELECT attributes FROM contacts WHERE id = ?`, id).Scan(&rawAttrs)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixMilli()}

	if p.SetSubscribed != nil {
		sets = append(sets, "subscribed = ?")
		args = append(args, *p.SetSubscribed)
	}
	if p.SetActive != nil {
		sets = append(sets, "active = ?")
		args = append(args, *p.SetActive)
		if *p.SetActive {
			// Reactivation counts as activity, or the sweeper would flip it back.
			sets = append(sets, "last_activity_at = ?")
			args = append(args, time.Now().UTC().UnixMilli())
		}
	}
	if len(p.Attributes) > 0 {
		attrs := map[string]string{}
		if rawAttrs != "" {
			if err := json.Unmarshal([]byte(rawAttrs), &attrs); err != nil {
				return fmt.Errorf("failed to parse attributes: %w", err)
			}
		}
		for k, v := range p.Attributes {
			attrs[k] = v
		}
		data, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
		sets = append(sets, "attributes = ?")
		args = append(args, string(data))
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE contacts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}

	if err := insertLabels(ctx, tx, "contact_tags", "tag", id, normalizeLabels(p.AddTags)); err != nil {
		return err
	}
	for _, tag := range normalizeLabels(p.RemoveTags) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM contact_tags WHERE contact_id = ? AND tag = ?`, id, tag); err != nil {
			return fmt.Errorf("failed to remove tag: %w", err)
		}
	}
	if g := strings.TrimSpace(p.AddGroup); g != "" {
		if err := insertLabels(ctx, tx, "contact_groups", "group_name", id, []string{g}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Touch records activity for a contact
func (r *Repository) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET last_activity_at = MAX(last_activity_at, ?), updated_at = ? WHERE id = ?`,
		at.UnixMilli(), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to touch contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateIdle marks active contacts idle since before cutoff as inactive
// and returns the IDs this call transitioned. Each row is flipped with a
// guarded update so concurrent sweepers never both report the same contact.
func (r *Repository) DeactivateIdle(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM contacts WHERE active = 1 AND last_activity_at < ? ORDER BY last_activity_at LIMIT ?`,
		cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle contacts: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan contact id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().UnixMilli()
	var changed []string
	for _, id := range candidates {
		res, err := r.db.ExecContext(ctx,
			`UPDATE contacts SET active = 0, updated_at = ? WHERE id = ? AND active = 1 AND last_activity_at < ?`,
			now, id, cutoff.UnixMilli())
		if err != nil {
			return changed, fmt.Errorf("failed to deactivate contact: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

// Reactivate undoes a deactivation whose inactive_contact event could not
// be delivered, so the next sweep picks the contact up again.
func (r *Repository) Reactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET active = 1, updated_at = ? WHERE id = ? AND active = 0`,
		time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to reactivate contact: %w", err)
	}
	return nil
}

const contactColumns = `id, name, email, phone, subscribed, active, attributes, last_activity_at, created_at, updated_at`

func scanContact(scan func(dest ...any) error) (*Contact, error) {
	var (
		c                              Contact
		attrs                          string
		lastActivity, created, updated int64
	)
	if err := scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Subscribed, &c.Active, &attrs,
		&lastActivity, &created, &updated); err != nil {
		return nil, err
	}
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &c.Attributes); err != nil {
			return nil, fmt.Errorf("failed to parse attributes: %w", err)
		}
	}
	c.LastActivityAt = time.UnixMilli(lastActivity).UTC()
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return &c, nil
}

// attachLabels loads tags and groups for the given contacts in bulk
func (r *Repository) attachLabels(ctx context.Context, list []*Contact) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*Contact, len(list))
	ids := make([]string, 0, len(list))
	for _, c := range list {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		chunk := ids[start:end]
		in, args := inClause(chunk)

		err := r.eachLabel(ctx, `SELECT contact_id, tag FROM contact_tags WHERE contact_id IN `+in+` ORDER BY tag`, args,
			func(id, label string) { byID[id].Tags = append(byID[id].Tags, label) })
		if err != nil {
			return fmt.Errorf("failed to load tags: %w", err)
		}

		err = r.eachLabel(ctx, `SELECT contact_id, group_name FROM contact_groups WHERE contact_id IN `+in+` ORDER BY group_name`, args,
			func(id, label string) { byID[id].Groups = append(byID[id].Groups, label) })
		if err != nil {
			return fmt.Errorf("failed to load groups: %w", err)
		}
	}
	return nil
}

func (r *Repository) eachLabel(ctx context.Context, query string, args []any, fn func(id, label string)) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return err
		}
		fn(id, label)
	}
	return rows.Err()
}

func insertLabels(ctx context.Context, tx *sql.Tx, table, column, contactID string, labels []string) error {
	for _, l := range labels {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+table+` (contact_id, `+column+`) VALUES (?, ?)`, contactID, l)
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", column, err)
		}
	}
	return nil
}

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(values)), ",") + ")", args
}

func attributesOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
