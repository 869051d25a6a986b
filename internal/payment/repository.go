package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists catalog items and reservations in SQLite
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new payment repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertCatalogItem creates or replaces a catalog item
func (r *Repository) UpsertCatalogItem(ctx context.Context, item *CatalogItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.PriceCents < 0 {
		return fmt.Errorf("%w: price_cents must not be negative", ErrInvalidCatalogItem)
	}
	if item.Currency == "" {
		item.Currency = "usd"
	}
	now := time.Now().UTC()
	item.UpdatedAt = now
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO catalog_items (id, name, price_cents, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price_cents = excluded.price_cents,
			currency = excluded.currency,
			updated_at = excluded.updated_at`,
		item.ID, item.Name, item.PriceCents, item.Currency, item.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog item: %w", err)
	}
	return nil
}

// GetCatalogItem returns a catalog item by ID
func (r *Repository) GetCatalogItem(ctx context.Context, id string) (*CatalogItem, error) {
	var (
		item             CatalogItem
		created, updated int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, price_cents, currency, created_at, updated_at FROM catalog_items WHERE id = ?`, id,
	).Scan(&item.ID, &item.Name, &item.PriceCents, &item.Currency, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog item: %w", err)
	}
	item.CreatedAt = time.UnixMilli(created).UTC()
	item.UpdatedAt = time.UnixMilli(updated).UTC()
	return &item, nil
}

// CreateReservation inserts a reservation
func (r *Repository) CreateReservation(ctx context.Context, res *Reservation) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reservations (id, session_id, catalog_item_id, quantity, contact_id,
			customer_name, customer_email, customer_phone, amount_cents, currency,
			payment_method, payment_status, status, created_at, updated_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, nullString(res.SessionID), res.CatalogItemID, res.Quantity, res.Customer.ContactID,
		res.Customer.Name, res.Customer.Email, res.Customer.Phone, res.AmountCents, res.Currency,
		res.PaymentMethod, res.PaymentStatus, res.Status, now.UnixMilli(), now.UnixMilli(),
		nullMillis(res.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// AttachSession records the gateway session of a pending reservation
func (r *Repository) AttachSession(ctx context.Context, id, sessionID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE reservations SET session_id = ?, updated_at = ? WHERE id = ? AND session_id IS NULL`,
		sessionID, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to attach session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const reservationColumns = `id, session_id, catalog_item_id, quantity, contact_id, customer_name,
	customer_email, customer_phone, amount_cents, currency, payment_method, payment_status,
	status, created_at, updated_at, resolved_at`

// Get returns a reservation by ID
func (r *Repository) Get(ctx context.Context, id string) (*Reservation, error) {
	return r.getBy(ctx, "id", id)
}

// GetBySession returns the reservation of a gateway session
func (r *Repository) GetBySession(ctx context.Context, sessionID string) (*Reservation, error) {
	return r.getBy(ctx, "session_id", sessionID)
}

func (r *Repository) getBy(ctx context.Context, column, value string) (*Reservation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE `+column+` = ?`, value)
	res, err := scanReservation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return res, nil
}

// Resolve moves a pending reservation to its terminal state. It reports
// false, writing nothing, when the reservation was already resolved.
func (r *Repository) Resolve(ctx context.Context, sessionID string, ps PaymentStatus, status Status) (bool, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := r.db.ExecContext(ctx, `
		UPDATE reservations
		SET payment_status = ?, status = ?, updated_at = ?, resolved_at = ?
		WHERE session_id = ? AND status = 'pending' AND payment_status = 'pending'`,
		ps, status, now, now, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Abandon cancels a pending reservation whose checkout could not be opened
func (r *Repository) Abandon(ctx context.Context, id string) error {
	now := time.Now().UTC().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		UPDATE reservations
		SET payment_status = 'failed', status = 'cancelled', updated_at = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to abandon reservation: %w", err)
	}
	return nil
}

// ListPendingSessions returns sessions of pending reservations created before
// the cutoff, oldest first
func (r *Repository) ListPendingSessions(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id FROM reservations
		WHERE status = 'pending' AND payment_status = 'pending'
			AND session_id IS NOT NULL AND created_at <= ?
		ORDER BY created_at
		LIMIT ?`,
		createdBefore.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reservations: %w", err)
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

func scanReservation(scan func(dest ...any) error) (*Reservation, error) {
	var (
		res       Reservation
		sessionID sql.NullString
		created   int64
		updated   int64
		resolved  sql.NullInt64
	)
	err := scan(&res.ID, &sessionID, &res.CatalogItemID, &res.Quantity, &res.Customer.ContactID,
		&res.Customer.Name, &res.Customer.Email, &res.Customer.Phone, &res.AmountCents, &res.Currency,
		&res.PaymentMethod, &res.PaymentStatus, &res.Status, &created, &updated, &resolved)
	if err != nil {
		return nil, err
	}
	res.SessionID = sessionID.String
	res.CreatedAt = time.UnixMilli(created).UTC()
	res.UpdatedAt = time.UnixMilli(updated).UTC()
	if resolved.Valid {
		t := time.UnixMilli(resolved.Int64).UTC()
		res.ResolvedAt = &t
	}
	return &res, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
