package contacts

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Resolver expands a Criterion into the current set of recipients.
// It holds no cache: every call reads the contact store as of the call.
type Resolver struct {
	repo *Repository
}

// NewResolver creates a new target resolver
func NewResolver(repo *Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the deduplicated contacts matching c that existed at asOf.
// Inactive contacts are skipped unless c.IncludeInactive is set. Unknown
// groups, tags or IDs simply match nothing.
func (r *Resolver) Resolve(ctx context.Context, c Criterion, asOf time.Time) ([]*Contact, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	where, args := selectorClause(c)
	where = append(where, "c.created_at <= ?")
	args = append(args, asOf.UnixMilli())
	if !c.IncludeInactive {
		where = append(where, "c.active = 1")
	}

	query := `SELECT ` + prefixed(contactColumns) + ` FROM contacts c WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY c.id`

	rows, err := r.repo.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve targets: %w", err)
	}
	defer rows.Close()

	var list []*Contact
	for rows.Next() {
		contact, err := scanContact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		list = append(list, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to resolve targets: %w", err)
	}

	if err := r.repo.attachLabels(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// selectorClause builds the predicate for the criterion's single selector.
// Membership is tested with IN (subquery) so a contact matched through
// several tags is still returned once.
func selectorClause(c Criterion) ([]string, []any) {
	switch {
	case len(c.ContactIDs) > 0:
		in, args := inClause(normalizeLabels(c.ContactIDs))
		return []string{"c.id IN " + in}, args
	case strings.TrimSpace(c.Group) != "":
		return []string{"c.id IN (SELECT contact_id FROM contact_groups WHERE group_name = ?)"},
			[]any{strings.TrimSpace(c.Group)}
	case len(c.Tags) > 0:
		in, args := inClause(normalizeLabels(c.Tags))
		return []string{"c.id IN (SELECT contact_id FROM contact_tags WHERE tag IN " + in + ")"}, args
	case c.Subscription != "":
		return []string{"c.subscribed = ?"}, []any{c.Subscription == Subscribed}
	default:
		return []string{"1 = 1"}, nil
	}
}

func prefixed(columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = "c." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
