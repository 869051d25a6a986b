package contacts

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/db"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()

	d, err := db.New(filepath.Join(t.TempDir(), "contacts.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewRepository(d.DB)
}

func seedContacts(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()

	seed := []*Contact{
		{ID: "ana", Name: "Ana", Email: "ana@example.com", Tags: []string{"vip", "spa"}, Groups: []string{"newsletter"}, Subscribed: true, Active: true},
		{ID: "ben", Name: "Ben", Email: "ben@example.com", Tags: []string{"vip"}, Subscribed: true, Active: true},
		{ID: "cai", Name: "Cai", Phone: "15550001", Tags: []string{"spa"}, Groups: []string{"newsletter"}, Subscribed: false, Active: true},
		{ID: "dee", Name: "Dee", Email: "dee@example.com", Tags: []string{"vip"}, Groups: []string{"newsletter"}, Subscribed: true, Active: false},
	}
	for _, c := range seed {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create(%s) error = %v", c.ID, err)
		}
	}
}

func ids(list []*Contact) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestResolve(t *testing.T) {
	repo := setupTestRepo(t)
	seedContacts(t, repo)
	r := NewResolver(repo)
	now := time.Now().Add(time.Second)

	tests := []struct {
		name string
		c    Criterion
		want []string
	}{
		{"explicit ids skip inactive", Criterion{ContactIDs: []string{"ana", "dee", "ana"}}, []string{"ana"}},
		{"explicit ids with inactive", Criterion{ContactIDs: []string{"ana", "dee"}, IncludeInactive: true}, []string{"ana", "dee"}},
		{"group", Criterion{Group: "newsletter"}, []string{"ana", "cai"}},
		{"tag union deduplicates", Criterion{Tags: []string{"vip", "spa"}}, []string{"ana", "ben", "cai"}},
		{"tag union with inactive", Criterion{Tags: []string{"vip", "spa"}, IncludeInactive: true}, []string{"ana", "ben", "cai", "dee"}},
		{"subscribed", Criterion{Subscription: Subscribed}, []string{"ana", "ben"}},
		{"unsubscribed", Criterion{Subscription: Unsubscribed}, []string{"cai"}},
		{"all", Criterion{All: true}, []string{"ana", "ben", "cai"}},
		{"unknown group", Criterion{Group: "nobody"}, []string{}},
		{"unknown tag", Criterion{Tags: []string{"ghost"}}, []string{}},
		{"unknown id", Criterion{ContactIDs: []string{"zed"}}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.c, now)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !equal(ids(got), tt.want) {
				t.Errorf("Resolve() = %v, want %v", ids(got), tt.want)
			}
		})
	}
}

func TestResolveLoadsLabels(t *testing.T) {
	repo := setupTestRepo(t)
	seedContacts(t, repo)

	got, err := NewResolver(repo).Resolve(context.Background(), Criterion{ContactIDs: []string{"ana"}}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if !equal(got[0].Tags, []string{"spa", "vip"}) {
		t.Errorf("Tags = %v, want [spa vip]", got[0].Tags)
	}
	if !equal(got[0].Groups, []string{"newsletter"}) {
		t.Errorf("Groups = %v, want [newsletter]", got[0].Groups)
	}
}

func TestResolveAsOf(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if err := repo.Create(ctx, &Contact{ID: "old", Active: true, CreatedAt: past}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, &Contact{ID: "new", Active: true}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := NewResolver(repo).Resolve(ctx, Criterion{All: true}, past.Add(time.Minute))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !equal(ids(got), []string{"old"}) {
		t.Errorf("Resolve() = %v, want [old]", ids(got))
	}
}

func TestResolveReflectsCurrentState(t *testing.T) {
	repo := setupTestRepo(t)
	seedContacts(t, repo)
	r := NewResolver(repo)
	ctx := context.Background()

	off := false
	if err := repo.Apply(ctx, "ben", Patch{SetActive: &off}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	got, err := r.Resolve(ctx, Criterion{Tags: []string{"vip"}}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !equal(ids(got), []string{"ana"}) {
		t.Errorf("Resolve() = %v, want [ana]", ids(got))
	}
}

func TestCriterionValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Criterion
		wantErr bool
	}{
		{"ids", Criterion{ContactIDs: []string{"a"}}, false},
		{"group", Criterion{Group: "g"}, false},
		{"tags", Criterion{Tags: []string{"t"}}, false},
		{"subscription", Criterion{Subscription: Subscribed}, false},
		{"all", Criterion{All: true}, false},
		{"empty", Criterion{}, true},
		{"blank group", Criterion{Group: "  "}, true},
		{"two selectors", Criterion{Group: "g", All: true}, true},
		{"bad subscription", Criterion{Subscription: "maybe"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCriterion) {
				t.Errorf("error %v is not ErrInvalidCriterion", err)
			}
		})
	}
}
