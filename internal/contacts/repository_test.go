package contacts

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRepositoryCreateGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	c := &Contact{
		Name:       "Ana",
		Email:      "ana@example.com",
		Tags:       []string{"vip", " vip ", ""},
		Groups:     []string{"newsletter"},
		Subscribed: true,
		Active:     true,
		Attributes: map[string]string{"city": "Lisbon"},
	}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.ID == "" {
		t.Fatal("Create() should assign an ID")
	}

	got, err := repo.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Email != "ana@example.com" {
		t.Errorf("Email = %q, want ana@example.com", got.Email)
	}
	if !got.Subscribed || !got.Active {
		t.Errorf("Subscribed/Active = %v/%v, want true/true", got.Subscribed, got.Active)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "vip" {
		t.Errorf("Tags = %v, want [vip]", got.Tags)
	}
	if got.Attributes["city"] != "Lisbon" {
		t.Errorf("Attributes[city] = %q, want Lisbon", got.Attributes["city"])
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryApply(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	c := &Contact{ID: "c1", Tags: []string{"lead"}, Subscribed: true, Active: true,
		Attributes: map[string]string{"tier": "bronze"}}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	unsub := false
	err := repo.Apply(ctx, "c1", Patch{
		AddTags:       []string{"customer"},
		RemoveTags:    []string{"lead"},
		AddGroup:      "buyers",
		SetSubscribed: &unsub,
		Attributes:    map[string]string{"tier": "gold", "source": "booking"},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	got, err := repo.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !equal(got.Tags, []string{"customer"}) {
		t.Errorf("Tags = %v, want [customer]", got.Tags)
	}
	if !equal(got.Groups, []string{"buyers"}) {
		t.Errorf("Groups = %v, want [buyers]", got.Groups)
	}
	if got.Subscribed {
		t.Error("Subscribed = true, want false")
	}
	if got.Attributes["tier"] != "gold" || got.Attributes["source"] != "booking" {
		t.Errorf("Attributes = %v", got.Attributes)
	}

	if err := repo.Apply(ctx, "missing", Patch{AddGroup: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Apply(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryDeactivateIdle(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour)
	for _, c := range []*Contact{
		{ID: "idle", Active: true, CreatedAt: old},
		{ID: "busy", Active: true, CreatedAt: old},
		{ID: "gone", Active: false, CreatedAt: old},
	} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := repo.Touch(ctx, "busy", time.Now()); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	changed, err := repo.DeactivateIdle(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("DeactivateIdle() error = %v", err)
	}
	if !equal(changed, []string{"idle"}) {
		t.Errorf("DeactivateIdle() = %v, want [idle]", changed)
	}

	// Already inactive now; a second sweep reports nothing.
	changed, err = repo.DeactivateIdle(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("DeactivateIdle() error = %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("second DeactivateIdle() = %v, want []", changed)
	}

	if err := repo.Touch(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryReactivate(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &Contact{ID: "idle", Active: true, CreatedAt: time.Now().Add(-100 * 24 * time.Hour)}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	if changed, _ := repo.DeactivateIdle(ctx, cutoff, 10); !equal(changed, []string{"idle"}) {
		t.Fatalf("DeactivateIdle() = %v, want [idle]", changed)
	}

	if err := repo.Reactivate(ctx, "idle"); err != nil {
		t.Fatalf("Reactivate() error = %v", err)
	}
	c, err := repo.Get(ctx, "idle")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !c.Active {
		t.Error("contact still inactive after Reactivate")
	}

	// Still idle, so the next sweep takes it again.
	if changed, _ := repo.DeactivateIdle(ctx, cutoff, 10); !equal(changed, []string{"idle"}) {
		t.Errorf("DeactivateIdle() after Reactivate = %v, want [idle]", changed)
	}
}
