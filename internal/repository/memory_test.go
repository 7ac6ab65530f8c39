package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"schoolhub/identity/internal/model"
)

func newUser(id, email string, role model.Role) model.User {
	now := time.Now().UTC()
	return model.User{
		ID:           id,
		Email:        email,
		PasswordHash: "hash",
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newProfile(userID string) model.TeacherProfile {
	return model.TeacherProfile{ID: "p-" + userID, UserID: userID, FirstName: "Ada", LastName: "Lovelace", CreatedAt: time.Now().UTC()}
}

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateTeacher(ctx, newUser("u1", "Teacher@X.com ", model.RoleTeacher), newProfile("u1")); err != nil {
		t.Fatalf("create error: %v", err)
	}
	if err := store.CreateTeacher(ctx, newUser("u2", "teacher@x.com", model.RoleTeacher), newProfile("u2")); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, err := store.GetTeacherProfile(ctx, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected teacher must not leave a profile, got %v", err)
	}

	user, err := store.GetUserByEmail(ctx, "TEACHER@x.com")
	if err != nil || user.ID != "u1" {
		t.Fatalf("expected lookup by normalized email, got %v %v", user.ID, err)
	}
	if _, err := store.GetUserByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	inactive := false
	role := model.RoleAdmin
	updated, err := store.UpdateUser(ctx, "u1", model.UserUpdate{IsActive: &inactive, Role: &role}, time.Now())
	if err != nil {
		t.Fatalf("update error: %v", err)
	}
	if updated.IsActive || updated.Role != model.RoleAdmin || updated.Email != "teacher@x.com" {
		t.Fatalf("unexpected update result %+v", updated)
	}
}

func TestMemoryStoreBootstrapAdminOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := store.CreateBootstrapAdmin(ctx, newUser(string(rune('a'+i)), string(rune('a'+i))+"@x.com", model.RoleAdmin))
			if err != nil {
				t.Errorf("bootstrap error: %v", err)
			}
			results <- created
		}(i)
	}
	wg.Wait()
	close(results)

	createdCount := 0
	for created := range results {
		if created {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one admin, got %d", createdCount)
	}
}

func TestMemoryStoreBootstrapSurvivesDemotion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.CreateBootstrapAdmin(ctx, newUser("a1", "admin@x.com", model.RoleAdmin))
	if err != nil || !created {
		t.Fatalf("expected bootstrap, got %v %v", created, err)
	}
	teacher := model.RoleTeacher
	inactive := false
	if _, err := store.UpdateUser(ctx, "a1", model.UserUpdate{Role: &teacher, IsActive: &inactive}, time.Now()); err != nil {
		t.Fatalf("demote error: %v", err)
	}

	created, err = store.CreateBootstrapAdmin(ctx, newUser("a2", "second@x.com", model.RoleAdmin))
	if err != nil || created {
		t.Fatalf("bootstrap must stay closed once used, got %v %v", created, err)
	}
	if _, err := store.GetUserByID(ctx, "a2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second admin must not be stored, got %v", err)
	}
}

func TestMemoryStoreBootstrapRetryAfterConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateTeacher(ctx, newUser("t1", "taken@x.com", model.RoleTeacher), newProfile("t1")); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if _, err := store.CreateBootstrapAdmin(ctx, newUser("a1", "taken@x.com", model.RoleAdmin)); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	created, err := store.CreateBootstrapAdmin(ctx, newUser("a1", "admin@x.com", model.RoleAdmin))
	if err != nil || !created {
		t.Fatalf("a failed bootstrap must not consume it, got %v %v", created, err)
	}
}

func TestMemoryStoreRefreshTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if created, err := store.CreateBootstrapAdmin(ctx, newUser("u1", "a@x.com", model.RoleAdmin)); err != nil || !created {
		t.Fatalf("create error: %v %v", created, err)
	}

	now := time.Now().UTC()
	tokens := []model.RefreshToken{
		{ID: "t1", UserID: "u1", TokenHash: "h1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "t2", UserID: "u1", TokenHash: "h2", CreatedAt: now, ExpiresAt: now.Add(-time.Hour)},
		{ID: "t3", UserID: "u1", TokenHash: "h3", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	for _, token := range tokens {
		if err := store.CreateRefreshToken(ctx, token); err != nil {
			t.Fatalf("create token error: %v", err)
		}
	}
	if err := store.CreateRefreshToken(ctx, model.RefreshToken{UserID: "ghost", TokenHash: "h4"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.GetRefreshToken(ctx, "h1"); err != nil {
			t.Fatalf("lookup %d should not consume token: %v", i, err)
		}
	}

	removed, err := store.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired token removed, got %d %v", removed, err)
	}

	deleted, err := store.DeleteRefreshToken(ctx, "h1")
	if err != nil || !deleted {
		t.Fatalf("expected delete, got %v %v", deleted, err)
	}
	deleted, _ = store.DeleteRefreshToken(ctx, "h1")
	if deleted {
		t.Fatalf("second delete must report false")
	}

	count, err := store.DeleteRefreshTokensByUser(ctx, "u1")
	if err != nil || count != 1 {
		t.Fatalf("expected one remaining token revoked, got %d %v", count, err)
	}
	if len(store.RefreshTokenHashes()) != 0 {
		t.Fatalf("expected empty token table")
	}
}

func TestMemoryStoreTeacherProfile(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := newUser("u1", "t@x.com", model.RoleTeacher)
	profile := model.TeacherProfile{ID: "p1", UserID: "u1", FirstName: "Ada", LastName: "Lovelace"}
	if err := store.CreateTeacher(ctx, user, profile); err != nil {
		t.Fatalf("create teacher error: %v", err)
	}
	got, err := store.GetTeacherProfile(ctx, "u1")
	if err != nil || got.ID != "p1" {
		t.Fatalf("expected profile, got %+v %v", got, err)
	}
	if _, err := store.GetTeacherProfile(ctx, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
