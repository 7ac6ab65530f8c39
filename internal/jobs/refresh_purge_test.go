package jobs

import (
	"context"
	"testing"
	"time"

	"schoolhub/identity/internal/config"
	"schoolhub/identity/internal/logging"
	"schoolhub/identity/internal/model"
	"schoolhub/identity/internal/repository"
)

func seedStore(t *testing.T) *repository.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	now := time.Now().UTC()
	user := model.User{ID: "u1", Email: "u1@school.test", Role: model.RoleTeacher, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateTeacher(ctx, user, model.TeacherProfile{ID: "p1", UserID: "u1", CreatedAt: now}); err != nil {
		t.Fatalf("create user error: %v", err)
	}
	for hash, expires := range map[string]time.Time{
		"expired": now.Add(-time.Minute),
		"live":    now.Add(time.Hour),
	} {
		if err := store.CreateRefreshToken(ctx, model.RefreshToken{ID: hash, UserID: "u1", TokenHash: hash, CreatedAt: now, ExpiresAt: expires}); err != nil {
			t.Fatalf("create token error: %v", err)
		}
	}
	return store
}

func TestPurgeOnce(t *testing.T) {
	store := seedStore(t)
	removed, err := purgeOnce(context.Background(), store, time.Now().UTC(), time.Second)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d %v", removed, err)
	}
	hashes := store.RefreshTokenHashes()
	if len(hashes) != 1 || hashes[0] != "live" {
		t.Fatalf("expected live token to remain, got %v", hashes)
	}
}

func TestStartRefreshPurgeJob(t *testing.T) {
	store := seedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	purged := make(chan int64, 8)
	cfg := config.Config{RefreshPurgeInterval: 10 * time.Millisecond, RefreshPurgeTimeout: time.Second}
	StartRefreshPurgeJob(ctx, cfg, store, logging.Discard(), func(n int64) {
		select {
		case purged <- n:
		default:
		}
	})

	select {
	case n := <-purged:
		if n != 1 {
			t.Fatalf("expected first tick to remove 1 token, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("purge job did not run")
	}
}
