package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"schoolhub/identity/internal/auth"
	"schoolhub/identity/internal/crypto"
	"schoolhub/identity/internal/model"
	"schoolhub/identity/internal/repository"
)

const testPassword = "correct horse battery"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fixture struct {
	svc    *Service
	store  *repository.MemoryStore
	issuer *auth.Issuer
	clock  *fakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	issuer, err := auth.NewHMACIssuer("test-secret", "schoolhub-identity", 15*time.Minute)
	if err != nil {
		t.Fatalf("issuer error: %v", err)
	}
	hasher := crypto.NewPasswordHasher(crypto.Argon2Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1})
	clock := &fakeClock{now: time.Now().UTC()}
	svc, err := NewService(store, hasher, issuer, nil, Config{RefreshTokenTTL: 7 * 24 * time.Hour, MinPasswordLength: 8}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("service error: %v", err)
	}
	return fixture{svc: svc, store: store, issuer: issuer, clock: clock}
}

func (f fixture) admin(t *testing.T) model.User {
	t.Helper()
	user, err := f.svc.RegisterAdmin(context.Background(), Credentials{Email: "admin@school.test", Password: testPassword}, Meta{})
	if err != nil {
		t.Fatalf("register admin error: %v", err)
	}
	return user
}

func (f fixture) login(t *testing.T, email string) Tokens {
	t.Helper()
	tokens, err := f.svc.Login(context.Background(), email, testPassword, Meta{UserAgent: "test", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	return tokens
}

func TestLoginIssuesTokens(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)

	tokens := f.login(t, " Admin@School.test")
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", tokens)
	}
	if tokens.User.ID != admin.ID || tokens.User.Role != model.RoleAdmin {
		t.Fatalf("unexpected user %+v", tokens.User)
	}
	if want := f.clock.now.Add(7 * 24 * time.Hour); !tokens.RefreshExpiresAt.Equal(want) {
		t.Fatalf("expected refresh expiry %v, got %v", want, tokens.RefreshExpiresAt)
	}

	hashes := f.store.RefreshTokenHashes()
	if len(hashes) != 1 || hashes[0] != crypto.HashToken(tokens.RefreshToken) {
		t.Fatalf("expected only the token hash to be stored, got %v", hashes)
	}
	if hashes[0] == tokens.RefreshToken {
		t.Fatalf("plaintext refresh token stored")
	}

	if v := f.issuer.Verify(tokens.AccessToken); !v.Valid() || v.Claims.UserID != admin.ID {
		t.Fatalf("expected valid access token, got %+v", v)
	}
}

func TestLoginRejections(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	ctx := context.Background()

	if _, err := f.svc.Login(ctx, "admin@school.test", "wrong password", Meta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := f.svc.Login(ctx, "nobody@school.test", testPassword, Meta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := f.svc.Login(ctx, "", "", Meta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty: expected ErrInvalidCredentials, got %v", err)
	}

	inactive := false
	if _, err := f.store.UpdateUser(ctx, admin.ID, model.UserUpdate{IsActive: &inactive}, time.Now()); err != nil {
		t.Fatalf("deactivate error: %v", err)
	}
	if _, err := f.svc.Login(ctx, "admin@school.test", testPassword, Meta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("inactive: expected ErrInvalidCredentials, got %v", err)
	}
	if len(f.store.RefreshTokenHashes()) != 0 {
		t.Fatalf("failed logins must not create sessions")
	}
}

func TestRegisterAdminOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RegisterAdmin(ctx, Credentials{Email: "not-an-email", Password: testPassword}, Meta{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.RegisterAdmin(ctx, Credentials{Email: "admin@school.test", Password: "short"}, Meta{}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	f.admin(t)
	if _, err := f.svc.RegisterAdmin(ctx, Credentials{Email: "second@school.test", Password: testPassword}, Meta{}); !errors.Is(err, ErrAdminExists) {
		t.Fatalf("expected ErrAdminExists, got %v", err)
	}
	if _, err := f.svc.RegisterAdmin(ctx, Credentials{Email: "admin@school.test", Password: testPassword}, Meta{}); !errors.Is(err, ErrAdminExists) {
		t.Fatalf("expected ErrAdminExists for same payload, got %v", err)
	}
}

func TestRegisterTeacher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, profile, err := f.svc.RegisterTeacher(ctx, TeacherRegistration{
		Email:     "Ada@School.test",
		Password:  testPassword,
		FirstName: " Ada ",
		LastName:  "Lovelace",
	}, Meta{})
	if err != nil {
		t.Fatalf("register teacher error: %v", err)
	}
	if user.Role != model.RoleTeacher || user.Email != "ada@school.test" || !user.IsActive {
		t.Fatalf("unexpected user %+v", user)
	}
	if profile.UserID != user.ID || profile.FirstName != "Ada" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	got, err := f.svc.TeacherProfile(ctx, user.ID)
	if err != nil || got.ID != profile.ID {
		t.Fatalf("expected stored profile, got %+v %v", got, err)
	}
	if _, err := f.svc.TeacherProfile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, _, err = f.svc.RegisterTeacher(ctx, TeacherRegistration{Email: "ada@school.test", Password: testPassword, FirstName: "A", LastName: "B"}, Meta{})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	_, _, err = f.svc.RegisterTeacher(ctx, TeacherRegistration{Email: "grace@school.test", Password: testPassword}, Meta{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing names, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	f.admin(t)
	ctx := context.Background()

	first := f.login(t, "admin@school.test")
	second, err := f.svc.Refresh(ctx, first.RefreshToken, Meta{})
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == "" {
		t.Fatalf("expected rotated tokens")
	}

	if _, err := f.svc.Refresh(ctx, first.RefreshToken, Meta{}); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected reused token to fail, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, second.RefreshToken, Meta{}); err != nil {
		t.Fatalf("expected rotated token to work, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, "", Meta{}); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected empty token to fail, got %v", err)
	}
}

func TestRefreshExpiredTokenIsDeleted(t *testing.T) {
	f := newFixture(t)
	f.admin(t)

	tokens := f.login(t, "admin@school.test")
	f.clock.now = f.clock.now.Add(7*24*time.Hour + time.Second)

	if _, err := f.svc.Refresh(context.Background(), tokens.RefreshToken, Meta{}); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	if len(f.store.RefreshTokenHashes()) != 0 {
		t.Fatalf("expected expired row to be deleted")
	}
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	tokens := f.login(t, "admin@school.test")

	inactive := false
	if _, err := f.store.UpdateUser(context.Background(), admin.ID, model.UserUpdate{IsActive: &inactive}, time.Now()); err != nil {
		t.Fatalf("deactivate error: %v", err)
	}
	if _, err := f.svc.Refresh(context.Background(), tokens.RefreshToken, Meta{}); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestLogoutOnlyEndsOneSession(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	ctx := context.Background()

	deviceA := f.login(t, "admin@school.test")
	deviceB := f.login(t, "admin@school.test")

	if err := f.svc.Logout(ctx, admin.ID, deviceA.RefreshToken, Meta{}); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, deviceA.RefreshToken, Meta{}); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected device A token to be gone, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, deviceB.RefreshToken, Meta{}); err != nil {
		t.Fatalf("expected device B token to keep working, got %v", err)
	}
	if err := f.svc.Logout(ctx, admin.ID, "", Meta{}); err != nil {
		t.Fatalf("logout without token should succeed, got %v", err)
	}
}

func TestLogoutIgnoresForeignToken(t *testing.T) {
	f := newFixture(t)
	f.admin(t)
	ctx := context.Background()

	tokens := f.login(t, "admin@school.test")
	if err := f.svc.Logout(ctx, "someone-else", tokens.RefreshToken, Meta{}); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if len(f.store.RefreshTokenHashes()) != 1 {
		t.Fatalf("foreign logout must not delete the token")
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	ctx := context.Background()
	tokens := f.login(t, "admin@school.test")

	user, err := f.svc.Authenticate(ctx, tokens.AccessToken)
	if err != nil || user.ID != admin.ID {
		t.Fatalf("expected admin, got %+v %v", user, err)
	}
	if _, err := f.svc.Authenticate(ctx, "garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	past, err := auth.NewHMACIssuer("test-secret", "schoolhub-identity", 15*time.Minute, auth.WithClock(func() time.Time {
		return time.Now().Add(-time.Hour)
	}))
	if err != nil {
		t.Fatalf("issuer error: %v", err)
	}
	stale, err := past.IssueAccessToken(admin)
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, stale); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	inactive := false
	if _, err := f.store.UpdateUser(ctx, admin.ID, model.UserUpdate{IsActive: &inactive}, time.Now()); err != nil {
		t.Fatalf("deactivate error: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, tokens.AccessToken); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	ctx := context.Background()
	f.login(t, "admin@school.test")
	f.login(t, "admin@school.test")

	if err := f.svc.ChangePassword(ctx, admin.ID, "wrong password", "another strong one", Meta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, admin.ID, testPassword, "short", Meta{}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, admin.ID, testPassword, "another strong one", Meta{}); err != nil {
		t.Fatalf("change password error: %v", err)
	}
	if len(f.store.RefreshTokenHashes()) != 0 {
		t.Fatalf("expected all sessions revoked")
	}
	if _, err := f.svc.Login(ctx, "admin@school.test", "another strong one", Meta{}); err != nil {
		t.Fatalf("expected login with new password, got %v", err)
	}
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	ctx := context.Background()
	teacher, _, err := f.svc.RegisterTeacher(ctx, TeacherRegistration{Email: "t@school.test", Password: testPassword, FirstName: "T", LastName: "T"}, Meta{})
	if err != nil {
		t.Fatalf("register teacher error: %v", err)
	}
	f.login(t, "t@school.test")

	if _, err := f.svc.UpdateUser(ctx, admin.ID, teacher.ID, model.UserUpdate{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty update, got %v", err)
	}
	bogus := model.Role("principal")
	if _, err := f.svc.UpdateUser(ctx, admin.ID, teacher.ID, model.UserUpdate{Role: &bogus}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for role, got %v", err)
	}
	taken := "admin@school.test"
	if _, err := f.svc.UpdateUser(ctx, admin.ID, teacher.ID, model.UserUpdate{Email: &taken}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, err := f.svc.UpdateUser(ctx, admin.ID, "missing", model.UserUpdate{Email: &taken}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	email := "New@School.test"
	updated, err := f.svc.UpdateUser(ctx, admin.ID, teacher.ID, model.UserUpdate{Email: &email})
	if err != nil || updated.Email != "new@school.test" {
		t.Fatalf("expected email update, got %+v %v", updated, err)
	}
	if len(f.store.RefreshTokenHashes()) != 1 {
		t.Fatalf("email change must keep sessions")
	}

	inactive := false
	if _, err := f.svc.UpdateUser(ctx, admin.ID, teacher.ID, model.UserUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate error: %v", err)
	}
	if len(f.store.RefreshTokenHashes()) != 0 {
		t.Fatalf("deactivation must revoke sessions")
	}
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	ctx := context.Background()
	f.login(t, "admin@school.test")
	f.login(t, "admin@school.test")

	removed, err := f.svc.RevokeAll(ctx, admin.ID, admin.ID)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 revoked, got %d %v", removed, err)
	}
	if _, err := f.svc.RevokeAll(ctx, admin.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
