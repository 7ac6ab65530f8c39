package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"schoolhub/identity/internal/audit"
	"schoolhub/identity/internal/auth"
	"schoolhub/identity/internal/crypto"
	"schoolhub/identity/internal/model"
	"schoolhub/identity/internal/repository"
)

const maxPasswordLength = 128

// Store is the subset of the credential store the protocol needs. Both
// repository.Store and repository.MemoryStore satisfy it.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByID(ctx context.Context, userID string) (model.User, error)
	ListUsers(ctx context.Context, limit int) ([]model.User, error)
	CreateBootstrapAdmin(ctx context.Context, user model.User) (bool, error)
	CreateTeacher(ctx context.Context, user model.User, profile model.TeacherProfile) error
	UpdateUser(ctx context.Context, userID string, update model.UserUpdate, updatedAt time.Time) (model.User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string, updatedAt time.Time) error
	GetTeacherProfile(ctx context.Context, userID string) (model.TeacherProfile, error)
	CreateRefreshToken(ctx context.Context, token model.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (model.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, tokenHash string) (bool, error)
	DeleteRefreshTokensByUser(ctx context.Context, userID string) (int64, error)
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(encoded, password string) bool
}

type TokenIssuer interface {
	IssueAccessToken(user model.User) (string, error)
	Verify(token string) auth.Verification
}

type AuditLogger interface {
	Record(ctx context.Context, e audit.Event)
}

type Config struct {
	RefreshTokenTTL   time.Duration
	MinPasswordLength int
}

// Meta describes the client a session is issued to.
type Meta struct {
	UserAgent string
	IP        string
}

// Tokens is the result of a successful login or refresh. RefreshToken is the
// plaintext value and must only travel to the client.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             model.User
}

type Credentials struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required"`
}

type TeacherRegistration struct {
	Email     string `validate:"required,email,max=254"`
	Password  string `validate:"required"`
	FirstName string `validate:"required,max=100"`
	LastName  string `validate:"required,max=100"`
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

type Service struct {
	store     Store
	hasher    PasswordHasher
	issuer    TokenIssuer
	audit     AuditLogger
	cfg       Config
	validate  *validator.Validate
	now       func() time.Time
	dummyHash string
}

func NewService(store Store, hasher PasswordHasher, issuer TokenIssuer, auditLog AuditLogger, cfg Config, opts ...Option) (*Service, error) {
	if store == nil || hasher == nil || issuer == nil {
		return nil, errors.New("session: store, hasher and issuer are required")
	}
	if cfg.RefreshTokenTTL <= 0 {
		return nil, errors.New("session: refresh token ttl must be positive")
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 8
	}
	// Unknown emails are verified against this hash so that a login attempt
	// costs the same whether or not the account exists.
	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("session: dummy hash: %w", err)
	}
	s := &Service{
		store:     store,
		hasher:    hasher,
		issuer:    issuer,
		audit:     auditLog,
		cfg:       cfg,
		validate:  validator.New(),
		now:       time.Now,
		dummyHash: dummy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Login(ctx context.Context, email, password string, meta Meta) (Tokens, error) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		s.record(ctx, audit.Event{Action: audit.ActionLogin, Outcome: audit.OutcomeFailure, Detail: "missing_credentials", IP: meta.IP})
		return Tokens{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return Tokens{}, fmt.Errorf("load user: %w", err)
		}
		s.hasher.Verify(s.dummyHash, password)
		s.record(ctx, audit.Event{Action: audit.ActionLogin, Target: email, Outcome: audit.OutcomeFailure, Detail: "unknown_email", IP: meta.IP})
		return Tokens{}, ErrInvalidCredentials
	}

	if !s.hasher.Verify(user.PasswordHash, password) {
		s.record(ctx, audit.Event{Action: audit.ActionLogin, Target: user.ID, Outcome: audit.OutcomeFailure, Detail: "bad_password", IP: meta.IP})
		return Tokens{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.record(ctx, audit.Event{Action: audit.ActionLogin, Target: user.ID, Outcome: audit.OutcomeFailure, Detail: "inactive", IP: meta.IP})
		return Tokens{}, ErrInvalidCredentials
	}

	tokens, err := s.issue(ctx, user, meta)
	if err != nil {
		return Tokens{}, err
	}
	s.record(ctx, audit.Event{Actor: user.ID, Action: audit.ActionLogin, Outcome: audit.OutcomeSuccess, IP: meta.IP})
	return tokens, nil
}

// Refresh exchanges a refresh token for a new access token and rotates the
// refresh token. The presented token is consumed even when it is expired.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta Meta) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}
	hash := crypto.HashToken(refreshToken)

	row, err := s.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.record(ctx, audit.Event{Action: audit.ActionRefresh, Outcome: audit.OutcomeFailure, Detail: "unknown_token", IP: meta.IP})
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, fmt.Errorf("load refresh token: %w", err)
	}

	if row.Expired(s.now()) {
		if _, err := s.store.DeleteRefreshToken(ctx, hash); err != nil {
			return Tokens{}, fmt.Errorf("delete expired refresh token: %w", err)
		}
		s.record(ctx, audit.Event{Action: audit.ActionRefresh, Target: row.UserID, Outcome: audit.OutcomeFailure, Detail: "expired", IP: meta.IP})
		return Tokens{}, ErrInvalidRefreshToken
	}

	user, err := s.store.GetUserByID(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		s.record(ctx, audit.Event{Action: audit.ActionRefresh, Target: user.ID, Outcome: audit.OutcomeFailure, Detail: "inactive", IP: meta.IP})
		return Tokens{}, ErrInvalidRefreshToken
	}

	deleted, err := s.store.DeleteRefreshToken(ctx, hash)
	if err != nil {
		return Tokens{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !deleted {
		// Another request consumed the same token first.
		s.record(ctx, audit.Event{Action: audit.ActionRefresh, Target: user.ID, Outcome: audit.OutcomeFailure, Detail: "replayed", IP: meta.IP})
		return Tokens{}, ErrInvalidRefreshToken
	}

	tokens, err := s.issue(ctx, user, meta)
	if err != nil {
		return Tokens{}, err
	}
	s.record(ctx, audit.Event{Actor: user.ID, Action: audit.ActionRefresh, Outcome: audit.OutcomeSuccess, IP: meta.IP})
	return tokens, nil
}

// Logout invalidates the presented refresh token when it belongs to userID.
// Other sessions of the same user are left untouched.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string, meta Meta) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken != "" {
		hash := crypto.HashToken(refreshToken)
		row, err := s.store.GetRefreshToken(ctx, hash)
		switch {
		case err == nil && row.UserID == userID:
			if _, err := s.store.DeleteRefreshToken(ctx, hash); err != nil {
				return fmt.Errorf("delete refresh token: %w", err)
			}
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("load refresh token: %w", err)
		}
	}
	s.record(ctx, audit.Event{Actor: userID, Action: audit.ActionLogout, Outcome: audit.OutcomeSuccess, IP: meta.IP})
	return nil
}

func (s *Service) RevokeAll(ctx context.Context, actorID, userID string) (int64, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return 0, err
	}
	removed, err := s.store.DeleteRefreshTokensByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.record(ctx, audit.Event{Actor: actorID, Action: audit.ActionRevokeAll, Target: userID, Outcome: audit.OutcomeSuccess, Detail: fmt.Sprintf("revoked=%d", removed)})
	return removed, nil
}

// RegisterAdmin creates the bootstrap administrator. Only the first call can
// succeed; later calls get ErrAdminExists.
func (s *Service) RegisterAdmin(ctx context.Context, creds Credentials, meta Meta) (model.User, error) {
	creds.Email = model.NormalizeEmail(creds.Email)
	if err := s.validate.Struct(creds); err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hash, err := s.hashPassword(creds.Password)
	if err != nil {
		return model.User{}, err
	}

	now := s.now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        creds.Email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.store.CreateBootstrapAdmin(ctx, user)
	if err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return model.User{}, ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("create admin: %w", err)
	}
	if !created {
		s.record(ctx, audit.Event{Action: audit.ActionRegisterAdmin, Target: creds.Email, Outcome: audit.OutcomeFailure, Detail: "admin_exists", IP: meta.IP})
		return model.User{}, ErrAdminExists
	}
	s.record(ctx, audit.Event{Actor: user.ID, Action: audit.ActionRegisterAdmin, Outcome: audit.OutcomeSuccess, IP: meta.IP})
	return user, nil
}

// RegisterTeacher creates a teacher account and its profile together. The
// role is always teacher regardless of what the caller supplied.
func (s *Service) RegisterTeacher(ctx context.Context, reg TeacherRegistration, meta Meta) (model.User, model.TeacherProfile, error) {
	reg.Email = model.NormalizeEmail(reg.Email)
	reg.FirstName = strings.TrimSpace(reg.FirstName)
	reg.LastName = strings.TrimSpace(reg.LastName)
	if err := s.validate.Struct(reg); err != nil {
		return model.User{}, model.TeacherProfile{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hash, err := s.hashPassword(reg.Password)
	if err != nil {
		return model.User{}, model.TeacherProfile{}, err
	}

	now := s.now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        reg.Email,
		PasswordHash: hash,
		Role:         model.RoleTeacher,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile := model.TeacherProfile{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		FirstName: reg.FirstName,
		LastName:  reg.LastName,
		CreatedAt: now,
	}
	if err := s.store.CreateTeacher(ctx, user, profile); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return model.User{}, model.TeacherProfile{}, ErrEmailTaken
		}
		return model.User{}, model.TeacherProfile{}, fmt.Errorf("create teacher: %w", err)
	}
	s.record(ctx, audit.Event{Actor: user.ID, Action: audit.ActionRegister, Outcome: audit.OutcomeSuccess, IP: meta.IP})
	return user, profile, nil
}

// Authenticate resolves an access token to an active user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (model.User, error) {
	result := s.issuer.Verify(accessToken)
	switch result.Status {
	case auth.TokenValid:
	case auth.TokenExpired:
		return model.User{}, ErrTokenExpired
	default:
		return model.User{}, ErrTokenInvalid
	}

	user, err := s.store.GetUserByID(ctx, result.Claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.User{}, ErrUnauthenticated
		}
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return model.User{}, ErrUnauthenticated
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (model.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

func (s *Service) TeacherProfile(ctx context.Context, userID string) (model.TeacherProfile, error) {
	profile, err := s.store.GetTeacherProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.TeacherProfile{}, ErrNotFound
		}
		return model.TeacherProfile{}, fmt.Errorf("load teacher profile: %w", err)
	}
	return profile, nil
}

func (s *Service) ListUsers(ctx context.Context, limit int) ([]model.User, error) {
	users, err := s.store.ListUsers(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ChangePassword replaces the password after checking the current one and
// signs the user out everywhere.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string, meta Meta) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(user.PasswordHash, current) {
		s.record(ctx, audit.Event{Actor: userID, Action: audit.ActionPasswordChange, Outcome: audit.OutcomeFailure, Detail: "bad_password", IP: meta.IP})
		return ErrInvalidCredentials
	}
	hash, err := s.hashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, userID, hash, s.now().UTC()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if _, err := s.store.DeleteRefreshTokensByUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.record(ctx, audit.Event{Actor: userID, Action: audit.ActionPasswordChange, Outcome: audit.OutcomeSuccess, IP: meta.IP})
	return nil
}

// UpdateUser applies a partial update. Deactivating a user or changing their
// role revokes every refresh token they hold.
func (s *Service) UpdateUser(ctx context.Context, actorID, userID string, update model.UserUpdate) (model.User, error) {
	if update.Empty() {
		return model.User{}, fmt.Errorf("%w: no fields to update", ErrInvalidInput)
	}
	if update.Email != nil {
		email := model.NormalizeEmail(*update.Email)
		if err := s.validate.Var(email, "required,email,max=254"); err != nil {
			return model.User{}, fmt.Errorf("%w: email", ErrInvalidInput)
		}
		update.Email = &email
	}
	if update.Role != nil && !update.Role.Valid() {
		return model.User{}, fmt.Errorf("%w: role", ErrInvalidInput)
	}

	before, err := s.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	updated, err := s.store.UpdateUser(ctx, userID, update, s.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return model.User{}, ErrNotFound
		case errors.Is(err, repository.ErrEmailTaken):
			return model.User{}, ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("update user: %w", err)
	}

	if (before.IsActive && !updated.IsActive) || before.Role != updated.Role {
		if _, err := s.store.DeleteRefreshTokensByUser(ctx, userID); err != nil {
			return model.User{}, fmt.Errorf("revoke refresh tokens: %w", err)
		}
	}
	s.record(ctx, audit.Event{Actor: actorID, Action: audit.ActionUserUpdate, Target: userID, Outcome: audit.OutcomeSuccess})
	return updated, nil
}

func (s *Service) issue(ctx context.Context, user model.User, meta Meta) (Tokens, error) {
	accessToken, err := s.issuer.IssueAccessToken(user)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := crypto.NewRefreshToken()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.now().UTC()
	row := model.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(refreshToken),
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt: now,
		UserAgent: optional(meta.UserAgent),
		IPAddress: optional(meta.IP),
	}
	if err := s.store.CreateRefreshToken(ctx, row); err != nil {
		return Tokens{}, fmt.Errorf("store refresh token: %w", err)
	}
	return Tokens{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: row.ExpiresAt,
		User:             user,
	}, nil
}

func (s *Service) hashPassword(password string) (string, error) {
	length := utf8.RuneCountInString(password)
	if length < s.cfg.MinPasswordLength || length > maxPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if s.audit != nil {
		s.audit.Record(ctx, e)
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
