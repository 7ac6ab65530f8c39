package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"schoolhub/identity/internal/model"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a transaction, rolling back when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const userColumns = `id, email, password_hash, role, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	var role string
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&role,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return model.User{}, notFound(err)
	}
	user.Role = model.Role(role)
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
    SELECT `+userColumns+`
    FROM users
    WHERE email = $1
  `, model.NormalizeEmail(email))
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	if !validID(userID) {
		return model.User{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
    SELECT `+userColumns+`
    FROM users
    WHERE id = $1
  `, userID)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT `+userColumns+`
    FROM users
    ORDER BY created_at, email
    LIMIT $1
  `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]model.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func insertUser(ctx context.Context, db execer, user model.User) error {
	_, err := db.Exec(ctx, `
    INSERT INTO users (id, email, password_hash, role, is_active, created_at, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7)
  `, user.ID, model.NormalizeEmail(user.Email), user.PasswordHash, string(user.Role), user.IsActive, user.CreatedAt, user.UpdatedAt)
	return emailTaken(err)
}

// CreateBootstrapAdmin inserts user as admin unless the bootstrap already
// happened. The marker row outlives the admin, so demoting or deactivating
// that account does not reopen self-registration.
func (s *Store) CreateBootstrapAdmin(ctx context.Context, user model.User) (bool, error) {
	user.Role = model.RoleAdmin
	user.IsActive = true

	created := false
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
      INSERT INTO admin_bootstrap (singleton, admin_id, created_at)
      VALUES (true, $1, $2)
      ON CONFLICT (singleton) DO NOTHING
    `, user.ID, user.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if err := insertUser(ctx, tx, user); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *Store) CreateTeacher(ctx context.Context, user model.User, profile model.TeacherProfile) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertUser(ctx, tx, user); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
      INSERT INTO teachers (id, user_id, first_name, last_name, created_at)
      VALUES ($1, $2, $3, $4, $5)
    `, profile.ID, profile.UserID, profile.FirstName, profile.LastName, profile.CreatedAt)
		return err
	})
}

func (s *Store) UpdateUser(ctx context.Context, userID string, update model.UserUpdate, updatedAt time.Time) (model.User, error) {
	if !validID(userID) {
		return model.User{}, ErrNotFound
	}
	sets := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if update.Email != nil {
		add("email", model.NormalizeEmail(*update.Email))
	}
	if update.Role != nil {
		add("role", string(*update.Role))
	}
	if update.IsActive != nil {
		add("is_active", *update.IsActive)
	}
	add("updated_at", updatedAt)
	args = append(args, userID)

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
    UPDATE users SET %s
    WHERE id = $%d
    RETURNING `+userColumns, strings.Join(sets, ", "), len(args)), args...)
	user, err := scanUser(row)
	if err != nil {
		return model.User{}, emailTaken(err)
	}
	return user, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string, updatedAt time.Time) error {
	if !validID(userID) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
    UPDATE users SET password_hash = $1, updated_at = $2
    WHERE id = $3
  `, passwordHash, updatedAt, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetTeacherProfile(ctx context.Context, userID string) (model.TeacherProfile, error) {
	if !validID(userID) {
		return model.TeacherProfile{}, ErrNotFound
	}
	var profile model.TeacherProfile
	row := s.pool.QueryRow(ctx, `
    SELECT id, user_id, first_name, last_name, created_at
    FROM teachers
    WHERE user_id = $1
  `, userID)
	err := row.Scan(&profile.ID, &profile.UserID, &profile.FirstName, &profile.LastName, &profile.CreatedAt)
	return profile, notFound(err)
}

func (s *Store) CreateRefreshToken(ctx context.Context, token model.RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at, user_agent, ip_address)
    VALUES ($1, $2, $3, $4, $5, $6, $7)
  `, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt, token.UserAgent, token.IPAddress)
	return err
}

func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	var token model.RefreshToken
	row := s.pool.QueryRow(ctx, `
    SELECT id, user_id, token_hash, expires_at, created_at, user_agent, ip_address
    FROM refresh_tokens
    WHERE token_hash = $1
  `, tokenHash)
	err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt, &token.UserAgent, &token.IPAddress)
	return token, notFound(err)
}

// DeleteRefreshToken reports whether a row was removed.
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteRefreshTokensByUser(ctx context.Context, userID string) (int64, error) {
	if !validID(userID) {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// validID reports whether id can match a UUID primary key. Anything else
// cannot exist and would only make Postgres fail with 22P02.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation {
		return ErrNotFound
	}
	return err
}

func emailTaken(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrEmailTaken
	}
	return err
}
