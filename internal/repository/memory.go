package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"schoolhub/identity/internal/model"
)

// MemoryStore is a process-local credential store used for development and
// tests. Every method takes the single lock, which gives the same row-level
// atomicity the Postgres store provides.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]model.User
	teachers map[string]model.TeacherProfile
	tokens   map[string]model.RefreshToken
	// bootstrapped stays set once the first admin exists, whatever later
	// happens to that account.
	bootstrapped bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]model.User),
		teachers: make(map[string]model.TeacherProfile),
		tokens:   make(map[string]model.RefreshToken),
	}
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = model.NormalizeEmail(email)
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, limit int) ([]model.User, error) {
	s.mu.RLock()
	users := make([]model.User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].Email < users[j].Email
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *MemoryStore) CreateBootstrapAdmin(_ context.Context, user model.User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bootstrapped {
		return false, nil
	}
	user.Role = model.RoleAdmin
	user.IsActive = true
	if err := s.insertUserLocked(user); err != nil {
		return false, err
	}
	s.bootstrapped = true
	return true, nil
}

func (s *MemoryStore) CreateTeacher(_ context.Context, user model.User, profile model.TeacherProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertUserLocked(user); err != nil {
		return err
	}
	s.teachers[profile.UserID] = profile
	return nil
}

func (s *MemoryStore) insertUserLocked(user model.User) error {
	user.Email = model.NormalizeEmail(user.Email)
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return ErrEmailTaken
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, userID string, update model.UserUpdate, updatedAt time.Time) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return model.User{}, ErrNotFound
	}
	if update.Email != nil {
		email := model.NormalizeEmail(*update.Email)
		for id, existing := range s.users {
			if id != userID && existing.Email == email {
				return model.User{}, ErrEmailTaken
			}
		}
		user.Email = email
	}
	if update.Role != nil {
		user.Role = *update.Role
	}
	if update.IsActive != nil {
		user.IsActive = *update.IsActive
	}
	user.UpdatedAt = updatedAt
	s.users[userID] = user
	return user, nil
}

func (s *MemoryStore) UpdatePassword(_ context.Context, userID, passwordHash string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = updatedAt
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) GetTeacherProfile(_ context.Context, userID string) (model.TeacherProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.teachers[userID]
	if !ok {
		return model.TeacherProfile{}, ErrNotFound
	}
	return profile, nil
}

func (s *MemoryStore) CreateRefreshToken(_ context.Context, token model.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[token.UserID]; !ok {
		return ErrNotFound
	}
	s.tokens[token.TokenHash] = token
	return nil
}

func (s *MemoryStore) GetRefreshToken(_ context.Context, tokenHash string) (model.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenHash]
	if !ok {
		return model.RefreshToken{}, ErrNotFound
	}
	return token, nil
}

func (s *MemoryStore) DeleteRefreshToken(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tokenHash]; !ok {
		return false, nil
	}
	delete(s.tokens, tokenHash)
	return true, nil
}

func (s *MemoryStore) DeleteRefreshTokensByUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for hash, token := range s.tokens {
		if token.UserID == userID {
			delete(s.tokens, hash)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) DeleteExpiredRefreshTokens(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for hash, token := range s.tokens {
		if !token.ExpiresAt.After(before) {
			delete(s.tokens, hash)
			removed++
		}
	}
	return removed, nil
}

// RefreshTokenHashes lists stored hashes, for inspection in tests and tooling.
func (s *MemoryStore) RefreshTokenHashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hashes := make([]string, 0, len(s.tokens))
	for hash := range s.tokens {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}
