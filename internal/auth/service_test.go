package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/shared"
)

type memoryRepo struct {
	users    map[string]*User
	sessions map[string]int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{users: make(map[string]*User), sessions: make(map[string]int64)}
}

func (m *memoryRepo) FindByUsername(_ context.Context, username string) (*User, error) {
	u, ok := m.users[username]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (m *memoryRepo) CreateSession(_ context.Context, id string, userID int64, _ time.Time, _, _ string) error {
	m.sessions[id] = userID
	return nil
}

func (m *memoryRepo) DeleteSession(_ context.Context, id string) error {
	delete(m.sessions, id)
	return nil
}

func seedUser(t *testing.T, repo *memoryRepo, username, password string, active bool) *User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	u := &User{ID: int64(len(repo.users) + 1), Username: username, Email: username + "@example.com", PasswordHash: hash, IsActive: active}
	repo.users[username] = u
	return u
}

func TestAuthenticateSuccess(t *testing.T) {
	repo := newMemoryRepo()
	seedUser(t, repo, "cashier", "secret123", true)
	svc := NewService(repo, time.Hour)

	user, err := svc.Authenticate(context.Background(), "cashier", "secret123")
	require.NoError(t, err)
	require.Equal(t, "cashier", user.Username)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	repo := newMemoryRepo()
	seedUser(t, repo, "cashier", "secret123", true)
	svc := NewService(repo, time.Hour)

	_, err := svc.Authenticate(context.Background(), "cashier", "wrong")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	svc := NewService(newMemoryRepo(), time.Hour)

	_, err := svc.Authenticate(context.Background(), "ghost", "secret123")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateInactiveUser(t *testing.T) {
	repo := newMemoryRepo()
	seedUser(t, repo, "cashier", "secret123", false)
	svc := NewService(repo, time.Hour)

	_, err := svc.Authenticate(context.Background(), "cashier", "secret123")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestSessionLifecycle(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, time.Hour)

	require.NoError(t, svc.RegisterSession(context.Background(), "sess-1", 7, "127.0.0.1", "test"))
	require.Equal(t, int64(7), repo.sessions["sess-1"])

	require.NoError(t, svc.RemoveSession(context.Background(), "sess-1"))
	require.NotContains(t, repo.sessions, "sess-1")
}
