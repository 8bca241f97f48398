package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Service authenticates users against the repository.
type Service struct {
	repo       Repository
	sessionTTL time.Duration
}

// NewService constructs the auth service.
func NewService(repo Repository, sessionTTL time.Duration) *Service {
	return &Service{repo: repo, sessionTTL: sessionTTL}
}

// Authenticate verifies the credentials and returns the user on success.
// Every failure path returns ErrInvalidCredentials so callers cannot
// distinguish a missing account from a wrong password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: lookup user: %w", err)
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// RegisterSession records a server-side session for the user.
func (s *Service) RegisterSession(ctx context.Context, sessionID string, userID int64, ip, ua string) error {
	expires := time.Now().Add(s.sessionTTL)
	if err := s.repo.CreateSession(ctx, sessionID, userID, expires, ip, ua); err != nil {
		return fmt.Errorf("auth: register session: %w", err)
	}
	return nil
}

// RemoveSession deletes the server-side session record.
func (s *Service) RemoveSession(ctx context.Context, sessionID string) error {
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("auth: remove session: %w", err)
	}
	return nil
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}
