package users

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Service manages user accounts.
type Service struct {
	repo   Repository
	audit  *shared.AuditLogger
	logger *slog.Logger
}

// NewService constructs the users service.
func NewService(repo Repository, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger}
}

// List returns a page of accounts with the total count.
func (s *Service) List(ctx context.Context, p shared.Pagination) ([]Account, int, error) {
	return s.repo.List(ctx, p)
}

// Get returns a single account.
func (s *Service) Get(ctx context.Context, id int64) (*Account, error) {
	return s.repo.Get(ctx, id)
}

// Create provisions a new account with the given roles.
func (s *Service) Create(ctx context.Context, input CreateAccountInput) (*Account, error) {
	username := strings.TrimSpace(strings.ToLower(input.Username))
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if username == "" || email == "" {
		return nil, fmt.Errorf("%w: username and email are required", shared.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("users: hash password: %w", err)
	}

	id, err := s.repo.Create(ctx, username, email, string(hash), input.RoleIDs)
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, "user.created", id, map[string]any{"username": username})
	return s.repo.Get(ctx, id)
}

// SetActive enables or disables an account.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	action := "user.deactivated"
	if active {
		action = "user.activated"
	}
	s.recordAudit(ctx, action, id, nil)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, userID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.UserIDFromContext(ctx),
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
