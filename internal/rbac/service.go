package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Service evaluates and manages the role/permission mapping. The permission
// check itself is read-only; it either grants or yields a uniform denial.
type Service struct {
	pool     *pgxpool.Pool
	cache    *redis.Client
	cacheTTL time.Duration
}

// NewService constructs a Service backed by the provided pool. The redis
// client is optional; when present, effective permission sets are cached per
// user and invalidated on any assignment change.
func NewService(pool *pgxpool.Pool, cache *redis.Client) *Service {
	return &Service{pool: pool, cache: cache, cacheTTL: 5 * time.Minute}
}

// HasPermission reports whether any of the user's roles grants the named
// permission.
func (s *Service) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	permission = strings.TrimSpace(permission)
	if userID == 0 || permission == "" {
		return false, nil
	}
	granted, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range granted {
		if strings.EqualFold(p, permission) {
			return true, nil
		}
	}
	return false, nil
}

// Authorize is HasPermission expressed as a gate: it returns
// shared.ErrAccessDenied when the permission is not held.
func (s *Service) Authorize(ctx context.Context, userID int64, permission string) error {
	ok, err := s.HasPermission(ctx, userID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rbac: %s: %w", permission, shared.ErrAccessDenied)
	}
	return nil
}

// EffectivePermissions returns deduplicated permission names across all of the
// user's roles.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	if cached, ok := s.cachedPermissions(ctx, userID); ok {
		return cached, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT p.name
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
JOIN user_roles ur ON ur.role_id = rp.role_id
WHERE ur.user_id = $1
ORDER BY p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	perms := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.storePermissions(ctx, userID, perms)
	return perms, nil
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := []Role{}
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, created_at, updated_at FROM roles WHERE id=$1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
		}
		return Role{}, err
	}
	return role, nil
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("rbac: role name required: %w", shared.ErrValidation)
	}
	var role Role
	err := s.pool.QueryRow(ctx, `INSERT INTO roles (name, description, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW()) RETURNING id, name, description, created_at, updated_at`,
		name, strings.TrimSpace(description)).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	perms := []Permission{}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// SetRolePermissions replaces the permission set for a role.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id=$1`, roleID); err != nil {
		return err
	}
	for _, id := range permissionIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, NOW())`, roleID, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id, created_at) VALUES ($1, $2, NOW())
ON CONFLICT (user_id, role_id) DO NOTHING`, userID, roleID)
	if err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	return nil
}

// RemoveRole removes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id=$1 AND role_id=$2`, userID, roleID)
	if err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	return nil
}

func (s *Service) permissionCacheKey(userID int64) string {
	return fmt.Sprintf("rbac:perms:%d", userID)
}

func (s *Service) cachedPermissions(ctx context.Context, userID int64) ([]string, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, s.permissionCacheKey(userID)).Result()
	if err != nil {
		return nil, false
	}
	if raw == "" {
		return []string{}, true
	}
	return strings.Split(raw, ","), true
}

func (s *Service) storePermissions(ctx context.Context, userID int64, perms []string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, s.permissionCacheKey(userID), strings.Join(perms, ","), s.cacheTTL).Err()
}

func (s *Service) invalidateUser(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, s.permissionCacheKey(userID)).Err()
}

func (s *Service) invalidateAll(ctx context.Context) {
	if s.cache == nil {
		return
	}
	iter := s.cache.Scan(ctx, 0, "rbac:perms:*", 100).Iterator()
	for iter.Next(ctx) {
		_ = s.cache.Del(ctx, iter.Val()).Err()
	}
}
