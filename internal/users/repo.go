package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillpoint/tillpoint/internal/shared"
)

const uniqueViolation = "23505"

// Repository defines persistence operations for user accounts.
type Repository interface {
	List(ctx context.Context, p shared.Pagination) ([]Account, int, error)
	Get(ctx context.Context, id int64) (*Account, error)
	Create(ctx context.Context, username, email, passwordHash string, roleIDs []int64) (int64, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) List(ctx context.Context, p shared.Pagination) ([]Account, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `SELECT u.id, u.username, u.email, u.is_active, u.created_at, u.updated_at,
COALESCE(ARRAY_AGG(ro.name) FILTER (WHERE ro.name IS NOT NULL), '{}')
FROM users u
LEFT JOIN user_roles ur ON ur.user_id = u.id
LEFT JOIN roles ro ON ro.id = ur.role_id
GROUP BY u.id
ORDER BY u.id
LIMIT $1 OFFSET $2`, p.PerPage, p.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username, &a.Email, &a.IsActive, &a.CreatedAt, &a.UpdatedAt, &a.Roles); err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, a)
	}
	return accounts, total, rows.Err()
}

func (r *PGRepository) Get(ctx context.Context, id int64) (*Account, error) {
	var a Account
	err := r.pool.QueryRow(ctx, `SELECT u.id, u.username, u.email, u.is_active, u.created_at, u.updated_at,
COALESCE(ARRAY_AGG(ro.name) FILTER (WHERE ro.name IS NOT NULL), '{}')
FROM users u
LEFT JOIN user_roles ur ON ur.user_id = u.id
LEFT JOIN roles ro ON ro.id = ur.role_id
WHERE u.id = $1
GROUP BY u.id`, id).
		Scan(&a.ID, &a.Username, &a.Email, &a.IsActive, &a.CreatedAt, &a.UpdatedAt, &a.Roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Create inserts the user and its role assignments in one transaction.
func (r *PGRepository) Create(ctx context.Context, username, email, passwordHash string, roleIDs []int64) (int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO users (username, email, password_hash, is_active, created_at, updated_at)
VALUES ($1, $2, $3, TRUE, NOW(), NOW()) RETURNING id`, username, email, passwordHash).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, shared.ErrConflict
		}
		return 0, err
	}

	for _, roleID := range roleIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, roleID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PGRepository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
