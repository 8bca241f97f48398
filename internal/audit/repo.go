package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one row of the audit timeline.
type Entry struct {
	ID       int64          `json:"id"`
	ActorID  int64          `json:"actor_id"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// TimelineFilters narrows the audit timeline query.
type TimelineFilters struct {
	From     *time.Time
	To       *time.Time
	ActorID  *int64
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// Repository reads audit rows.
type Repository interface {
	Timeline(ctx context.Context, filters TimelineFilters, limit, offset int) ([]Entry, error)
}

type repo struct {
	pool *pgxpool.Pool
}

// NewRepository returns a Postgres-backed audit repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repo{pool: pool}
}

func (r *repo) Timeline(ctx context.Context, filters TimelineFilters, limit, offset int) ([]Entry, error) {
	query := `SELECT a.id, a.actor_id, COALESCE(u.username, ''), a.action, a.entity, a.entity_id, a.meta, a.occurred_at
FROM audit_logs a
LEFT JOIN users u ON u.id = a.actor_id
WHERE 1=1`
	args := []any{}
	idx := 1
	if filters.From != nil {
		query += fmt.Sprintf(" AND a.occurred_at >= $%d", idx)
		args = append(args, *filters.From)
		idx++
	}
	if filters.To != nil {
		query += fmt.Sprintf(" AND a.occurred_at < $%d", idx)
		args = append(args, *filters.To)
		idx++
	}
	if filters.ActorID != nil {
		query += fmt.Sprintf(" AND a.actor_id = $%d", idx)
		args = append(args, *filters.ActorID)
		idx++
	}
	if filters.Entity != "" {
		query += fmt.Sprintf(" AND a.entity = $%d", idx)
		args = append(args, filters.Entity)
		idx++
	}
	if filters.Action != "" {
		query += fmt.Sprintf(" AND a.action = $%d", idx)
		args = append(args, filters.Action)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY a.occurred_at DESC, a.id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Actor, &e.Action, &e.Entity, &e.EntityID, &meta, &e.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
