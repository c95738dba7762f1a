package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatehub/estatehub/internal/platform/db"
)

// PGRepository reads audit_logs from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Window implements Repository.
func (r *PGRepository) Window(ctx context.Context, f Filters, offset, limit int) ([]Entry, error) {
	where, args := filterClause(f)
	args = append(args, limit, offset)
	sql := fmt.Sprintf(`SELECT id, actor_id, actor_type, action, resource, resource_id, details, occurred_at
FROM audit_logs%s
ORDER BY occurred_at DESC, id DESC
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// Archive implements Repository.
func (r *PGRepository) Archive(ctx context.Context, cutoff time.Time, marker Entry) (int64, error) {
	var moved int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO audit_logs_archive (id, actor_id, actor_type, action, resource, resource_id, details, occurred_at, archived_at)
SELECT id, actor_id, actor_type, action, resource, resource_id, details, occurred_at, $2
FROM audit_logs WHERE occurred_at < $1
ON CONFLICT (id) DO NOTHING`, cutoff, marker.At)
		if err != nil {
			return err
		}
		moved = tag.RowsAffected()
		if _, err := tx.Exec(ctx, `DELETE FROM audit_logs a WHERE a.occurred_at < $1
AND EXISTS (SELECT 1 FROM audit_logs_archive x WHERE x.id = a.id)`, cutoff); err != nil {
			return err
		}
		if marker.Details == nil {
			marker.Details = map[string]any{}
		}
		marker.Details["moved"] = moved
		return NewLogger(tx).Record(ctx, marker)
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func filterClause(f Filters) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if v := strings.TrimSpace(f.ActorID); v != "" {
		add("actor_id = $%d", v)
	}
	if v := strings.TrimSpace(f.ActorType); v != "" {
		add("actor_type = $%d", v)
	}
	if v := strings.TrimSpace(f.Action); v != "" {
		add("action = $%d", v)
	}
	if v := strings.TrimSpace(f.Resource); v != "" {
		add("resource = $%d", v)
	}
	if v := strings.TrimSpace(f.ResourceID); v != "" {
		add("resource_id = $%d", v)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorType, &e.Action, &e.Resource, &e.ResourceID, &details, &e.At); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Repository = (*PGRepository)(nil)
