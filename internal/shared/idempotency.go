package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatehub/estatehub/internal/platform/db"
	"github.com/estatehub/estatehub/internal/platform/httpx"
)

// Execer is satisfied by pgxpool.Pool and pgx.Tx so keys can be claimed
// inside the caller's transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IdempotencyStore persists processed keys.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = fmt.Errorf("idempotent request already processed: %w", httpx.ErrConflict)

// Claim inserts key for module through q. A second claim of the same key
// fails with ErrIdempotencyConflict; Lookup then returns the bound ref.
func (s *IdempotencyStore) Claim(ctx context.Context, q Execer, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err := q.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, s.now().UTC())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Bind records the reference produced for a claimed key.
func (s *IdempotencyStore) Bind(ctx context.Context, q Execer, key, module, ref string) error {
	_, err := q.Exec(ctx, `UPDATE idempotency_keys SET ref_id = $3 WHERE key = $1 AND module = $2`, key, module, ref)
	return err
}

// Lookup returns the reference bound to a processed key.
func (s *IdempotencyStore) Lookup(ctx context.Context, key, module string) (string, error) {
	var ref *string
	err := s.pool.QueryRow(ctx, `SELECT ref_id FROM idempotency_keys WHERE key = $1 AND module = $2`, key, module).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("idempotency key %q: %w", key, httpx.ErrNotFound)
		}
		return "", err
	}
	if ref == nil {
		return "", nil
	}
	return *ref, nil
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
