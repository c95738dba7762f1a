package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/estatehub/estatehub/internal/audit"
	"github.com/estatehub/estatehub/internal/platform/db"
	"github.com/estatehub/estatehub/internal/rbac"
	"github.com/estatehub/estatehub/internal/shared"
)

const idempotencyModule = "approval"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
	keys *shared.IdempotencyStore
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, keys *shared.IdempotencyStore) *Repository {
	return &Repository{pool: pool, keys: keys}
}

type txRepo struct {
	tx   pgx.Tx
	keys *shared.IdempotencyStore
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, keys: r.keys})
	})
}

const requestColumns = `id, kind, target_id, amount::text, details, pmc_id, landlord_id, portfolio_id, property_id, unit_id,
required_roles, status, initiator_id, initiator_type, decided_by_id, decided_by_type, decision_note,
created_at, expires_at, decided_at`

// Get loads one request.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	return scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id))
}

// ListPending returns requests still marked pending, oldest deadline first.
// Overdue rows are included; the service expires them.
func (r *Repository) ListPending(ctx context.Context, f ListFilter) ([]Request, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests
WHERE status = 'pending'
  AND ($1 = '' OR kind = $1)
  AND ($2 = '' OR property_id = $2)
ORDER BY expires_at, id
LIMIT $3`, string(f.Kind), f.PropertyID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// LookupKey returns the request id bound to an idempotency key.
func (r *Repository) LookupKey(ctx context.Context, key string) (string, error) {
	return r.keys.Lookup(ctx, key, idempotencyModule)
}

// Insert stores a new pending request.
func (t *txRepo) Insert(ctx context.Context, req Request) error {
	details, err := json.Marshal(req.Details)
	if err != nil {
		return fmt.Errorf("approval: encode details: %w", err)
	}
	s := req.Scope
	if s == nil {
		s = &rbac.Scope{}
	}
	roles := make([]string, len(req.RequiredRoles))
	for i, role := range req.RequiredRoles {
		roles[i] = string(role)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO approval_requests
(id, kind, target_id, amount, details, pmc_id, landlord_id, portfolio_id, property_id, unit_id,
 required_roles, status, initiator_id, initiator_type, created_at, expires_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		req.ID, string(req.Kind), req.TargetID, req.Amount.String(), details,
		optionalText(s.PMCID), optionalText(s.LandlordID), optionalText(s.PortfolioID),
		optionalText(s.PropertyID), optionalText(s.UnitID),
		roles, string(req.Status), req.Initiator.ID, string(req.Initiator.Type),
		req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("approval: insert request: %w", err)
	}
	return nil
}

// Lock selects a request FOR UPDATE.
func (t *txRepo) Lock(ctx context.Context, id uuid.UUID) (Request, error) {
	return scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id))
}

// Transition is a conditional status update.
func (t *txRepo) Transition(ctx context.Context, id uuid.UUID, from, to Status, by *rbac.Actor, note string, at time.Time) (bool, error) {
	var byID, byType pgtype.Text
	if by != nil {
		byID = optionalText(by.ID)
		byType = optionalText(string(by.Type))
	}
	tag, err := t.tx.Exec(ctx, `UPDATE approval_requests
SET status = $3, decided_by_id = $4, decided_by_type = $5, decision_note = $6, decided_at = $7
WHERE id = $1 AND status = $2`, id, string(from), string(to), byID, byType, note, at)
	if err != nil {
		return false, fmt.Errorf("approval: transition %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimKey claims an idempotency key inside the transaction.
func (t *txRepo) ClaimKey(ctx context.Context, key string) error {
	return t.keys.Claim(ctx, t.tx, key, idempotencyModule)
}

// BindKey links a claimed key to the created request.
func (t *txRepo) BindKey(ctx context.Context, key, ref string) error {
	return t.keys.Bind(ctx, t.tx, key, idempotencyModule, ref)
}

// InsertAudit writes an audit entry inside the transaction.
func (t *txRepo) InsertAudit(ctx context.Context, e audit.Entry) error {
	return audit.NewLogger(t.tx).Record(ctx, e)
}

// Querier exposes the transaction to appliers.
func (t *txRepo) Querier() shared.Execer {
	return t.tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		req                                 Request
		kind, status, amount, initiatorType string
		details                             []byte
		pmc, landlord, portfolio, prop, unt pgtype.Text
		roles                               []string
		byID, byType, note                  pgtype.Text
		decidedAt                           pgtype.Timestamptz
	)
	err := row.Scan(&req.ID, &kind, &req.TargetID, &amount, &details,
		&pmc, &landlord, &portfolio, &prop, &unt,
		&roles, &status, &req.Initiator.ID, &initiatorType, &byID, &byType, &note,
		&req.CreatedAt, &req.ExpiresAt, &decidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	req.Kind = Kind(kind)
	req.Status = Status(status)
	req.Initiator.Type = rbac.ActorType(initiatorType)
	if req.Amount, err = decimal.NewFromString(amount); err != nil {
		return Request{}, fmt.Errorf("approval: amount %q: %w", amount, err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &req.Details); err != nil {
			return Request{}, fmt.Errorf("approval: decode details: %w", err)
		}
	}
	s := rbac.Scope{PMCID: pmc.String, LandlordID: landlord.String, PortfolioID: portfolio.String, PropertyID: prop.String, UnitID: unt.String}
	if !s.IsZero() {
		req.Scope = &s
	}
	for _, role := range roles {
		req.RequiredRoles = append(req.RequiredRoles, rbac.RoleName(role))
	}
	if byID.Valid {
		req.DecidedBy = &rbac.Actor{ID: byID.String, Type: rbac.ActorType(byType.String)}
	}
	req.DecisionNote = note.String
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return req, nil
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

var _ RepositoryPort = (*Repository)(nil)
