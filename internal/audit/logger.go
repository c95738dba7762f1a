package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
)

// Actions written by the access core.
const (
	ActionPermissionDenied    = "permission.denied"
	ActionSensitiveRead       = "sensitive.read"
	ActionBindingAssigned     = "binding.assigned"
	ActionBindingRefreshed    = "binding.refreshed"
	ActionBindingRemoved      = "binding.removed"
	ActionRoleChanged         = "role.changed"
	ActionResourceTransferred = "resource.transferred"
	ActionEmergencyGranted    = "emergency.granted"
	ActionEmergencyExpired    = "emergency.expired"
	ActionEmergencyRevoked    = "emergency.revoked"
	ActionApprovalCreated     = "approval.created"
	ActionApprovalApproved    = "approval.approved"
	ActionApprovalRejected    = "approval.rejected"
	ActionApprovalExpired     = "approval.expired"
	ActionAuditArchived       = "audit.archived"
	ActionAuthLogin           = "auth.login"
	ActionAuthLogout          = "auth.logout"
)

// Entry is one immutable audit row.
type Entry struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	ActorType  string         `json:"actor_type"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx so entries can be written
// inside the caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrInvalidEntry rejects entries missing their identifying fields.
var ErrInvalidEntry = errors.New("audit: entry requires action, resource and resource id")

// Logger appends rows to audit_logs. It never updates or deletes.
type Logger struct {
	db  DBTX
	now func() time.Time
}

// NewLogger returns a Logger writing through db.
func NewLogger(db DBTX) *Logger {
	return &Logger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record persists the entry.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if l == nil || l.db == nil {
		return errors.New("audit: logger not initialised")
	}
	e, err := Prepare(e, l.now)
	if err != nil {
		return err
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: encode details: %w", err)
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (id, actor_id, actor_type, action, resource, resource_id, details, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ActorID, e.ActorType, e.Action, e.Resource, e.ResourceID, details, e.At)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.Action, err)
	}
	return nil
}

// Prepare validates e and fills its id and timestamp.
func Prepare(e Entry, now func() time.Time) (Entry, error) {
	if e.Action == "" || e.Resource == "" || e.ResourceID == "" {
		return Entry{}, ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.At.IsZero() {
		e.At = now()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return e, nil
}
