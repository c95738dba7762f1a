package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/shared"
)

// targetTables maps kinds to the collaborator table holding the target row.
var targetTables = map[Kind]string{
	KindExpense:     "expenses",
	KindRefund:      "refunds",
	KindLeaseEdit:   "leases",
	KindLeaseChange: "leases",
	KindOwnerPayout: "owner_payouts",
}

// ErrTargetMissing is returned when the guarded row does not exist.
var ErrTargetMissing = fmt.Errorf("approval: target not found: %w", httpx.ErrNotFound)

// StatusApplier marks the target row approved in its own table.
type StatusApplier struct {
	table string
}

// NewStatusApplier returns the applier for kind.
func NewStatusApplier(kind Kind) (StatusApplier, error) {
	table, ok := targetTables[kind]
	if !ok {
		return StatusApplier{}, fmt.Errorf("%w: kind %q", ErrInvalidRequest, kind)
	}
	return StatusApplier{table: table}, nil
}

// Apply sets approval_status on the target.
func (a StatusApplier) Apply(ctx context.Context, q shared.Execer, req Request) error {
	if q == nil {
		return errors.New("approval: applier needs a transaction")
	}
	tag, err := q.Exec(ctx, `UPDATE `+a.table+` SET approval_status = 'approved', approval_request_id = $2, approved_at = $3
WHERE id = $1 AND approval_status = 'pending'`, req.TargetID, req.ID, req.DecidedAt)
	if err != nil {
		return fmt.Errorf("approval: apply %s %s: %w", req.Kind, req.TargetID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrTargetMissing, a.table, req.TargetID)
	}
	return nil
}

// DefaultAppliers returns a status applier for every kind.
func DefaultAppliers() map[Kind]Applier {
	out := make(map[Kind]Applier, len(targetTables))
	for kind := range targetTables {
		a, _ := NewStatusApplier(kind)
		out[kind] = a
	}
	return out
}
