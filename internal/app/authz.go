package app

import (
	"context"
	"fmt"

	"github.com/estatehub/estatehub/internal/rbac"
)

// ArchiveAuthorizer lets the audit retention job ask the permission checker
// whether the requesting actor may archive audit rows.
type ArchiveAuthorizer struct {
	Checker *rbac.Checker
}

// CanArchive requires MANAGE on COMPLIANCE audit_logs.
func (a ArchiveAuthorizer) CanArchive(ctx context.Context, actorID, actorType string) (bool, error) {
	if a.Checker == nil {
		return false, nil
	}
	actor, err := rbac.NewActor(actorID, rbac.ActorType(actorType))
	if err != nil {
		return false, fmt.Errorf("archive authorizer: %w", err)
	}
	return a.Checker.MayAct(ctx, actor, rbac.ResourceAuditLogs, rbac.ActionManage, rbac.CategoryCompliance, nil)
}
