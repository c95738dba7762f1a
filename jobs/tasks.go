package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditArchive moves expired audit rows to the archive table.
	TaskAuditArchive = "audit:archive"
	// TaskIdempotencyCleanup purges stale idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// AuditArchivePayload names the actor requesting archival. The worker
// re-checks the actor's permission before touching any row.
type AuditArchivePayload struct {
	ActorID       string `json:"actor_id"`
	ActorType     string `json:"actor_type"`
	OlderThanDays int    `json:"older_than_days"`
}

// NewAuditArchiveTask constructs an archival task.
func NewAuditArchiveTask(payload AuditArchivePayload) (*asynq.Task, error) {
	if payload.ActorID == "" || payload.ActorType == "" {
		return nil, errors.New("audit archive: actor required")
	}
	if payload.OlderThanDays <= 0 {
		return nil, errors.New("audit archive: older_than_days must be positive")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditArchive, data), nil
}

// IdempotencyCleanupPayload configures key retention in hours.
type IdempotencyCleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(olderThanHours int) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{OlderThanHours: olderThanHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
