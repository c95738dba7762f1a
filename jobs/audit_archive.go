package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/estatehub/estatehub/internal/jobs"
	"github.com/estatehub/estatehub/internal/platform/httpx"
)

// AuditArchiver is the audit service surface used by the archive job.
type AuditArchiver interface {
	Archive(ctx context.Context, actorID, actorType string, olderThan time.Duration) (int64, error)
}

// AuditArchiveJob runs retention archival on behalf of an authorized actor.
type AuditArchiveJob struct {
	Archiver AuditArchiver
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewAuditArchiveJob initialises the archive handler.
func NewAuditArchiveJob(archiver AuditArchiver, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditArchiveJob {
	return &AuditArchiveJob{Archiver: archiver, Logger: logger, Metrics: metrics}
}

// Handle executes one archival run. Permission and validation failures are
// not retried.
func (j *AuditArchiveJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Archiver == nil {
		return errors.New("audit archive: handler not configured")
	}
	var payload AuditArchivePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskAuditArchive)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(
		slog.String("actor_id", payload.ActorID),
		slog.String("actor_type", payload.ActorType),
		slog.Int("older_than_days", payload.OlderThanDays),
	)
	start := time.Now()
	moved, err := j.Archiver.Archive(ctx, payload.ActorID, payload.ActorType, time.Duration(payload.OlderThanDays)*24*time.Hour)
	if err != nil {
		if errors.Is(err, httpx.ErrForbidden) || errors.Is(err, httpx.ErrValidation) {
			logger.Warn("audit archive refused", slog.Any("error", err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		logger.Error("audit archive failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddProcessed(TaskAuditArchive, "audit_logs", moved)
	logger.Info("audit archive completed",
		slog.Int64("moved", moved),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *AuditArchiveJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
