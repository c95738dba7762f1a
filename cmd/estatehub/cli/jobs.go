package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/estatehub/estatehub/jobs"
)

// Enqueuer is the asynq client surface used by JobsCLI.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueInspector is the asynq inspector surface used by JobsCLI.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector QueueInspector
}

// NewJobsCLI initialises the CLI helpers against the queue's Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	if opts.Addr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerOptions carries the parameters a manual run needs.
type TriggerOptions struct {
	ActorID        string
	ActorType      string
	OlderThanDays  int
	OlderThanHours int
}

// Trigger enqueues a supported job by name. Archival runs on behalf of the
// given actor and is authorized again by the worker.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, enqueueOpts, err := buildTask(name, opts)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, enqueueOpts...)
}

func buildTask(name string, opts TriggerOptions) (*asynq.Task, []asynq.Option, error) {
	base := []asynq.Option{asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3)}
	switch name {
	case jobs.TaskAuditArchive:
		task, err := jobs.NewAuditArchiveTask(jobs.AuditArchivePayload{
			ActorID:       opts.ActorID,
			ActorType:     opts.ActorType,
			OlderThanDays: opts.OlderThanDays,
		})
		return task, append(base, asynq.Timeout(30*time.Minute)), err
	case jobs.TaskIdempotencyCleanup:
		task, err := jobs.NewIdempotencyCleanupTask(opts.OlderThanHours)
		return task, append(base, asynq.Unique(time.Hour)), err
	default:
		return nil, nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the default queue's counters.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// RefusedTask is an archived task with the error that stopped it.
type RefusedTask struct {
	ID      string
	Type    string
	Payload string
	Error   string
}

// ListRefused returns tasks asynq archived, which includes every archival
// request the worker refused for lack of permission.
func (c *JobsCLI) ListRefused(ctx context.Context, size int) ([]RefusedTask, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 20
	}
	infos, err := c.inspector.ListArchivedTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
	if err != nil {
		return nil, err
	}
	out := make([]RefusedTask, 0, len(infos))
	for _, info := range infos {
		out = append(out, RefusedTask{ID: info.ID, Type: info.Type, Payload: string(info.Payload), Error: info.LastErr})
	}
	return out, nil
}
