package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Enqueuer submits tasks. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

const defaultEnqueueTimeout = 2 * time.Second

// AuditEmitter hands audit records to the worker through the queue.
// Enqueue failures are logged and never returned, so auditing cannot fail a request.
type AuditEmitter struct {
	queue   Enqueuer
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewAuditEmitter constructs AuditEmitter.
func NewAuditEmitter(queue Enqueuer, logger *slog.Logger) *AuditEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditEmitter{queue: queue, logger: logger, timeout: defaultEnqueueTimeout, now: time.Now}
}

// Record enqueues log as a TaskAuditRecord task.
func (e *AuditEmitter) Record(ctx context.Context, log shared.AuditLog) error {
	if e == nil || e.queue == nil {
		return nil
	}
	if log.At.IsZero() {
		log.At = e.now().UTC()
	}
	task, err := NewAuditRecordTask(log)
	if err != nil {
		e.logger.Warn("build audit task", slog.String("event_type", log.EventType), slog.Any("error", err))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if _, err := e.queue.EnqueueContext(ctx, task, asynq.Queue(QueueDefault)); err != nil {
		e.logger.Error("enqueue audit task",
			slog.String("event_type", log.EventType),
			slog.String("tenant_id", log.TenantID),
			slog.String("entity_id", log.EntityID),
			slog.Any("error", err),
		)
	}
	return nil
}
