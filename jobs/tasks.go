package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditRecord persists one audit record.
	TaskAuditRecord = "audit:record"
	// TaskStuckPostScan reports cycle counts stuck with a claimed post lock.
	TaskStuckPostScan = "cycle_count:stuck_post_scan"
)

// AuditSink stores audit records.
type AuditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NewAuditRecordTask constructs an Asynq task carrying log.
func NewAuditRecordTask(log shared.AuditLog) (*asynq.Task, error) {
	if err := log.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRecord, data, asynq.MaxRetry(10), asynq.Timeout(30*time.Second)), nil
}

// AuditRecordHandler processes TaskAuditRecord tasks.
type AuditRecordHandler struct {
	Sink   AuditSink
	Logger *slog.Logger
}

// NewAuditRecordHandler constructs AuditRecordHandler.
func NewAuditRecordHandler(sink AuditSink, logger *slog.Logger) *AuditRecordHandler {
	return &AuditRecordHandler{Sink: sink, Logger: logger}
}

// Handle writes the decoded record. Undecodable or invalid payloads are not retried.
func (h *AuditRecordHandler) Handle(ctx context.Context, t *asynq.Task) error {
	if h == nil || h.Sink == nil {
		return errors.New("audit record: sink not configured")
	}
	var log shared.AuditLog
	if err := json.Unmarshal(t.Payload(), &log); err != nil {
		h.logger().Warn("drop undecodable audit task", slog.Any("error", err))
		return asynq.SkipRetry
	}
	if err := log.Validate(); err != nil {
		h.logger().Warn("drop invalid audit task", slog.String("event_type", log.EventType), slog.Any("error", err))
		return asynq.SkipRetry
	}
	if err := h.Sink.Record(ctx, log); err != nil {
		h.logger().Error("persist audit record",
			slog.String("event_type", log.EventType),
			slog.String("entity_id", log.EntityID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (h *AuditRecordHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger.With(slog.String("job", TaskAuditRecord))
	}
	return slog.Default().With(slog.String("job", TaskAuditRecord))
}

// StuckPostScanPayload configures one stuck post scan run.
type StuckPostScanPayload struct {
	Limit int `json:"limit"`
}

// NewStuckPostScanTask constructs the scan task.
func NewStuckPostScanTask(payload StuckPostScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStuckPostScan, data, asynq.MaxRetry(1)), nil
}
