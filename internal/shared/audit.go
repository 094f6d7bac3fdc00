package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit categories.
const (
	AuditCategoryCycleCount = "cycle_count"
	AuditCategoryLedger     = "ledger"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	Category    string         `json:"category"`
	EventType   string         `json:"eventType"`
	TenantID    string         `json:"tenantId"`
	ActorUserID string         `json:"actorUserId,omitempty"`
	Entity      string         `json:"entity"`
	EntityID    string         `json:"entityId"`
	Meta        map[string]any `json:"meta,omitempty"`
	At          time.Time      `json:"at"`
}

// Validate checks the mandatory fields.
func (l AuditLog) Validate() error {
	if l.EventType == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires event_type/entity/entity_id")
	}
	if l.TenantID == "" {
		return errors.New("audit log requires tenant_id")
	}
	return nil
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (tenant_id, actor_user_id, category, event_type, entity, entity_id, meta, occurred_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		log.TenantID, log.ActorUserID, log.Category, log.EventType, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// SlogAuditSink writes audit records to a structured logger.
type SlogAuditSink struct {
	logger *slog.Logger
}

// NewSlogAuditSink constructs SlogAuditSink.
func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditSink{logger: logger}
}

// Record logs the entry at info level.
func (s *SlogAuditSink) Record(ctx context.Context, log AuditLog) error {
	s.logger.InfoContext(ctx, "audit",
		slog.String("category", log.Category),
		slog.String("event_type", log.EventType),
		slog.String("tenant_id", log.TenantID),
		slog.String("actor_user_id", log.ActorUserID),
		slog.String("entity", log.Entity),
		slog.String("entity_id", log.EntityID),
		slog.Any("meta", log.Meta),
	)
	return nil
}

// AuditRecorder stores audit records.
type AuditRecorder interface {
	Record(ctx context.Context, log AuditLog) error
}

const defaultAuditTimeout = 2 * time.Second

// BoundedAuditSink calls a synchronous recorder outside the caller's cancellation and
// with its own deadline. Failures are logged, never returned.
type BoundedAuditSink struct {
	next    AuditRecorder
	timeout time.Duration
	logger  *slog.Logger
}

// NewBoundedAuditSink wraps next. A non-positive timeout falls back to two seconds.
func NewBoundedAuditSink(next AuditRecorder, timeout time.Duration, logger *slog.Logger) *BoundedAuditSink {
	if timeout <= 0 {
		timeout = defaultAuditTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BoundedAuditSink{next: next, timeout: timeout, logger: logger}
}

// Record forwards log to the wrapped recorder.
func (s *BoundedAuditSink) Record(ctx context.Context, log AuditLog) error {
	if s == nil || s.next == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.next.Record(ctx, log); err != nil {
		s.logger.Error("record audit",
			slog.String("event_type", log.EventType),
			slog.String("tenant_id", log.TenantID),
			slog.String("entity_id", log.EntityID),
			slog.Any("error", err),
		)
	}
	return nil
}
