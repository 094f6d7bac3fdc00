package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockcount/internal/cyclecount"
	jobmetrics "github.com/odyssey-erp/stockcount/internal/jobs"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const defaultStuckScanLimit = 100

// StuckPostLister lists counts that still hold a post lock while APPROVED.
type StuckPostLister interface {
	ListStuckPosts(ctx context.Context, claimedBefore time.Time, limit int) ([]cyclecount.Header, error)
}

// Locker guards a job against concurrent runs.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// StuckPostScanJob reports cycle counts whose post lock is older than Threshold.
// It only detects; counts are never resumed or released automatically.
type StuckPostScanJob struct {
	Store     StuckPostLister
	Audit     AuditSink
	Lock      Locker
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Threshold time.Duration
	clock     func() time.Time
}

// NewStuckPostScanJob initialises the stuck post scan handler.
func NewStuckPostScanJob(store StuckPostLister, audit AuditSink, lock Locker, threshold time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *StuckPostScanJob {
	return &StuckPostScanJob{
		Store:     store,
		Audit:     audit,
		Lock:      lock,
		Logger:    logger,
		Metrics:   metrics,
		Threshold: threshold,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one scan.
func (j *StuckPostScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("stuck post scan: handler not configured")
	}
	var payload StuckPostScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultStuckScanLimit
	}

	logger := j.logger()
	if j.Lock != nil {
		ok, err := j.Lock.Acquire(ctx)
		if err != nil {
			logger.Error("acquire scan lock", slog.Any("error", err))
			return err
		}
		if !ok {
			logger.Info("stuck post scan already running elsewhere")
			return nil
		}
		defer func() {
			if err := j.Lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release scan lock", slog.Any("error", err))
			}
		}()
	}

	start := j.now()
	tracker := j.metrics().Track(TaskStuckPostScan)
	cutoff := start.Add(-j.threshold())
	stuck, err := j.Store.ListStuckPosts(ctx, cutoff, payload.Limit)
	if err != nil {
		logger.Error("list stuck posts", slog.Any("error", err))
		return tracker.End(err)
	}

	perTenant := make(map[string]int)
	for _, h := range stuck {
		age := start.Sub(h.PostLockClaimedAt.UTC())
		logger.Warn("cycle count post stuck after lock claim",
			slog.String("tenant_id", h.TenantID),
			slog.String("cycle_count_id", h.ID),
			slog.String("post_idempotency_key", h.PostIdempotencyKey),
			slog.String("post_lock_claimed_by", h.PostLockClaimedBy),
			slog.Duration("age", age),
		)
		perTenant[h.TenantID]++
		if j.Audit == nil {
			continue
		}
		if err := j.Audit.Record(ctx, shared.AuditLog{
			Category:  shared.AuditCategoryCycleCount,
			EventType: "POST_STUCK_DETECTED",
			TenantID:  h.TenantID,
			Entity:    "cycle_count",
			EntityID:  h.ID,
			Meta: map[string]any{
				"postIdempotencyKey":   h.PostIdempotencyKey,
				"postLockClaimedAtUtc": h.PostLockClaimedAt.UTC(),
				"postLockClaimedBy":    h.PostLockClaimedBy,
				"ageSeconds":           int64(age.Seconds()),
			},
			At: start,
		}); err != nil {
			logger.Warn("record stuck post audit", slog.String("cycle_count_id", h.ID), slog.Any("error", err))
		}
	}
	for tenant, n := range perTenant {
		j.metrics().AddStuckPosts(tenant, n)
	}

	logger.Info("completed stuck post scan",
		slog.Int("stuck", len(stuck)),
		slog.Duration("threshold", j.threshold()),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(nil)
}

func (j *StuckPostScanJob) threshold() time.Duration {
	if j.Threshold > 0 {
		return j.Threshold
	}
	return 15 * time.Minute
}

func (j *StuckPostScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStuckPostScan))
	}
	return slog.Default().With(slog.String("job", TaskStuckPostScan))
}

func (j *StuckPostScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StuckPostScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
