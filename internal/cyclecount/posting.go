package cyclecount

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// postKeyNamespace seeds deterministic post idempotency keys.
var postKeyNamespace = uuid.MustParse("6f1c9a52-2d0e-4c8b-9a57-3c1f0e8d7b21")

// PostIdempotencyKey derives the post-lock key for a cycle count. Every attempt on the same
// count yields the same key, so a second attempt can never claim the lock.
func PostIdempotencyKey(tenantID, cycleCountID string) string {
	return uuid.NewSHA1(postKeyNamespace, []byte(tenantID+"\x00"+cycleCountID)).String()
}

// LineIdempotencyKey is the ledger idempotency key of the adjustment for one line.
func LineIdempotencyKey(cycleCountID, lineID string) string {
	return "cycle-count:" + cycleCountID + ":" + lineID
}

// Post outcomes reported to metrics.
const (
	PostOutcomePosted           = "posted"
	PostOutcomeAlreadyCompleted = "already_completed"
	PostOutcomeCollision        = "collision"
	PostOutcomeRejected         = "rejected"
	PostOutcomeFailedAfterClaim = "failed_after_claim"
)

// MetricsPort receives cycle count instrumentation.
type MetricsPort interface {
	ObservePost(outcome string)
	AddLedgerEvents(n int)
	ObserveTransition(to string)
}

type noopMetrics struct{}

func (noopMetrics) ObservePost(string)       {}
func (noopMetrics) AddLedgerEvents(int)      {}
func (noopMetrics) ObserveTransition(string) {}

// PostResult is returned by a successful post.
type PostResult struct {
	Header                 Header `json:"header"`
	Lines                  []Line `json:"lines"`
	PostLedgerBatchID      string `json:"postLedgerBatchId"`
	PostedLedgerEventCount int    `json:"postedLedgerEventCount"`
}

// PostingEngine turns an approved, frozen cycle count into ledger adjustments exactly once.
type PostingEngine struct {
	store      Store
	writer     ledger.Writer
	metrics    MetricsPort
	logger     *slog.Logger
	now        func() time.Time
	newBatchID func() string
}

// NewPostingEngine constructs a PostingEngine.
func NewPostingEngine(store Store, writer ledger.Writer, metrics MetricsPort, logger *slog.Logger) *PostingEngine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostingEngine{
		store:      store,
		writer:     writer,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		newBatchID: uuid.NewString,
	}
}

// WithNow overrides the clock for deterministic tests.
func (e *PostingEngine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Post claims the post lock, re-validates the freeze snapshot, appends one ADJUSTMENT per
// non-zero line and marks the count POSTED. A failure after the claim leaves the lock held.
func (e *PostingEngine) Post(ctx context.Context, tenantID, cycleCountID, actorUserID string) (PostResult, error) {
	key := PostIdempotencyKey(tenantID, cycleCountID)

	var (
		header Header
		lines  []Line
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		h, ls, err := tx.Load(ctx, tenantID, cycleCountID)
		if err != nil {
			return err
		}
		switch {
		case h.Status == StatusPosted:
			return ErrPostAlreadyCompleted.WithDetails(map[string]any{"postLedgerBatchId": h.PostLedgerBatchID})
		case h.Status != StatusApproved:
			return ErrPostInvalidState.WithDetails(map[string]any{"status": string(h.Status)})
		case !h.Frozen():
			return ErrFreezeSnapshotMissing
		}
		result, err := tx.ClaimPostLock(ctx, tenantID, cycleCountID, key, actorUserID, e.now())
		if err != nil {
			return err
		}
		if !result.Claimed {
			return claimError(result)
		}
		header, lines = result.Header, ls
		return nil
	})
	if err != nil {
		e.metrics.ObservePost(preClaimOutcome(err))
		return PostResult{}, err
	}

	logger := e.logger.With(
		slog.String("tenant_id", tenantID),
		slog.String("cycle_count_id", cycleCountID),
		slog.String("post_idempotency_key", key),
	)
	result, err := e.appendAndMark(ctx, header, lines, key, actorUserID)
	if err != nil {
		e.metrics.ObservePost(PostOutcomeFailedAfterClaim)
		logger.Error("cycle count post failed after lock claim; count stays APPROVED with lock held",
			slog.String("code", string(shared.ErrorCode(err))),
			slog.Any("error", err),
		)
		return PostResult{}, err
	}
	e.metrics.ObservePost(PostOutcomePosted)
	e.metrics.ObserveTransition(string(StatusPosted))
	logger.Info("cycle count posted",
		slog.String("post_ledger_batch_id", result.PostLedgerBatchID),
		slog.Int("ledger_events", result.PostedLedgerEventCount),
	)
	return result, nil
}

func (e *PostingEngine) appendAndMark(ctx context.Context, header Header, lines []Line, key, actorUserID string) (PostResult, error) {
	batchID := e.newBatchID()
	sorted := SortLines(lines)

	events, err := buildAdjustments(header, sorted, batchID, actorUserID)
	if err != nil {
		return PostResult{}, err
	}
	for _, evt := range events {
		if err := e.writer.Validate(ctx, evt); err != nil {
			return PostResult{}, ledgerError(ledger.ErrEventInvalid, err, evt, 0)
		}
	}
	for i, evt := range events {
		if _, err := e.writer.Append(ctx, evt); err != nil {
			return PostResult{}, ledgerError(ledger.ErrAppendFailed, err, evt, i)
		}
		e.metrics.AddLedgerEvents(1)
	}

	var posted Header
	err = e.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		h, err := tx.MarkPosted(ctx, header.TenantID, header.ID, MarkPostedInput{
			PostIdempotencyKey:     key,
			PostLedgerBatchID:      batchID,
			PostedLedgerEventCount: len(events),
			ActorUserID:            actorUserID,
			At:                     e.now(),
		})
		posted = h
		return err
	})
	if err != nil {
		return PostResult{}, err
	}
	return PostResult{
		Header:                 posted,
		Lines:                  sorted,
		PostLedgerBatchID:      batchID,
		PostedLedgerEventCount: len(events),
	}, nil
}

// buildAdjustments recomputes every planned delta and returns one event per non-zero line.
func buildAdjustments(header Header, sorted []Line, batchID, actorUserID string) ([]ledger.Event, error) {
	events := make([]ledger.Event, 0, len(sorted))
	for _, line := range sorted {
		if !line.SystemQtyAtFreeze.Valid || !line.DeltaPlanned.Valid {
			return nil, ErrFreezeSnapshotMissing.WithDetails(map[string]any{"cycleCountLineId": line.ID})
		}
		recomputed := line.CountedQty.Sub(line.SystemQtyAtFreeze.Decimal)
		if !recomputed.Equal(line.DeltaPlanned.Decimal) {
			return nil, ErrSnapshotMismatch.WithDetails(map[string]any{
				"cycleCountLineId":  line.ID,
				"countedQty":        line.CountedQty.String(),
				"systemQtyAtFreeze": line.SystemQtyAtFreeze.Decimal.String(),
				"deltaPlanned":      line.DeltaPlanned.Decimal.String(),
				"deltaRecomputed":   recomputed.String(),
			})
		}
		if recomputed.IsZero() {
			continue
		}
		events = append(events, ledger.Event{
			TenantID:           header.TenantID,
			Type:               ledger.EventTypeAdjustment,
			HubID:              line.HubID,
			BinID:              line.BinID,
			SkuID:              line.SkuID,
			DeltaQty:           recomputed,
			SourceType:         ledger.SourceTypeCycleCount,
			SourceID:           header.ID,
			SourceLineID:       line.ID,
			FreezeLedgerCursor: header.FreezeLedgerCursor,
			PostLedgerBatchID:  batchID,
			ActorUserID:        actorUserID,
			Reason:             "cycle count adjustment",
			IdempotencyKey:     LineIdempotencyKey(header.ID, line.ID),
		})
	}
	return events, nil
}

func claimError(result ClaimResult) error {
	switch result.Reason {
	case ClaimReasonAlreadyPosted:
		return ErrPostAlreadyCompleted
	case ClaimReasonInvalidState:
		return ErrPostInvalidState.WithDetails(map[string]any{"status": string(result.Header.Status)})
	default:
		details := map[string]any{}
		if result.Header.PostLockClaimedAt != nil {
			details["postLockClaimedAtUtc"] = result.Header.PostLockClaimedAt.UTC()
			details["postLockClaimedBy"] = result.Header.PostLockClaimedBy
		}
		return ErrPostIdempotencyCollision.WithDetails(details)
	}
}

func preClaimOutcome(err error) string {
	switch shared.ErrorCode(err) {
	case shared.CodePostAlreadyCompleted:
		return PostOutcomeAlreadyCompleted
	case shared.CodePostIdempotencyCollision:
		return PostOutcomeCollision
	default:
		return PostOutcomeRejected
	}
}

// ledgerError keeps typed ledger errors and wraps anything else in fallback.
func ledgerError(fallback *shared.Error, err error, evt ledger.Event, appended int) error {
	details := map[string]any{
		"cycleCountLineId": evt.SourceLineID,
		"appendedEvents":   appended,
	}
	if typed, ok := shared.AsError(err); ok {
		return typed.WithDetails(mergeDetails(typed.Details, details))
	}
	return fallback.WithCause(err).WithDetails(details)
}

func mergeDetails(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
