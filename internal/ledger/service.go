package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Reader derives point-in-time quantities from the ledger.
type Reader interface {
	CursorNow(ctx context.Context, tenantID string) (Cursor, error)
	QuantityAsOf(ctx context.Context, tenantID string, key Key, cursor Cursor) (decimal.Decimal, error)
}

// Writer validates and appends ledger events.
type Writer interface {
	Validate(ctx context.Context, evt Event) error
	Append(ctx context.Context, evt Event) (Event, error)
}

// RepositoryPort abstracts ledger persistence.
type RepositoryPort interface {
	// Head returns the sequence number of the tenant's latest committed event, 0 when empty.
	Head(ctx context.Context, tenantID string) (int64, error)
	// SumThrough sums deltas for key over events with seq <= through.
	SumThrough(ctx context.Context, tenantID string, key Key, through int64) (decimal.Decimal, error)
	// Insert assigns the next sequence number and stores evt.
	Insert(ctx context.Context, evt Event) (Event, error)
	// InsertNonNegative behaves like Insert but fails with ErrNegativeStock when the key's
	// balance including evt would drop below zero. The balance check and the insert are atomic.
	InsertNonNegative(ctx context.Context, evt Event) (Event, error)
	HasIdempotencyKey(ctx context.Context, tenantID, key string) (bool, error)
	List(ctx context.Context, tenantID string, filter ListFilter) ([]Event, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// Service implements Reader and Writer over a repository.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	allowNeg bool
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	return &Service{
		repo:     repo,
		audit:    audit,
		allowNeg: cfg.AllowNegativeStock,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CursorNow returns a cursor covering every event committed before the call.
func (s *Service) CursorNow(ctx context.Context, tenantID string) (Cursor, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", shared.ErrTenantUnresolved
	}
	head, err := s.repo.Head(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return CursorFromSeq(head), nil
}

// QuantityAsOf replays key's deltas up to and including cursor.
func (s *Service) QuantityAsOf(ctx context.Context, tenantID string, key Key, cursor Cursor) (decimal.Decimal, error) {
	if strings.TrimSpace(tenantID) == "" {
		return decimal.Zero, shared.ErrTenantUnresolved
	}
	if err := key.Validate(); err != nil {
		return decimal.Zero, err
	}
	seq, err := cursor.Seq()
	if err != nil {
		return decimal.Zero, err
	}
	if seq == 0 {
		return decimal.Zero, nil
	}
	return s.repo.SumThrough(ctx, tenantID, key, seq)
}

// Validate checks evt against the event schema without writing it.
func (s *Service) Validate(ctx context.Context, evt Event) error {
	if err := validateSchema(evt); err != nil {
		return err
	}
	if evt.IdempotencyKey != "" {
		exists, err := s.repo.HasIdempotencyKey(ctx, evt.TenantID, evt.IdempotencyKey)
		if err != nil {
			return ErrAppendFailed.WithCause(err)
		}
		if exists {
			return ErrDuplicateIdempotencyKey.WithDetails(map[string]any{"idempotencyKey": evt.IdempotencyKey})
		}
	}
	return nil
}

func validateSchema(evt Event) error {
	invalid := func(reason string) error {
		return ErrEventInvalid.WithDetails(map[string]any{"reason": reason})
	}
	if strings.TrimSpace(evt.TenantID) == "" {
		return shared.ErrTenantUnresolved
	}
	if strings.TrimSpace(evt.ActorUserID) == "" {
		return shared.ErrActorUnresolved
	}
	if !evt.Type.Valid() {
		return invalid("unknown event type")
	}
	if err := evt.Key().Validate(); err != nil {
		return err
	}
	if !QuantityFits(evt.DeltaQty) {
		return invalid("deltaQty must have at most 4 decimal places and magnitude below 1e16")
	}
	if evt.DeltaQty.IsZero() {
		return invalid("deltaQty must be non-zero")
	}
	switch evt.Type {
	case EventTypeIn:
		if !evt.DeltaQty.IsPositive() {
			return invalid("IN requires a positive deltaQty")
		}
	case EventTypeOut:
		if !evt.DeltaQty.IsNegative() {
			return invalid("OUT requires a negative deltaQty")
		}
	}
	switch evt.SourceType {
	case SourceTypeCycleCount:
		if evt.Type != EventTypeAdjustment {
			return invalid("cycle count events must be ADJUSTMENT")
		}
		if evt.SourceID == "" || evt.SourceLineID == "" {
			return invalid("sourceId and sourceLineId required")
		}
		if evt.PostLedgerBatchID == "" {
			return invalid("postLedgerBatchId required")
		}
		if evt.IdempotencyKey == "" {
			return invalid("idempotencyKey required")
		}
		if _, err := evt.FreezeLedgerCursor.Seq(); err != nil {
			return invalid("freezeLedgerCursor invalid")
		}
	case SourceTypeManual, SourceTypeGoodsReceipt:
	default:
		return invalid("unknown source type")
	}
	return nil
}

// Append validates evt and stores it with the next sequence number.
func (s *Service) Append(ctx context.Context, evt Event) (Event, error) {
	return s.append(ctx, evt, s.repo.Insert)
}

func (s *Service) append(ctx context.Context, evt Event, insert func(context.Context, Event) (Event, error)) (Event, error) {
	if err := s.Validate(ctx, evt); err != nil {
		return Event{}, err
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = s.now()
	}
	stored, err := insert(ctx, evt)
	if err != nil {
		if _, ok := shared.AsError(err); ok {
			return Event{}, err
		}
		return Event{}, ErrAppendFailed.WithCause(err)
	}
	return stored, nil
}

// PostMovement appends a manual movement after guarding against negative stock.
func (s *Service) PostMovement(ctx context.Context, input MovementInput) (Event, error) {
	if input.SourceType == "" {
		input.SourceType = SourceTypeManual
	}
	if input.SourceType == SourceTypeCycleCount {
		return Event{}, ErrEventInvalid.WithDetails(map[string]any{"reason": "cycle count events are posted by the cycle count engine"})
	}
	insert := s.repo.Insert
	if !s.allowNeg && input.DeltaQty.IsNegative() {
		insert = s.repo.InsertNonNegative
	}
	evt, err := s.append(ctx, Event{
		TenantID:       input.TenantID,
		Type:           input.Type,
		HubID:          input.Key.HubID,
		BinID:          input.Key.BinID,
		SkuID:          input.Key.SkuID,
		DeltaQty:       input.DeltaQty,
		SourceType:     input.SourceType,
		SourceID:       input.SourceID,
		ActorUserID:    input.ActorUserID,
		Reason:         input.Reason,
		IdempotencyKey: input.IdempotencyKey,
	}, insert)
	if err != nil {
		return Event{}, err
	}
	s.recordAudit(ctx, evt)
	return evt, nil
}

// ListEvents lists events in sequence order.
func (s *Service) ListEvents(ctx context.Context, tenantID string, filter ListFilter) ([]Event, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, shared.ErrTenantUnresolved
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 200
	}
	return s.repo.List(ctx, tenantID, filter)
}

func (s *Service) recordAudit(ctx context.Context, evt Event) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Category:    shared.AuditCategoryLedger,
		EventType:   "LEDGER_MOVEMENT_POSTED",
		TenantID:    evt.TenantID,
		ActorUserID: evt.ActorUserID,
		Entity:      "ledger_event",
		EntityID:    evt.ID,
		Meta: map[string]any{
			"seq":       evt.Seq,
			"eventType": string(evt.Type),
			"hubId":     evt.HubID,
			"binId":     evt.BinID,
			"skuId":     evt.SkuID,
			"deltaQty":  evt.DeltaQty.String(),
		},
		At: evt.OccurredAt,
	})
}

var errRepositoryNotConfigured = errors.New("ledger: repository not configured")
