package cyclecount

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

const (
	auditEntity    = "cycle_count"
	approvalModule = "cycle_count"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort persists and lists approval decisions.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, tenantID, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Approvals ApprovalPort
	Metrics   MetricsPort
	Logger    *slog.Logger
}

// Service coordinates cycle count lifecycle operations.
type Service struct {
	store     Store
	snapshots *Snapshotter
	engine    *PostingEngine
	audit     AuditPort
	approvals ApprovalPort
	metrics   MetricsPort
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService builds Service.
func NewService(store Store, reader ledger.Reader, writer ledger.Writer, audit AuditPort, cfg ServiceConfig) *Service {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		snapshots: NewSnapshotter(reader),
		engine:    NewPostingEngine(store, writer, metrics, logger),
		audit:     audit,
		approvals: cfg.Approvals,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now == nil {
		return
	}
	s.now = now
	s.snapshots.WithNow(now)
	s.engine.WithNow(now)
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// AddLineInput describes a new counted line.
type AddLineInput struct {
	HubID      string
	BinID      string
	SkuID      string
	CountedQty decimal.Decimal
	Note       string
}

// CreateDraft opens a new cycle count in DRAFT.
func (s *Service) CreateDraft(ctx context.Context, p shared.Principal, notes string) (Header, error) {
	if err := checkPrincipal(p); err != nil {
		return Header{}, err
	}
	now := s.clock()
	h := Header{
		ID:        s.newID(),
		TenantID:  p.TenantID,
		Status:    StatusDraft,
		Notes:     strings.TrimSpace(notes),
		CreatedAt: now,
		CreatedBy: p.ActorUserID,
		Version:   1,
		UpdatedAt: now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		h, err = tx.CreateDraft(ctx, h)
		return err
	})
	if err != nil {
		return Header{}, err
	}
	s.metrics.ObserveTransition(string(StatusDraft))
	s.recordAudit(ctx, p, "CYCLE_COUNT_CREATED", h.ID, nil)
	return h, nil
}

// Get returns a cycle count with its lines in canonical order.
func (s *Service) Get(ctx context.Context, p shared.Principal, id string) (Header, []Line, error) {
	if err := checkPrincipal(p); err != nil {
		return Header{}, nil, err
	}
	h, lines, err := s.store.Get(ctx, p.TenantID, id)
	if err != nil {
		return Header{}, nil, err
	}
	return h, SortLines(lines), nil
}

// List returns a page of cycle count headers.
func (s *Service) List(ctx context.Context, p shared.Principal, filter ListFilter) ([]Header, shared.Pagination, error) {
	if err := checkPrincipal(p); err != nil {
		return nil, shared.Pagination{}, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.Pagination{}, ErrValidation.WithDetails(map[string]any{"status": string(filter.Status)})
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	headers, total, err := s.store.List(ctx, p.TenantID, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return headers, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// AddLine appends a counted line to a DRAFT count.
func (s *Service) AddLine(ctx context.Context, p shared.Principal, id string, in AddLineInput) (Line, error) {
	if err := checkPrincipal(p); err != nil {
		return Line{}, err
	}
	now := s.clock()
	line := Line{
		ID:         s.newID(),
		HubID:      in.HubID,
		BinID:      in.BinID,
		SkuID:      in.SkuID,
		CountedQty: in.CountedQty,
		Note:       in.Note,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		line, err = tx.AddLine(ctx, p.TenantID, id, line)
		return err
	})
	if err != nil {
		s.recordDenied(ctx, p, "ADD_LINE", id, err)
		return Line{}, err
	}
	return line, nil
}

// UpdateLine patches countedQty and note of a DRAFT line.
func (s *Service) UpdateLine(ctx context.Context, p shared.Principal, id, lineID string, patch LinePatch) (Line, error) {
	if err := checkPrincipal(p); err != nil {
		return Line{}, err
	}
	var line Line
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		line, err = tx.UpdateLine(ctx, p.TenantID, id, lineID, patch, s.clock())
		return err
	})
	if err != nil {
		s.recordDenied(ctx, p, "UPDATE_LINE", id, err)
		return Line{}, err
	}
	return line, nil
}

// DeleteLine removes a DRAFT line.
func (s *Service) DeleteLine(ctx context.Context, p shared.Principal, id, lineID string) error {
	if err := checkPrincipal(p); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return tx.DeleteLine(ctx, p.TenantID, id, lineID, s.clock())
	})
	if err != nil {
		s.recordDenied(ctx, p, "DELETE_LINE", id, err)
	}
	return err
}

// Submit freezes the ledger view and moves DRAFT to SUBMITTED in one transaction.
func (s *Service) Submit(ctx context.Context, p shared.Principal, id string) (Header, []Line, error) {
	if err := checkPrincipal(p); err != nil {
		return Header{}, nil, err
	}
	var (
		header Header
		lines  []Line
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		h, current, err := tx.Load(ctx, p.TenantID, id)
		if err != nil {
			return err
		}
		if h.Status != StatusDraft {
			return stateConflict(StatusDraft, h.Status, StatusSubmitted)
		}
		if len(current) == 0 {
			return ErrEmpty
		}
		snap, err := s.snapshots.Compute(ctx, p.TenantID, current)
		if err != nil {
			return err
		}
		if _, err := tx.PersistFreezeSnapshot(ctx, p.TenantID, id, snap); err != nil {
			return err
		}
		if header, err = tx.TransitionStatus(ctx, p.TenantID, id, StatusDraft, StatusSubmitted, TransitionPatch{
			At:          snap.FreezeAt,
			ActorUserID: p.ActorUserID,
		}); err != nil {
			return err
		}
		_, lines, err = tx.Load(ctx, p.TenantID, id)
		return err
	})
	if err != nil {
		s.recordDenied(ctx, p, "SUBMIT", id, err)
		return Header{}, nil, err
	}
	s.metrics.ObserveTransition(string(StatusSubmitted))
	s.recordAudit(ctx, p, "CYCLE_COUNT_SUBMITTED", id, map[string]any{
		"freezeLedgerCursor":   string(header.FreezeLedgerCursor),
		"freezeDerivationRule": header.FreezeDerivationRule,
		"lines":                len(lines),
	})
	s.recordApproval(ctx, p, id, shared.ApprovalSubmit, "")
	return header, SortLines(lines), nil
}

// Approve moves SUBMITTED to APPROVED.
func (s *Service) Approve(ctx context.Context, p shared.Principal, id string) (Header, error) {
	h, err := s.transition(ctx, p, id, StatusSubmitted, StatusApproved, "")
	if err != nil {
		s.recordDenied(ctx, p, "APPROVE", id, err)
		return Header{}, err
	}
	s.recordAudit(ctx, p, "CYCLE_COUNT_APPROVED", id, nil)
	s.recordApproval(ctx, p, id, shared.ApprovalApprove, "")
	return h, nil
}

// Reject moves SUBMITTED to REJECTED. A reason is required.
func (s *Service) Reject(ctx context.Context, p shared.Principal, id, reason string) (Header, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Header{}, ErrValidation.WithDetails(map[string]any{"fields": map[string]any{"reason": "required"}})
	}
	h, err := s.transition(ctx, p, id, StatusSubmitted, StatusRejected, reason)
	if err != nil {
		s.recordDenied(ctx, p, "REJECT", id, err)
		return Header{}, err
	}
	s.recordAudit(ctx, p, "CYCLE_COUNT_REJECTED", id, map[string]any{"reason": reason})
	s.recordApproval(ctx, p, id, shared.ApprovalReject, reason)
	return h, nil
}

// Cancel moves a non-terminal count to CANCELLED.
func (s *Service) Cancel(ctx context.Context, p shared.Principal, id, reason string) (Header, error) {
	if err := checkPrincipal(p); err != nil {
		return Header{}, err
	}
	reason = strings.TrimSpace(reason)
	var header Header
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		h, _, err := tx.Load(ctx, p.TenantID, id)
		if err != nil {
			return err
		}
		header, err = tx.TransitionStatus(ctx, p.TenantID, id, h.Status, StatusCancelled, TransitionPatch{
			At:          s.clock(),
			ActorUserID: p.ActorUserID,
			Reason:      reason,
		})
		return err
	})
	if err != nil {
		s.recordDenied(ctx, p, "CANCEL", id, err)
		return Header{}, err
	}
	s.metrics.ObserveTransition(string(StatusCancelled))
	s.recordAudit(ctx, p, "CYCLE_COUNT_CANCELLED", id, map[string]any{"reason": reason})
	s.recordApproval(ctx, p, id, shared.ApprovalCancel, reason)
	return header, nil
}

// Post converts an APPROVED count into ledger adjustments exactly once.
func (s *Service) Post(ctx context.Context, p shared.Principal, id string) (PostResult, error) {
	if err := checkPrincipal(p); err != nil {
		return PostResult{}, err
	}
	result, err := s.engine.Post(ctx, p.TenantID, id, p.ActorUserID)
	if err != nil {
		s.recordDenied(ctx, p, "POST", id, err)
		return PostResult{}, err
	}
	s.recordAudit(ctx, p, "CYCLE_COUNT_POSTED", id, map[string]any{
		"postLedgerBatchId":      result.PostLedgerBatchID,
		"postedLedgerEventCount": result.PostedLedgerEventCount,
	})
	return result, nil
}

// Approvals returns the recorded approval decisions of a cycle count, oldest first.
func (s *Service) Approvals(ctx context.Context, p shared.Principal, id string) ([]shared.ApprovalLog, error) {
	if err := checkPrincipal(p); err != nil {
		return nil, err
	}
	if _, _, err := s.store.Get(ctx, p.TenantID, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	ref, err := uuid.Parse(id)
	if err != nil {
		return []shared.ApprovalLog{}, nil
	}
	logs, err := s.approvals.List(ctx, p.TenantID, approvalModule, ref)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []shared.ApprovalLog{}
	}
	return logs, nil
}

func (s *Service) transition(ctx context.Context, p shared.Principal, id string, from, to Status, reason string) (Header, error) {
	if err := checkPrincipal(p); err != nil {
		return Header{}, err
	}
	var header Header
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		header, err = tx.TransitionStatus(ctx, p.TenantID, id, from, to, TransitionPatch{
			At:          s.clock(),
			ActorUserID: p.ActorUserID,
			Reason:      reason,
		})
		return err
	})
	if err != nil {
		return Header{}, err
	}
	s.metrics.ObserveTransition(string(to))
	return header, nil
}

func checkPrincipal(p shared.Principal) error {
	if strings.TrimSpace(p.TenantID) == "" {
		return shared.ErrTenantUnresolved
	}
	if strings.TrimSpace(p.ActorUserID) == "" {
		return shared.ErrActorUnresolved
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, p shared.Principal, eventType, id string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Category:    shared.AuditCategoryCycleCount,
		EventType:   eventType,
		TenantID:    p.TenantID,
		ActorUserID: p.ActorUserID,
		Entity:      auditEntity,
		EntityID:    id,
		Meta:        meta,
		At:          s.clock(),
	})
}

func (s *Service) recordDenied(ctx context.Context, p shared.Principal, op, id string, err error) {
	if p.TenantID == "" {
		return
	}
	meta := map[string]any{
		"operation": op,
		"code":      string(shared.ErrorCode(err)),
	}
	if typed, ok := shared.AsError(err); ok && len(typed.Details) > 0 {
		meta["details"] = typed.Details
	}
	s.recordAudit(ctx, p, "CYCLE_COUNT_"+op+"_DENIED", id, meta)
}

func (s *Service) recordApproval(ctx context.Context, p shared.Principal, id string, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	ref, err := uuid.Parse(id)
	if err != nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		TenantID:    p.TenantID,
		Module:      approvalModule,
		RefID:       ref,
		ActorUserID: p.ActorUserID,
		Action:      action,
		Note:        note,
		At:          s.clock(),
	}); err != nil {
		s.logger.Warn("record cycle count approval", slog.String("cycle_count_id", id), slog.Any("error", err))
	}
}
