package cyclecount

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Status enumerates cycle count lifecycle stages.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusPosted    Status = "POSTED"
)

var allowedTransitions = map[Status][]Status{
	StatusDraft:     {StatusSubmitted, StatusCancelled},
	StatusSubmitted: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:  {StatusPosted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected, StatusCancelled, StatusPosted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// FreezeDerivationRuleLedgerAsOfCursor tags snapshots derived by replaying the ledger to the freeze cursor.
const FreezeDerivationRuleLedgerAsOfCursor = "LEDGER_AS_OF_CURSOR"

// Header is the cycle count document.
type Header struct {
	ID                     string        `json:"cycleCountId"`
	TenantID               string        `json:"tenantId"`
	Status                 Status        `json:"status"`
	Notes                  string        `json:"notes,omitempty"`
	CreatedAt              time.Time     `json:"createdAtUtc"`
	CreatedBy              string        `json:"createdBy"`
	SubmittedAt            *time.Time    `json:"submittedAtUtc,omitempty"`
	SubmittedBy            string        `json:"submittedBy,omitempty"`
	ApprovedAt             *time.Time    `json:"approvedAtUtc,omitempty"`
	ApprovedBy             string        `json:"approvedBy,omitempty"`
	RejectedAt             *time.Time    `json:"rejectedAtUtc,omitempty"`
	RejectedBy             string        `json:"rejectedBy,omitempty"`
	RejectionReason        string        `json:"rejectionReason,omitempty"`
	CancelledAt            *time.Time    `json:"cancelledAtUtc,omitempty"`
	CancelledBy            string        `json:"cancelledBy,omitempty"`
	CancelReason           string        `json:"cancelReason,omitempty"`
	FreezeAt               *time.Time    `json:"freezeAtUtc,omitempty"`
	FreezeLedgerCursor     ledger.Cursor `json:"freezeLedgerCursor,omitempty"`
	FreezeDerivationRule   string        `json:"freezeDerivationRule,omitempty"`
	PostIdempotencyKey     string        `json:"postIdempotencyKey,omitempty"`
	PostLockClaimedAt      *time.Time    `json:"postLockClaimedAtUtc,omitempty"`
	PostLockClaimedBy      string        `json:"postLockClaimedBy,omitempty"`
	PostedAt               *time.Time    `json:"postedAtUtc,omitempty"`
	PostedBy               string        `json:"postedBy,omitempty"`
	PostLedgerBatchID      string        `json:"postLedgerBatchId,omitempty"`
	PostedLedgerEventCount int           `json:"postedLedgerEventCount"`
	Version                int64         `json:"version"`
	UpdatedAt              time.Time     `json:"updatedAtUtc"`
}

// Frozen reports whether the freeze snapshot fields are populated.
func (h Header) Frozen() bool {
	return h.FreezeAt != nil && h.FreezeLedgerCursor != ""
}

// Line is one counted stock position.
type Line struct {
	ID                        string              `json:"cycleCountLineId"`
	CycleCountID              string              `json:"cycleCountId"`
	HubID                     string              `json:"hubId"`
	BinID                     string              `json:"binId"`
	SkuID                     string              `json:"skuId"`
	CountedQty                decimal.Decimal     `json:"countedQty"`
	Note                      string              `json:"note,omitempty"`
	SystemQtyAtFreeze         decimal.NullDecimal `json:"systemQtyAtFreeze"`
	SystemQtyDerivationCursor ledger.Cursor       `json:"systemQtyDerivationCursor,omitempty"`
	DeltaPlanned              decimal.NullDecimal `json:"deltaPlanned"`
	CreatedAt                 time.Time           `json:"createdAtUtc"`
	UpdatedAt                 time.Time           `json:"updatedAtUtc"`
}

// Key returns the line's stock position.
func (l Line) Key() ledger.Key {
	return ledger.Key{HubID: l.HubID, BinID: l.BinID, SkuID: l.SkuID}
}

// LinePatch carries mutable line fields. Key fields are accepted only to detect change attempts.
type LinePatch struct {
	CountedQty *decimal.Decimal
	Note       *string
	HubID      *string
	BinID      *string
	SkuID      *string
}

// TransitionPatch carries the lifecycle fields a status change may set.
type TransitionPatch struct {
	At          time.Time
	ActorUserID string
	Reason      string
}

// FreezeLine is the derived snapshot for one line.
type FreezeLine struct {
	LineID                    string          `json:"cycleCountLineId"`
	SystemQtyAtFreeze         decimal.Decimal `json:"systemQtyAtFreeze"`
	SystemQtyDerivationCursor ledger.Cursor   `json:"systemQtyDerivationCursor"`
	DeltaPlanned              decimal.Decimal `json:"deltaPlanned"`
}

// FreezeSnapshot is the reproducible point-in-time view captured at submit.
type FreezeSnapshot struct {
	FreezeAt             time.Time     `json:"freezeAtUtc"`
	FreezeLedgerCursor   ledger.Cursor `json:"freezeLedgerCursor"`
	FreezeDerivationRule string        `json:"freezeDerivationRule"`
	Lines                []FreezeLine  `json:"lines"`
}

// ClaimReason explains a refused post-lock claim.
type ClaimReason string

const (
	ClaimReasonAlreadyPosted ClaimReason = "ALREADY_POSTED"
	ClaimReasonCollision     ClaimReason = "IDEMPOTENCY_COLLISION"
	ClaimReasonInvalidState  ClaimReason = "INVALID_STATE"
)

// ClaimResult is the outcome of ClaimPostLock.
type ClaimResult struct {
	Claimed bool
	Reason  ClaimReason
	Header  Header
}

// MarkPostedInput finalises a successful post.
type MarkPostedInput struct {
	PostIdempotencyKey     string
	PostLedgerBatchID      string
	PostedLedgerEventCount int
	ActorUserID            string
	At                     time.Time
}

// ListFilter narrows header listings.
type ListFilter struct {
	Status  Status
	Page    int
	PerPage int
}

var (
	ErrNotFound                   = shared.NewError(shared.CodeCycleCountNotFound, "")
	ErrLineNotFound               = shared.NewError(shared.CodeCycleCountLineNotFound, "")
	ErrLocked                     = shared.NewError(shared.CodeCycleCountLocked, "")
	ErrEmpty                      = shared.NewError(shared.CodeCycleCountEmpty, "")
	ErrDuplicateLineKey           = shared.NewError(shared.CodeDuplicateLineKey, "")
	ErrLineKeysImmutable          = shared.NewError(shared.CodeLineKeysImmutable, "")
	ErrCountedQtyInvalid          = shared.NewError(shared.CodeCountedQtyInvalid, "")
	ErrStateConflict              = shared.NewError(shared.CodeStateConflict, "")
	ErrFreezeSnapshotMissing      = shared.NewError(shared.CodeFreezeSnapshotMissing, "")
	ErrFreezeSnapshotLineMismatch = shared.NewError(shared.CodeFreezeSnapshotLineMismatch, "")
	ErrFreezeSnapshotUnknownLine  = shared.NewError(shared.CodeFreezeSnapshotUnknownLine, "")
	ErrSnapshotMismatch           = shared.NewError(shared.CodeSnapshotMismatch, "")
	ErrPostInvalidState           = shared.NewError(shared.CodePostInvalidState, "")
	ErrPostAlreadyCompleted       = shared.NewError(shared.CodePostAlreadyCompleted, "")
	ErrPostIdempotencyCollision   = shared.NewError(shared.CodePostIdempotencyCollision, "")
	ErrPostLockRequired           = shared.NewError(shared.CodePostLockRequired, "")
	ErrLedgerDerivationFailed     = shared.NewError(shared.CodeLedgerDerivationFailed, "")
	ErrValidation                 = shared.NewError(shared.CodeValidation, "")
)
