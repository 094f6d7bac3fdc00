package cyclecount

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/ledger"
)

// The functions below hold the store rules shared by every Store implementation.
// Each returns the mutated copy; callers persist it.

func ensureDraft(h Header) error {
	if h.Status != StatusDraft {
		return ErrLocked.WithDetails(map[string]any{"status": string(h.Status)})
	}
	return nil
}

func stateConflict(expected, actual, to Status) error {
	return ErrStateConflict.WithDetails(map[string]any{
		"expected": string(expected),
		"actual":   string(actual),
		"to":       string(to),
	})
}

func touch(h Header, at time.Time) Header {
	h.Version++
	h.UpdatedAt = at
	return h
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// checkCountedQty accepts non-negative quantities the line table stores without rounding.
func checkCountedQty(qty decimal.Decimal) error {
	if !ledger.QuantityFits(qty) {
		return ErrCountedQtyInvalid.WithDetails(map[string]any{
			"reason": "countedQty must have at most 4 decimal places and magnitude below 1e16",
		})
	}
	if qty.IsNegative() {
		return ErrCountedQtyInvalid.WithDetails(map[string]any{"countedQty": qty.String()})
	}
	return nil
}

func prepareNewLine(h Header, existing []Line, line Line) (Line, error) {
	if err := ensureDraft(h); err != nil {
		return Line{}, err
	}
	line.HubID = strings.TrimSpace(line.HubID)
	line.BinID = strings.TrimSpace(line.BinID)
	line.SkuID = strings.TrimSpace(line.SkuID)
	if err := line.Key().Validate(); err != nil {
		return Line{}, err
	}
	if err := checkCountedQty(line.CountedQty); err != nil {
		return Line{}, err
	}
	for _, other := range existing {
		if other.Key() == line.Key() {
			return Line{}, ErrDuplicateLineKey.WithDetails(map[string]any{
				"hubId":            line.HubID,
				"binId":            line.BinID,
				"skuId":            line.SkuID,
				"cycleCountLineId": other.ID,
			})
		}
	}
	line.CycleCountID = h.ID
	line.SystemQtyAtFreeze = decimal.NullDecimal{}
	line.SystemQtyDerivationCursor = ""
	line.DeltaPlanned = decimal.NullDecimal{}
	return line, nil
}

func applyLinePatch(h Header, line Line, patch LinePatch, at time.Time) (Line, error) {
	if err := ensureDraft(h); err != nil {
		return Line{}, err
	}
	changed := func(p *string, current string) bool {
		return p != nil && strings.TrimSpace(*p) != current
	}
	if changed(patch.HubID, line.HubID) || changed(patch.BinID, line.BinID) || changed(patch.SkuID, line.SkuID) {
		return Line{}, ErrLineKeysImmutable.WithDetails(map[string]any{"cycleCountLineId": line.ID})
	}
	if patch.CountedQty != nil {
		if err := checkCountedQty(*patch.CountedQty); err != nil {
			return Line{}, err
		}
		line.CountedQty = *patch.CountedQty
	}
	if patch.Note != nil {
		line.Note = *patch.Note
	}
	line.UpdatedAt = at
	return line, nil
}

func applyTransition(h Header, from, to Status, patch TransitionPatch) (Header, error) {
	if h.Status != from {
		return Header{}, stateConflict(from, h.Status, to)
	}
	if !CanTransition(from, to) {
		return Header{}, stateConflict(from, h.Status, to)
	}
	at := patch.At.UTC()
	switch to {
	case StatusSubmitted:
		if !h.Frozen() {
			return Header{}, ErrFreezeSnapshotMissing
		}
		h.SubmittedAt = timePtr(at)
		h.SubmittedBy = patch.ActorUserID
	case StatusApproved:
		h.ApprovedAt = timePtr(at)
		h.ApprovedBy = patch.ActorUserID
	case StatusRejected:
		h.RejectedAt = timePtr(at)
		h.RejectedBy = patch.ActorUserID
		h.RejectionReason = patch.Reason
	case StatusCancelled:
		if h.PostIdempotencyKey != "" {
			return Header{}, ErrStateConflict.WithDetails(map[string]any{
				"actual": string(h.Status),
				"to":     string(to),
				"reason": "post lock already claimed",
			})
		}
		h.CancelledAt = timePtr(at)
		h.CancelledBy = patch.ActorUserID
		h.CancelReason = patch.Reason
	case StatusPosted:
		if h.PostIdempotencyKey == "" {
			return Header{}, ErrPostLockRequired
		}
		h.PostedAt = timePtr(at)
		h.PostedBy = patch.ActorUserID
	}
	h.Status = to
	return touch(h, at), nil
}

func applyFreeze(h Header, lines []Line, snap FreezeSnapshot) (Header, []Line, error) {
	if err := ensureDraft(h); err != nil {
		return Header{}, nil, err
	}
	if h.FreezeAt != nil || h.FreezeLedgerCursor != "" {
		return Header{}, nil, ErrStateConflict.WithDetails(map[string]any{"reason": "freeze snapshot already persisted"})
	}
	if snap.FreezeAt.IsZero() || snap.FreezeLedgerCursor == "" {
		return Header{}, nil, ErrFreezeSnapshotMissing
	}
	if len(snap.Lines) != len(lines) {
		return Header{}, nil, ErrFreezeSnapshotLineMismatch.WithDetails(map[string]any{
			"snapshotLines": len(snap.Lines),
			"storedLines":   len(lines),
		})
	}
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		index[line.ID] = i
	}
	seen := make(map[string]struct{}, len(snap.Lines))
	out := make([]Line, len(lines))
	copy(out, lines)
	for _, fl := range snap.Lines {
		i, ok := index[fl.LineID]
		if !ok {
			return Header{}, nil, ErrFreezeSnapshotUnknownLine.WithDetails(map[string]any{"cycleCountLineId": fl.LineID})
		}
		if _, dup := seen[fl.LineID]; dup {
			return Header{}, nil, ErrFreezeSnapshotLineMismatch.WithDetails(map[string]any{"cycleCountLineId": fl.LineID})
		}
		seen[fl.LineID] = struct{}{}
		out[i].SystemQtyAtFreeze = decimal.NewNullDecimal(fl.SystemQtyAtFreeze)
		out[i].SystemQtyDerivationCursor = fl.SystemQtyDerivationCursor
		out[i].DeltaPlanned = decimal.NewNullDecimal(fl.DeltaPlanned)
		out[i].UpdatedAt = snap.FreezeAt.UTC()
	}
	rule := snap.FreezeDerivationRule
	if rule == "" {
		rule = FreezeDerivationRuleLedgerAsOfCursor
	}
	h.FreezeAt = timePtr(snap.FreezeAt.UTC())
	h.FreezeLedgerCursor = snap.FreezeLedgerCursor
	h.FreezeDerivationRule = rule
	return touch(h, snap.FreezeAt.UTC()), out, nil
}

func applyClaim(h Header, key, actor string, at time.Time) (Header, ClaimResult) {
	switch {
	case h.Status == StatusPosted:
		return h, ClaimResult{Reason: ClaimReasonAlreadyPosted, Header: h}
	case h.PostIdempotencyKey != "":
		return h, ClaimResult{Reason: ClaimReasonCollision, Header: h}
	case h.Status != StatusApproved:
		return h, ClaimResult{Reason: ClaimReasonInvalidState, Header: h}
	}
	at = at.UTC()
	h.PostIdempotencyKey = key
	h.PostLockClaimedAt = timePtr(at)
	h.PostLockClaimedBy = actor
	h = touch(h, at)
	return h, ClaimResult{Claimed: true, Header: h}
}

func applyMarkPosted(h Header, in MarkPostedInput) (Header, error) {
	if h.Status == StatusPosted {
		return Header{}, ErrPostAlreadyCompleted
	}
	if h.PostIdempotencyKey == "" {
		return Header{}, ErrPostLockRequired
	}
	if in.PostIdempotencyKey != h.PostIdempotencyKey {
		return Header{}, ErrPostIdempotencyCollision
	}
	posted, err := applyTransition(h, StatusApproved, StatusPosted, TransitionPatch{At: in.At, ActorUserID: in.ActorUserID})
	if err != nil {
		return Header{}, err
	}
	posted.PostLedgerBatchID = in.PostLedgerBatchID
	posted.PostedLedgerEventCount = in.PostedLedgerEventCount
	return posted, nil
}
