package cyclecount

import (
	"context"
	"sort"
	"time"

	"github.com/odyssey-erp/stockcount/internal/ledger"
)

// Snapshotter derives freeze snapshots from the ledger.
type Snapshotter struct {
	reader ledger.Reader
	now    func() time.Time
}

// NewSnapshotter constructs a Snapshotter reading through reader.
func NewSnapshotter(reader ledger.Reader) *Snapshotter {
	return &Snapshotter{reader: reader, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Snapshotter) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Compute captures the ledger cursor and derives system quantity and planned delta for every line.
// Any ledger failure aborts the whole snapshot; quantities never default to zero.
func (s *Snapshotter) Compute(ctx context.Context, tenantID string, lines []Line) (FreezeSnapshot, error) {
	freezeAt := s.now().UTC()
	cursor, err := s.reader.CursorNow(ctx, tenantID)
	if err != nil {
		return FreezeSnapshot{}, ErrLedgerDerivationFailed.WithCause(err).WithDetails(map[string]any{"stage": "cursor"})
	}
	if cursor == "" {
		return FreezeSnapshot{}, ErrLedgerDerivationFailed.WithDetails(map[string]any{"stage": "cursor", "reason": "empty cursor"})
	}

	sorted := SortLines(lines)
	out := make([]FreezeLine, 0, len(sorted))
	for _, line := range sorted {
		systemQty, err := s.reader.QuantityAsOf(ctx, tenantID, line.Key(), cursor)
		if err != nil {
			return FreezeSnapshot{}, ErrLedgerDerivationFailed.WithCause(err).WithDetails(map[string]any{
				"stage":            "quantity",
				"cycleCountLineId": line.ID,
			})
		}
		delta := line.CountedQty.Sub(systemQty)
		if !ledger.QuantityFits(systemQty) || !ledger.QuantityFits(delta) {
			return FreezeSnapshot{}, ErrLedgerDerivationFailed.WithDetails(map[string]any{
				"stage":            "quantity",
				"cycleCountLineId": line.ID,
				"reason":           "quantity out of storable range",
			})
		}
		out = append(out, FreezeLine{
			LineID:                    line.ID,
			SystemQtyAtFreeze:         systemQty,
			SystemQtyDerivationCursor: cursor,
			DeltaPlanned:              delta,
		})
	}
	return FreezeSnapshot{
		FreezeAt:             freezeAt,
		FreezeLedgerCursor:   cursor,
		FreezeDerivationRule: FreezeDerivationRuleLedgerAsOfCursor,
		Lines:                out,
	}, nil
}

// SortLines returns a copy of lines in canonical (hub, bin, sku, line id) order.
func SortLines(lines []Line) []Line {
	out := make([]Line, len(lines))
	copy(out, lines)
	sort.SliceStable(out, func(i, j int) bool {
		return lineSortKey(out[i]) < lineSortKey(out[j])
	})
	return out
}

func lineSortKey(l Line) string {
	return l.HubID + "\x00" + l.BinID + "\x00" + l.SkuID + "\x00" + l.ID
}
