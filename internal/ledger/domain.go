package ledger

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

// EventType enumerates supported stock movements.
type EventType string

const (
	// EventTypeIn represents an inbound movement.
	EventTypeIn EventType = "IN"
	// EventTypeOut represents an outbound movement.
	EventTypeOut EventType = "OUT"
	// EventTypeAdjustment indicates a signed correction.
	EventTypeAdjustment EventType = "ADJUSTMENT"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeIn, EventTypeOut, EventTypeAdjustment:
		return true
	}
	return false
}

// QuantityScale is the number of fractional digits stored for every quantity (NUMERIC(20,4)).
const QuantityScale = 4

const quantityIntegerDigits = 16

var maxQuantity = decimal.New(1, quantityIntegerDigits)

// QuantityFits reports whether q is stored exactly by a NUMERIC(20,4) column:
// at most four fractional digits and an absolute value below 1e16.
func QuantityFits(q decimal.Decimal) bool {
	// Reject out-of-range exponents before anything rescales the coefficient.
	exp := q.Exponent()
	if exp > quantityIntegerDigits || exp < -(QuantityScale+quantityIntegerDigits) {
		return false
	}
	if !q.Equal(q.Truncate(QuantityScale)) {
		return false
	}
	return q.Abs().LessThan(maxQuantity)
}

func checkNonNegative(onHand, delta decimal.Decimal) error {
	if onHand.Add(delta).IsNegative() {
		return ErrNegativeStock.WithDetails(map[string]any{
			"onHand":   onHand.String(),
			"deltaQty": delta.String(),
		})
	}
	return nil
}

// SourceType names the document that produced an event.
type SourceType string

const (
	SourceTypeCycleCount   SourceType = "CYCLE_COUNT"
	SourceTypeManual       SourceType = "MANUAL"
	SourceTypeGoodsReceipt SourceType = "GOODS_RECEIPT"
)

// Key addresses one stock position.
type Key struct {
	HubID string `json:"hubId"`
	BinID string `json:"binId"`
	SkuID string `json:"skuId"`
}

// Validate ensures every component is present.
func (k Key) Validate() error {
	if strings.TrimSpace(k.HubID) == "" || strings.TrimSpace(k.BinID) == "" || strings.TrimSpace(k.SkuID) == "" {
		return ErrLineKeysRequired
	}
	return nil
}

// Cursor is an opaque, totally ordered position in a tenant's ledger.
// Its textual form is the decimal sequence number of the last covered event.
type Cursor string

// CursorFromSeq builds the cursor covering events up to seq.
func CursorFromSeq(seq int64) Cursor {
	return Cursor(strconv.FormatInt(seq, 10))
}

// Seq returns the sequence number c covers.
func (c Cursor) Seq() (int64, error) {
	s := strings.TrimSpace(string(c))
	if s == "" {
		return 0, ErrCursorRequired
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrCursorInvalid.WithDetails(map[string]any{"cursor": string(c)})
	}
	return n, nil
}

// Event is a single append-only ledger entry.
type Event struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenantId"`
	Seq                int64           `json:"seq"`
	Type               EventType       `json:"eventType"`
	HubID              string          `json:"hubId"`
	BinID              string          `json:"binId"`
	SkuID              string          `json:"skuId"`
	DeltaQty           decimal.Decimal `json:"deltaQty"`
	SourceType         SourceType      `json:"sourceType"`
	SourceID           string          `json:"sourceId,omitempty"`
	SourceLineID       string          `json:"sourceLineId,omitempty"`
	FreezeLedgerCursor Cursor          `json:"freezeLedgerCursor,omitempty"`
	PostLedgerBatchID  string          `json:"postLedgerBatchId,omitempty"`
	ActorUserID        string          `json:"actorUserId"`
	Reason             string          `json:"reason,omitempty"`
	IdempotencyKey     string          `json:"idempotencyKey,omitempty"`
	OccurredAt         time.Time       `json:"occurredAtUtc"`
}

// Key returns the stock position the event touches.
func (e Event) Key() Key {
	return Key{HubID: e.HubID, BinID: e.BinID, SkuID: e.SkuID}
}

// MovementInput describes a manual movement request.
type MovementInput struct {
	TenantID       string
	ActorUserID    string
	Type           EventType
	Key            Key
	DeltaQty       decimal.Decimal
	SourceType     SourceType
	SourceID       string
	Reason         string
	IdempotencyKey string
}

// ListFilter narrows event listings. Empty key components match everything.
type ListFilter struct {
	Key   Key
	After int64
	Limit int
}

var (
	// ErrLineKeysRequired indicates a missing hub/bin/sku component.
	ErrLineKeysRequired = shared.NewError(shared.CodeLineKeysRequired, "")
	// ErrCursorRequired indicates an empty cursor.
	ErrCursorRequired = shared.NewError(shared.CodeLedgerCursorRequired, "")
	// ErrCursorInvalid indicates an unparsable or negative cursor.
	ErrCursorInvalid = shared.NewError(shared.CodeLedgerCursorInvalid, "")
	// ErrEventInvalid indicates an event failed schema validation.
	ErrEventInvalid = shared.NewError(shared.CodeLedgerEventInvalid, "")
	// ErrAppendFailed indicates the store rejected or lost an append.
	ErrAppendFailed = shared.NewError(shared.CodeLedgerAppendFailed, "")
	// ErrNegativeStock triggered when a movement would result in negative qty.
	ErrNegativeStock = shared.NewError(shared.CodeLedgerEventInvalid, "ledger: negative stock not allowed")
	// ErrDuplicateIdempotencyKey is returned by stores when the key was already appended.
	ErrDuplicateIdempotencyKey = shared.NewError(shared.CodeLedgerEventInvalid, "ledger: idempotency key already appended")
)
