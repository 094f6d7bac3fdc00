package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Field aliases accepted in incoming ledger payloads. The first alias present wins.
var (
	hubAliases   = []string{"hubId", "hub_id", "warehouseId", "warehouse_id"}
	binAliases   = []string{"binId", "bin_id", "locationId", "location_id"}
	skuAliases   = []string{"skuId", "sku_id", "productId", "product_id"}
	deltaAliases = []string{"deltaQty", "delta_qty", "qtyDelta", "quantityDelta", "qty"}
	typeAliases  = []string{"eventType", "event_type", "type"}
)

// DecodedMovement is a normalised ledger payload.
type DecodedMovement struct {
	Type           EventType
	Key            Key
	DeltaQty       decimal.Decimal
	SourceType     SourceType
	SourceID       string
	Reason         string
	IdempotencyKey string
}

// DecodeMovement normalises a JSON ledger payload that may use legacy field names.
func DecodeMovement(data []byte) (DecodedMovement, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return DecodedMovement{}, invalidPayload(fmt.Sprintf("malformed payload: %v", err))
	}

	var out DecodedMovement
	var err error
	if out.Key.HubID, err = firstString(raw, hubAliases); err != nil {
		return DecodedMovement{}, err
	}
	if out.Key.BinID, err = firstString(raw, binAliases); err != nil {
		return DecodedMovement{}, err
	}
	if out.Key.SkuID, err = firstString(raw, skuAliases); err != nil {
		return DecodedMovement{}, err
	}
	if err := out.Key.Validate(); err != nil {
		return DecodedMovement{}, err
	}

	typ, err := firstString(raw, typeAliases)
	if err != nil {
		return DecodedMovement{}, err
	}
	out.Type = EventType(strings.ToUpper(typ))
	if out.Type == "" {
		out.Type = EventTypeAdjustment
	}

	qty, ok, err := firstDecimal(raw, deltaAliases)
	if err != nil {
		return DecodedMovement{}, err
	}
	if !ok {
		return DecodedMovement{}, invalidPayload("deltaQty is required")
	}
	out.DeltaQty = qty

	source, err := firstString(raw, []string{"sourceType", "source_type"})
	if err != nil {
		return DecodedMovement{}, err
	}
	out.SourceType = SourceType(strings.ToUpper(source))
	if out.SourceID, err = firstString(raw, []string{"sourceId", "source_id"}); err != nil {
		return DecodedMovement{}, err
	}
	if out.Reason, err = firstString(raw, []string{"reason", "note"}); err != nil {
		return DecodedMovement{}, err
	}
	if out.IdempotencyKey, err = firstString(raw, []string{"idempotencyKey", "idempotency_key"}); err != nil {
		return DecodedMovement{}, err
	}
	return out, nil
}

func present(raw map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	v, ok := raw[name]
	if !ok || len(v) == 0 || string(v) == "null" {
		return nil, false
	}
	return v, true
}

// firstString accepts JSON strings and numbers, so numeric legacy ids survive.
func firstString(raw map[string]json.RawMessage, aliases []string) (string, error) {
	for _, name := range aliases {
		v, ok := present(raw, name)
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return strings.TrimSpace(s), nil
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String(), nil
		}
		return "", invalidPayload(fmt.Sprintf("%s must be a string", name))
	}
	return "", nil
}

func firstDecimal(raw map[string]json.RawMessage, aliases []string) (decimal.Decimal, bool, error) {
	for _, name := range aliases {
		v, ok := present(raw, name)
		if !ok {
			continue
		}
		text := strings.Trim(strings.TrimSpace(string(v)), `"`)
		qty, err := decimal.NewFromString(text)
		if err != nil {
			return decimal.Zero, false, invalidPayload(fmt.Sprintf("%s must be a finite number", name))
		}
		if !QuantityFits(qty) {
			return decimal.Zero, false, invalidPayload(fmt.Sprintf("%s must have at most %d decimal places and magnitude below 1e16", name, QuantityScale))
		}
		return qty, true, nil
	}
	return decimal.Zero, false, nil
}

func invalidPayload(reason string) error {
	return ErrEventInvalid.WithDetails(map[string]any{"reason": reason})
}
