package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

func TestDecodeMovementCanonicalFields(t *testing.T) {
	got, err := DecodeMovement([]byte(`{"eventType":"in","hubId":"h1","binId":"b1","skuId":"s1","deltaQty":"12.5","reason":"receipt","idempotencyKey":"k-1"}`))
	require.NoError(t, err)
	require.Equal(t, EventTypeIn, got.Type)
	require.Equal(t, Key{HubID: "h1", BinID: "b1", SkuID: "s1"}, got.Key)
	require.True(t, got.DeltaQty.Equal(decimal.RequireFromString("12.5")))
	require.Equal(t, "receipt", got.Reason)
	require.Equal(t, "k-1", got.IdempotencyKey)
}

func TestDecodeMovementLegacyAliases(t *testing.T) {
	got, err := DecodeMovement([]byte(`{"warehouse_id":7,"location_id":"L-3","product_id":"P-1","qty":-4}`))
	require.NoError(t, err)
	require.Equal(t, Key{HubID: "7", BinID: "L-3", SkuID: "P-1"}, got.Key)
	require.True(t, got.DeltaQty.Equal(decimal.NewFromInt(-4)))
	require.Equal(t, EventTypeAdjustment, got.Type)
}

func TestDecodeMovementAliasPrecedence(t *testing.T) {
	got, err := DecodeMovement([]byte(`{"hub_id":"second","hubId":"first","binId":"b","skuId":"s","qty":1,"delta_qty":9}`))
	require.NoError(t, err)
	require.Equal(t, "first", got.Key.HubID)
	require.True(t, got.DeltaQty.Equal(decimal.NewFromInt(9)))

	got, err = DecodeMovement([]byte(`{"hubId":null,"hub_id":"fallback","binId":"b","skuId":"s","qty":1}`))
	require.NoError(t, err)
	require.Equal(t, "fallback", got.Key.HubID)
}

func TestDecodeMovementRejectsMalformedInput(t *testing.T) {
	_, err := DecodeMovement([]byte(`{"hubId":"h","binId":"b","skuId":"s","qty":"NaN"}`))
	require.ErrorIs(t, err, ErrEventInvalid)

	_, err = DecodeMovement([]byte(`{"hubId":"h","binId":"b","skuId":"s"}`))
	require.ErrorIs(t, err, ErrEventInvalid)

	_, err = DecodeMovement([]byte(`{"hubId":"h","skuId":"s","qty":1}`))
	require.Equal(t, shared.CodeLineKeysRequired, shared.ErrorCode(err))

	_, err = DecodeMovement([]byte(`not json`))
	require.ErrorIs(t, err, ErrEventInvalid)

	_, err = DecodeMovement([]byte(`{"hubId":{"x":1},"binId":"b","skuId":"s","qty":1}`))
	require.ErrorIs(t, err, ErrEventInvalid)
}

func TestDecodeMovementRejectsUnstorableQuantity(t *testing.T) {
	for _, qty := range []string{`"1e-5000000"`, `0.00001`, `"0.000000000000000001"`, `1e17`} {
		_, err := DecodeMovement([]byte(`{"hubId":"h","binId":"b","skuId":"s","qty":` + qty + `}`))
		require.ErrorIs(t, err, ErrEventInvalid, qty)
	}

	got, err := DecodeMovement([]byte(`{"hubId":"h","binId":"b","skuId":"s","qty":"-3.25000"}`))
	require.NoError(t, err)
	require.True(t, got.DeltaQty.Equal(decimal.RequireFromString("-3.25")))
}

func TestCursorSeq(t *testing.T) {
	seq, err := Cursor(" 42 ").Seq()
	require.NoError(t, err)
	require.Equal(t, int64(42), seq)
	require.Equal(t, Cursor("42"), CursorFromSeq(42))

	_, err = Cursor("").Seq()
	require.ErrorIs(t, err, ErrCursorRequired)
	_, err = Cursor("4.2").Seq()
	require.ErrorIs(t, err, ErrCursorInvalid)
}
