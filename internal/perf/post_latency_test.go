package perf

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/cyclecount"
	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

const linesPerCount = 50

var principal = shared.Principal{TenantID: "perf-tenant", ActorUserID: "perf-user"}

type lifecycle struct {
	ledger  *ledger.Service
	service *cyclecount.Service
}

func newLifecycle() lifecycle {
	ledgerSvc := ledger.NewService(ledger.NewMemoryRepository(), nil, ledger.ServiceConfig{AllowNegativeStock: true})
	return lifecycle{
		ledger:  ledgerSvc,
		service: cyclecount.NewService(cyclecount.NewMemoryStore(), ledgerSvc, ledgerSvc, nil, cyclecount.ServiceConfig{}),
	}
}

// approvedCount seeds stock and returns an APPROVED count whose lines all differ from the ledger.
func (l lifecycle) approvedCount(tb testing.TB, round int) string {
	tb.Helper()
	ctx := context.Background()
	h, err := l.service.CreateDraft(ctx, principal, "")
	require.NoError(tb, err)
	for i := 0; i < linesPerCount; i++ {
		key := ledger.Key{HubID: "hub-1", BinID: fmt.Sprintf("bin-%d", round), SkuID: fmt.Sprintf("sku-%03d", i)}
		_, err := l.ledger.PostMovement(ctx, ledger.MovementInput{
			TenantID:    principal.TenantID,
			ActorUserID: "seed",
			Type:        ledger.EventTypeIn,
			Key:         key,
			DeltaQty:    decimal.NewFromInt(5),
		})
		require.NoError(tb, err)
		_, err = l.service.AddLine(ctx, principal, h.ID, cyclecount.AddLineInput{
			HubID: key.HubID, BinID: key.BinID, SkuID: key.SkuID, CountedQty: decimal.NewFromInt(int64(10 + i%7)),
		})
		require.NoError(tb, err)
	}
	_, _, err = l.service.Submit(ctx, principal, h.ID)
	require.NoError(tb, err)
	_, err = l.service.Approve(ctx, principal, h.ID)
	require.NoError(tb, err)
	return h.ID
}

func TestPostLatencyTargets(t *testing.T) {
	l := newLifecycle()
	samples := make([]time.Duration, 0, 20)
	for round := 0; round < 20; round++ {
		id := l.approvedCount(t, round)
		start := time.Now()
		result, err := l.service.Post(context.Background(), principal, id)
		samples = append(samples, time.Since(start))
		require.NoError(t, err)
		require.Equal(t, linesPerCount, result.PostedLedgerEventCount)
	}

	threshold := 250 * time.Millisecond
	if p95 := percentile95(samples); p95 > threshold {
		t.Fatalf("post latency regression: p95=%s threshold=%s", p95, threshold)
	}
}

func BenchmarkPost(b *testing.B) {
	l := newLifecycle()
	ids := make([]string, b.N)
	for i := range ids {
		ids[i] = l.approvedCount(b, i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.service.Post(context.Background(), principal, ids[i]); err != nil {
			b.Fatal(err)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	return sorted[index]
}
