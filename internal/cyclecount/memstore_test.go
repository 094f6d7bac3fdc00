package cyclecount

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

func seedDraft(t *testing.T, store *MemoryStore, id string, lines ...Line) Header {
	t.Helper()
	h := Header{ID: id, TenantID: "t1", Status: StatusDraft, CreatedAt: fixedNow, CreatedBy: "u1", Version: 1, UpdatedAt: fixedNow}
	err := store.WithTx(context.Background(), func(ctx context.Context, tx TxStore) error {
		if _, err := tx.CreateDraft(ctx, h); err != nil {
			return err
		}
		for _, line := range lines {
			if _, err := tx.AddLine(ctx, "t1", id, line); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	got, _, err := store.Get(context.Background(), "t1", id)
	require.NoError(t, err)
	return got
}

func testLine(id, hub, bin, sku, qty string) Line {
	return Line{ID: id, HubID: hub, BinID: bin, SkuID: sku, CountedQty: decimal.RequireFromString(qty), CreatedAt: fixedNow, UpdatedAt: fixedNow}
}

func freezeFor(lines []Line) FreezeSnapshot {
	snap := FreezeSnapshot{FreezeAt: fixedNow, FreezeLedgerCursor: "3", FreezeDerivationRule: FreezeDerivationRuleLedgerAsOfCursor}
	for _, l := range lines {
		snap.Lines = append(snap.Lines, FreezeLine{
			LineID:                    l.ID,
			SystemQtyAtFreeze:         decimal.NewFromInt(7),
			SystemQtyDerivationCursor: "3",
			DeltaPlanned:              l.CountedQty.Sub(decimal.NewFromInt(7)),
		})
	}
	return snap
}

func inTx(store *MemoryStore, fn func(ctx context.Context, tx TxStore) error) error {
	return store.WithTx(context.Background(), fn)
}

func TestMemoryStoreRejectsDuplicateLineKey(t *testing.T) {
	store := NewMemoryStore()
	seedDraft(t, store, "cc1", testLine("l1", "h1", "b1", "s1", "5"))

	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.AddLine(ctx, "t1", "cc1", testLine("l2", " h1 ", "b1", "s1", "2"))
		return err
	})
	requireCode(t, err, shared.CodeDuplicateLineKey)

	_, lines, err := store.Get(context.Background(), "t1", "cc1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
}

func TestMemoryStoreLineValidation(t *testing.T) {
	store := NewMemoryStore()
	seedDraft(t, store, "cc1")

	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.AddLine(ctx, "t1", "cc1", testLine("l1", "h1", "", "s1", "5"))
		return err
	})
	requireCode(t, err, shared.CodeLineKeysRequired)

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.AddLine(ctx, "t1", "cc1", testLine("l1", "h1", "b1", "s1", "-1"))
		return err
	})
	requireCode(t, err, shared.CodeCountedQtyInvalid)

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.AddLine(ctx, "t1", "missing", testLine("l1", "h1", "b1", "s1", "1"))
		return err
	})
	requireCode(t, err, shared.CodeCycleCountNotFound)
}

func TestMemoryStoreRejectsCountedQtyBeyondColumnPrecision(t *testing.T) {
	store := NewMemoryStore()
	seedDraft(t, store, "cc1", testLine("l1", "h1", "b1", "s1", "5"))

	for _, qty := range []string{"0.00005", "0.000000000000000001", "1e-5000000", "10000000000000000", "-0.00001"} {
		err := inTx(store, func(ctx context.Context, tx TxStore) error {
			_, err := tx.AddLine(ctx, "t1", "cc1", testLine("l2", "h2", "b1", "s1", qty))
			return err
		})
		requireCode(t, err, shared.CodeCountedQtyInvalid)

		patch := decimal.RequireFromString(qty)
		err = inTx(store, func(ctx context.Context, tx TxStore) error {
			_, err := tx.UpdateLine(ctx, "t1", "cc1", "l1", LinePatch{CountedQty: &patch}, fixedNow)
			return err
		})
		requireCode(t, err, shared.CodeCountedQtyInvalid)
	}

	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.AddLine(ctx, "t1", "cc1", testLine("l3", "h3", "b1", "s1", "9999999999999999.9999"))
		return err
	})
	require.NoError(t, err)

	_, lines, err := store.Get(context.Background(), "t1", "cc1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.True(t, lines[0].CountedQty.Equal(decimal.NewFromInt(5)))
}

func TestMemoryStoreLineKeysImmutable(t *testing.T) {
	store := NewMemoryStore()
	seedDraft(t, store, "cc1", testLine("l1", "h1", "b1", "s1", "5"))
	otherBin := "b2"
	sameHub := "h1"
	qty := decimal.NewFromInt(9)

	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.UpdateLine(ctx, "t1", "cc1", "l1", LinePatch{BinID: &otherBin, CountedQty: &qty}, fixedNow)
		return err
	})
	requireCode(t, err, shared.CodeLineKeysImmutable)

	var updated Line
	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		var err error
		updated, err = tx.UpdateLine(ctx, "t1", "cc1", "l1", LinePatch{HubID: &sameHub, CountedQty: &qty}, fixedNow)
		return err
	})
	require.NoError(t, err)
	require.True(t, updated.CountedQty.Equal(qty))

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.UpdateLine(ctx, "t1", "cc1", "nope", LinePatch{CountedQty: &qty}, fixedNow)
		return err
	})
	requireCode(t, err, shared.CodeCycleCountLineNotFound)
}

func TestMemoryStoreRollsBackFailedTransaction(t *testing.T) {
	store := NewMemoryStore()
	before := seedDraft(t, store, "cc1", testLine("l1", "h1", "b1", "s1", "5"))

	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		if _, err := tx.AddLine(ctx, "t1", "cc1", testLine("l2", "h1", "b1", "s2", "1")); err != nil {
			return err
		}
		return ErrStateConflict
	})
	requireCode(t, err, shared.CodeStateConflict)

	after, lines, err := store.Get(context.Background(), "t1", "cc1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, before.Version, after.Version)
}

func TestMemoryStoreTransitionIsCompareAndSet(t *testing.T) {
	store := NewMemoryStore()
	lines := []Line{testLine("l1", "h1", "b1", "s1", "10")}
	seedDraft(t, store, "cc1", lines...)

	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.TransitionStatus(ctx, "t1", "cc1", StatusDraft, StatusSubmitted, TransitionPatch{At: fixedNow, ActorUserID: "u1"})
		return err
	})
	requireCode(t, err, shared.CodeFreezeSnapshotMissing)

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.TransitionStatus(ctx, "t1", "cc1", StatusSubmitted, StatusApproved, TransitionPatch{At: fixedNow, ActorUserID: "u1"})
		return err
	})
	requireCode(t, err, shared.CodeStateConflict)
	typed, ok := shared.AsError(err)
	require.True(t, ok)
	require.Equal(t, "SUBMITTED", typed.Details["expected"])
	require.Equal(t, "DRAFT", typed.Details["actual"])

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.TransitionStatus(ctx, "t1", "cc1", StatusDraft, StatusApproved, TransitionPatch{At: fixedNow, ActorUserID: "u1"})
		return err
	})
	requireCode(t, err, shared.CodeStateConflict)
}

func TestMemoryStoreFreezeRules(t *testing.T) {
	store := NewMemoryStore()
	lines := []Line{testLine("l1", "h1", "b1", "s1", "10"), testLine("l2", "h1", "b1", "s2", "3")}
	seedDraft(t, store, "cc1", lines...)

	persist := func(snap FreezeSnapshot) error {
		return inTx(store, func(ctx context.Context, tx TxStore) error {
			_, err := tx.PersistFreezeSnapshot(ctx, "t1", "cc1", snap)
			return err
		})
	}

	short := freezeFor(lines[:1])
	requireCode(t, persist(short), shared.CodeFreezeSnapshotLineMismatch)

	unknown := freezeFor([]Line{lines[0], testLine("ghost", "h", "b", "s", "1")})
	requireCode(t, persist(unknown), shared.CodeFreezeSnapshotUnknownLine)

	noCursor := freezeFor(lines)
	noCursor.FreezeLedgerCursor = ""
	requireCode(t, persist(noCursor), shared.CodeFreezeSnapshotMissing)

	require.NoError(t, persist(freezeFor(lines)))
	requireCode(t, persist(freezeFor(lines)), shared.CodeStateConflict)

	h, stored, err := store.Get(context.Background(), "t1", "cc1")
	require.NoError(t, err)
	require.True(t, h.Frozen())
	require.Equal(t, ledger.Cursor("3"), h.FreezeLedgerCursor)
	for _, l := range stored {
		require.True(t, l.SystemQtyAtFreeze.Valid)
		require.True(t, l.DeltaPlanned.Decimal.Equal(l.CountedQty.Sub(decimal.NewFromInt(7))))
	}
}

func TestMemoryStoreLocksLinesAfterSubmit(t *testing.T) {
	store := NewMemoryStore()
	lines := []Line{testLine("l1", "h1", "b1", "s1", "10")}
	seedDraft(t, store, "cc1", lines...)
	require.NoError(t, inTx(store, func(ctx context.Context, tx TxStore) error {
		if _, err := tx.PersistFreezeSnapshot(ctx, "t1", "cc1", freezeFor(lines)); err != nil {
			return err
		}
		_, err := tx.TransitionStatus(ctx, "t1", "cc1", StatusDraft, StatusSubmitted, TransitionPatch{At: fixedNow, ActorUserID: "u1"})
		return err
	}))

	qty := decimal.NewFromInt(1)
	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.UpdateLine(ctx, "t1", "cc1", "l1", LinePatch{CountedQty: &qty}, fixedNow)
		return err
	})
	requireCode(t, err, shared.CodeCycleCountLocked)

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		return tx.DeleteLine(ctx, "t1", "cc1", "l1", fixedNow)
	})
	requireCode(t, err, shared.CodeCycleCountLocked)

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.AddLine(ctx, "t1", "cc1", testLine("l2", "h2", "b2", "s2", "1"))
		return err
	})
	requireCode(t, err, shared.CodeCycleCountLocked)
}

func approvedInStore(t *testing.T, store *MemoryStore) {
	t.Helper()
	lines := []Line{testLine("l1", "h1", "b1", "s1", "10")}
	seedDraft(t, store, "cc1", lines...)
	require.NoError(t, inTx(store, func(ctx context.Context, tx TxStore) error {
		if _, err := tx.PersistFreezeSnapshot(ctx, "t1", "cc1", freezeFor(lines)); err != nil {
			return err
		}
		if _, err := tx.TransitionStatus(ctx, "t1", "cc1", StatusDraft, StatusSubmitted, TransitionPatch{At: fixedNow, ActorUserID: "u1"}); err != nil {
			return err
		}
		_, err := tx.TransitionStatus(ctx, "t1", "cc1", StatusSubmitted, StatusApproved, TransitionPatch{At: fixedNow, ActorUserID: "u2"})
		return err
	}))
}

func TestMemoryStoreClaimPostLockOnce(t *testing.T) {
	store := NewMemoryStore()
	approvedInStore(t, store)

	claim := func() ClaimResult {
		var result ClaimResult
		require.NoError(t, inTx(store, func(ctx context.Context, tx TxStore) error {
			var err error
			result, err = tx.ClaimPostLock(ctx, "t1", "cc1", "key-1", "u3", fixedNow)
			return err
		}))
		return result
	}

	first := claim()
	require.True(t, first.Claimed)
	require.Equal(t, "key-1", first.Header.PostIdempotencyKey)

	second := claim()
	require.False(t, second.Claimed)
	require.Equal(t, ClaimReasonCollision, second.Reason)

	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.TransitionStatus(ctx, "t1", "cc1", StatusApproved, StatusCancelled, TransitionPatch{At: fixedNow, ActorUserID: "u1"})
		return err
	})
	requireCode(t, err, shared.CodeStateConflict)

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.MarkPosted(ctx, "t1", "cc1", MarkPostedInput{PostIdempotencyKey: "other", At: fixedNow})
		return err
	})
	requireCode(t, err, shared.CodePostIdempotencyCollision)

	var posted Header
	require.NoError(t, inTx(store, func(ctx context.Context, tx TxStore) error {
		var err error
		posted, err = tx.MarkPosted(ctx, "t1", "cc1", MarkPostedInput{
			PostIdempotencyKey:     "key-1",
			PostLedgerBatchID:      "batch-1",
			PostedLedgerEventCount: 1,
			ActorUserID:            "u3",
			At:                     fixedNow.Add(time.Second),
		})
		return err
	}))
	require.Equal(t, StatusPosted, posted.Status)
	require.Equal(t, "batch-1", posted.PostLedgerBatchID)

	third := claim()
	require.False(t, third.Claimed)
	require.Equal(t, ClaimReasonAlreadyPosted, third.Reason)
}

func TestMemoryStoreMarkPostedRequiresLock(t *testing.T) {
	store := NewMemoryStore()
	approvedInStore(t, store)

	err := inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.MarkPosted(ctx, "t1", "cc1", MarkPostedInput{PostIdempotencyKey: "key-1", At: fixedNow})
		return err
	})
	requireCode(t, err, shared.CodePostLockRequired)

	err = inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.TransitionStatus(ctx, "t1", "cc1", StatusApproved, StatusPosted, TransitionPatch{At: fixedNow, ActorUserID: "u1"})
		return err
	})
	requireCode(t, err, shared.CodePostLockRequired)
}

func TestMemoryStoreListStuckPosts(t *testing.T) {
	store := NewMemoryStore()
	approvedInStore(t, store)
	require.NoError(t, inTx(store, func(ctx context.Context, tx TxStore) error {
		_, err := tx.ClaimPostLock(ctx, "t1", "cc1", "key-1", "u3", fixedNow)
		return err
	}))

	stuck, err := store.ListStuckPosts(context.Background(), fixedNow.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "cc1", stuck[0].ID)

	stuck, err = store.ListStuckPosts(context.Background(), fixedNow.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, stuck)
}

func TestMemoryStoreListPagesNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	for i, id := range []string{"a", "b", "c"} {
		h := Header{ID: id, TenantID: "t1", Status: StatusDraft, CreatedAt: fixedNow.Add(time.Duration(i) * time.Minute), Version: 1}
		require.NoError(t, inTx(store, func(ctx context.Context, tx TxStore) error {
			_, err := tx.CreateDraft(ctx, h)
			return err
		}))
	}
	headers, total, err := store.List(context.Background(), "t1", ListFilter{Page: 1, PerPage: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"c", "b"}, []string{headers[0].ID, headers[1].ID})

	headers, _, err = store.List(context.Background(), "t1", ListFilter{Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, headers, 1)
	require.Equal(t, "a", headers[0].ID)

	headers, total, err = store.List(context.Background(), "other", ListFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, headers)
}
