package cyclecount

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

func TestServiceLifecycleHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, keyA, "7")

	h := f.draft(t)
	require.Equal(t, StatusDraft, h.Status)
	require.Equal(t, "aisle 4", h.Notes)
	line := f.addLine(t, h.ID, keyA, "10")
	require.False(t, line.SystemQtyAtFreeze.Valid)

	submitted, lines, err := f.service.Submit(ctx, testPrincipal, h.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, submitted.Status)
	require.Equal(t, ledger.Cursor("1"), submitted.FreezeLedgerCursor)
	require.Equal(t, FreezeDerivationRuleLedgerAsOfCursor, submitted.FreezeDerivationRule)
	require.NotNil(t, submitted.SubmittedAt)
	require.Equal(t, fixedNow, *submitted.FreezeAt)
	require.Len(t, lines, 1)
	require.True(t, lines[0].SystemQtyAtFreeze.Decimal.Equal(decimal.NewFromInt(7)))
	require.True(t, lines[0].DeltaPlanned.Decimal.Equal(decimal.NewFromInt(3)))

	approved, err := f.service.Approve(ctx, testPrincipal, h.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, testPrincipal.ActorUserID, approved.ApprovedBy)

	_, err = f.service.Post(ctx, testPrincipal, h.ID)
	require.NoError(t, err)

	require.Equal(t, []string{"DRAFT", "SUBMITTED", "APPROVED", "POSTED"}, f.metrics.transitions)
	require.Equal(t, []string{
		"CYCLE_COUNT_CREATED",
		"CYCLE_COUNT_SUBMITTED",
		"CYCLE_COUNT_APPROVED",
		"CYCLE_COUNT_POSTED",
	}, f.audit.eventTypes())

	logs, err := f.service.Approvals(ctx, testPrincipal, h.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, shared.ApprovalSubmit, logs[0].Action)
	require.Equal(t, shared.ApprovalApprove, logs[1].Action)
}

func TestServiceSubmitRequiresLines(t *testing.T) {
	f := newFixture(t)
	h := f.draft(t)

	_, _, err := f.service.Submit(context.Background(), testPrincipal, h.ID)
	requireCode(t, err, shared.CodeCycleCountEmpty)
	require.Contains(t, f.audit.eventTypes(), "CYCLE_COUNT_SUBMIT_DENIED")
}

func TestServiceSubmitTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	h := f.draft(t)
	f.addLine(t, h.ID, keyA, "1")

	_, _, err := f.service.Submit(context.Background(), testPrincipal, h.ID)
	require.NoError(t, err)
	_, _, err = f.service.Submit(context.Background(), testPrincipal, h.ID)
	requireCode(t, err, shared.CodeStateConflict)
}

type brokenReader struct{}

func (brokenReader) CursorNow(context.Context, string) (ledger.Cursor, error) {
	return "", errors.New("ledger unavailable")
}

func (brokenReader) QuantityAsOf(context.Context, string, ledger.Key, ledger.Cursor) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("ledger unavailable")
}

func TestServiceSubmitLeavesDraftUntouchedWhenLedgerFails(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, brokenReader{}, nil, nil, ServiceConfig{})
	ctx := context.Background()
	h, err := svc.CreateDraft(ctx, testPrincipal, "")
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, testPrincipal, h.ID, AddLineInput{HubID: "h", BinID: "b", SkuID: "s", CountedQty: decimal.NewFromInt(1)})
	require.NoError(t, err)

	_, _, err = svc.Submit(ctx, testPrincipal, h.ID)
	requireCode(t, err, shared.CodeLedgerDerivationFailed)

	stored, lines, err := svc.Get(ctx, testPrincipal, h.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stored.Status)
	require.False(t, stored.Frozen())
	require.False(t, lines[0].SystemQtyAtFreeze.Valid)
}

func TestServiceRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.draft(t)
	f.addLine(t, h.ID, keyA, "1")
	_, _, err := f.service.Submit(ctx, testPrincipal, h.ID)
	require.NoError(t, err)

	_, err = f.service.Reject(ctx, testPrincipal, h.ID, "  ")
	requireCode(t, err, shared.CodeValidation)

	rejected, err := f.service.Reject(ctx, testPrincipal, h.ID, "recount aisle")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "recount aisle", rejected.RejectionReason)

	_, err = f.service.Approve(ctx, testPrincipal, h.ID)
	requireCode(t, err, shared.CodeStateConflict)
	_, err = f.service.Cancel(ctx, testPrincipal, h.ID, "")
	requireCode(t, err, shared.CodeStateConflict)
}

func TestServiceCancelFromDraftAndApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.draft(t)
	cancelled, err := f.service.Cancel(ctx, testPrincipal, d.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "duplicate", cancelled.CancelReason)

	a := f.approved(t, map[ledger.Key]string{keyA: "1"})
	cancelled, err = f.service.Cancel(ctx, testPrincipal, a.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.service.Post(ctx, testPrincipal, a.ID)
	requireCode(t, err, shared.CodePostInvalidState)
}

func TestServiceLinesLockedAfterSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.draft(t)
	line := f.addLine(t, h.ID, keyA, "1")
	_, _, err := f.service.Submit(ctx, testPrincipal, h.ID)
	require.NoError(t, err)

	qty := decimal.NewFromInt(5)
	_, err = f.service.UpdateLine(ctx, testPrincipal, h.ID, line.ID, LinePatch{CountedQty: &qty})
	requireCode(t, err, shared.CodeCycleCountLocked)
	err = f.service.DeleteLine(ctx, testPrincipal, h.ID, line.ID)
	requireCode(t, err, shared.CodeCycleCountLocked)
	require.Contains(t, f.audit.eventTypes(), "CYCLE_COUNT_UPDATE_LINE_DENIED")
}

func TestServiceUpdateAndDeleteLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.draft(t)
	line := f.addLine(t, h.ID, keyA, "1")

	qty := decimal.RequireFromString("4.25")
	note := "recounted"
	updated, err := f.service.UpdateLine(ctx, testPrincipal, h.ID, line.ID, LinePatch{CountedQty: &qty, Note: &note})
	require.NoError(t, err)
	require.True(t, updated.CountedQty.Equal(qty))
	require.Equal(t, "recounted", updated.Note)

	require.NoError(t, f.service.DeleteLine(ctx, testPrincipal, h.ID, line.ID))
	_, lines, err := f.service.Get(ctx, testPrincipal, h.ID)
	require.NoError(t, err)
	require.Empty(t, lines)

	err = f.service.DeleteLine(ctx, testPrincipal, h.ID, line.ID)
	requireCode(t, err, shared.CodeCycleCountLineNotFound)
}

func TestServiceIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.draft(t)

	other := shared.Principal{TenantID: "tenant-2", ActorUserID: "user-9"}
	_, _, err := f.service.Get(ctx, other, h.ID)
	requireCode(t, err, shared.CodeCycleCountNotFound)

	headers, page, err := f.service.List(ctx, other, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, headers)
	require.Zero(t, page.Total)

	headers, page, err = f.service.List(ctx, testPrincipal, ListFilter{Status: StatusDraft})
	require.NoError(t, err)
	require.Len(t, headers, 1)
	require.Equal(t, 1, page.TotalPages)
}

func TestServiceRequiresPrincipal(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CreateDraft(context.Background(), shared.Principal{ActorUserID: "u"}, "")
	requireCode(t, err, shared.CodeTenantUnresolved)
	_, err = f.service.CreateDraft(context.Background(), shared.Principal{TenantID: "t"}, "")
	requireCode(t, err, shared.CodeActorUnresolved)
}

func TestServiceListRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.service.List(context.Background(), testPrincipal, ListFilter{Status: "OPEN"})
	requireCode(t, err, shared.CodeValidation)
}
