package cyclecount

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

var (
	testPrincipal = shared.Principal{TenantID: "tenant-1", ActorUserID: "user-1"}
	fixedNow      = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
)

type fixture struct {
	store     *MemoryStore
	ledger    *ledger.Service
	audit     *auditStub
	approvals *approvalStub
	metrics   *metricsStub
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemoryStore(),
		ledger:    ledger.NewService(ledger.NewMemoryRepository(), nil, ledger.ServiceConfig{}),
		audit:     &auditStub{},
		approvals: &approvalStub{},
		metrics:   &metricsStub{},
	}
	f.service = NewService(f.store, f.ledger, f.ledger, f.audit, ServiceConfig{
		Approvals: f.approvals,
		Metrics:   f.metrics,
	})
	f.service.WithNow(func() time.Time { return fixedNow })
	return f
}

func (f *fixture) stock(t *testing.T, key ledger.Key, qty string) {
	t.Helper()
	_, err := f.ledger.PostMovement(context.Background(), ledger.MovementInput{
		TenantID:    testPrincipal.TenantID,
		ActorUserID: "seed",
		Type:        ledger.EventTypeIn,
		Key:         key,
		DeltaQty:    decimal.RequireFromString(qty),
	})
	require.NoError(t, err)
}

func (f *fixture) draft(t *testing.T) Header {
	t.Helper()
	h, err := f.service.CreateDraft(context.Background(), testPrincipal, "aisle 4")
	require.NoError(t, err)
	return h
}

func (f *fixture) addLine(t *testing.T, id string, key ledger.Key, counted string) Line {
	t.Helper()
	line, err := f.service.AddLine(context.Background(), testPrincipal, id, AddLineInput{
		HubID:      key.HubID,
		BinID:      key.BinID,
		SkuID:      key.SkuID,
		CountedQty: decimal.RequireFromString(counted),
	})
	require.NoError(t, err)
	return line
}

// approved drives a count with the given lines through submit and approve.
func (f *fixture) approved(t *testing.T, counted map[ledger.Key]string) Header {
	t.Helper()
	ctx := context.Background()
	h := f.draft(t)
	for key, qty := range counted {
		f.addLine(t, h.ID, key, qty)
	}
	_, _, err := f.service.Submit(ctx, testPrincipal, h.ID)
	require.NoError(t, err)
	h, err = f.service.Approve(ctx, testPrincipal, h.ID)
	require.NoError(t, err)
	return h
}

func requireCode(t *testing.T, err error, code shared.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, shared.ErrorCode(err), err.Error())
}

type auditStub struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditStub) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditStub) eventTypes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.EventType)
	}
	return out
}

type approvalStub struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (a *approvalStub) Record(_ context.Context, log shared.ApprovalLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *approvalStub) List(_ context.Context, tenantID, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []shared.ApprovalLog
	for _, l := range a.logs {
		if l.TenantID == tenantID && l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

type metricsStub struct {
	mu          sync.Mutex
	posts       []string
	events      int
	transitions []string
}

func (m *metricsStub) ObservePost(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, outcome)
}

func (m *metricsStub) AddLedgerEvents(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events += n
}

func (m *metricsStub) ObserveTransition(to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, to)
}
