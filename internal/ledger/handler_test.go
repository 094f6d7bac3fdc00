package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

func newTestRouter(t *testing.T) (http.Handler, *Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := newTestService()
	handler := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, shared.NewIdempotencyStore(client, time.Minute))
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := shared.Principal{TenantID: req.Header.Get("X-Tenant-ID"), ActorUserID: req.Header.Get("X-Actor-User-ID")}
			next.ServeHTTP(w, req.WithContext(shared.ContextWithPrincipal(req.Context(), p)))
		})
	})
	r.Route("/ledger", handler.MountRoutes)
	return r, svc
}

func doRequest(router http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-Actor-User-ID", "user-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerPostMovementAndQuantity(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doRequest(router, http.MethodPost, "/ledger/events", `{"type":"IN","warehouseId":"h1","locationId":"b1","productId":"s1","qty":"10"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = doRequest(router, http.MethodGet, "/ledger/cursor", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var cursorResp struct {
		Cursor string `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cursorResp))
	require.Equal(t, "1", cursorResp.Cursor)

	rr = doRequest(router, http.MethodGet, "/ledger/quantity?hubId=h1&binId=b1&skuId=s1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var qtyResp struct {
		Quantity string `json:"quantity"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &qtyResp))
	require.Equal(t, "10", qtyResp.Quantity)

	rr = doRequest(router, http.MethodGet, "/ledger/events?skuId=s1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"sourceType":"MANUAL"`)
}

func TestHandlerIdempotencyKeyBlocksReplay(t *testing.T) {
	router, svc := newTestRouter(t)
	body := `{"type":"IN","hubId":"h1","binId":"b1","skuId":"s1","deltaQty":1}`
	headers := map[string]string{"Idempotency-Key": "req-1"}

	rr := doRequest(router, http.MethodPost, "/ledger/events", body, headers)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doRequest(router, http.MethodPost, "/ledger/events", body, headers)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), string(shared.CodeIdempotencyReplay))

	events, err := svc.ListEvents(t.Context(), "t1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestHandlerReleasesIdempotencyKeyOnFailure(t *testing.T) {
	router, _ := newTestRouter(t)
	headers := map[string]string{"Idempotency-Key": "req-2"}

	rr := doRequest(router, http.MethodPost, "/ledger/events", `{"type":"OUT","hubId":"h1","binId":"b1","skuId":"s1","qty":-5}`, headers)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = doRequest(router, http.MethodPost, "/ledger/events", `{"type":"IN","hubId":"h1","binId":"b1","skuId":"s1","qty":5}`, headers)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestHandlerRejectsMovementsTheLedgerCannotStore(t *testing.T) {
	router, svc := newTestRouter(t)

	for _, body := range []string{
		`{"type":"TRANSFER","hubId":"h1","binId":"b1","skuId":"s1","qty":5}`,
		`{"type":"IN","hubId":"h1","binId":"b1","skuId":"s1","qty":"0.00001"}`,
	} {
		rr := doRequest(router, http.MethodPost, "/ledger/events", body, nil)
		require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
		require.Contains(t, rr.Body.String(), string(shared.CodeLedgerEventInvalid))
	}

	head, err := svc.CursorNow(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, Cursor("0"), head)
}

func TestHandlerErrorEnvelope(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doRequest(router, http.MethodGet, "/ledger/quantity?hubId=h1&binId=b1&skuId=s1&cursor=zz", "", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	require.Equal(t, string(shared.CodeLedgerCursorInvalid), envelope.Error.Code)
	require.NotEmpty(t, envelope.Error.Message)

	req := httptest.NewRequest(http.MethodGet, "/ledger/cursor", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Contains(t, rr.Body.String(), string(shared.CodeTenantUnresolved))
}
