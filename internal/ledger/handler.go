package ledger

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockcount/internal/platform/httpx"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

const idempotencyModule = "ledger.movement"

// IdempotencyPort guards request replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
	idem    IdempotencyPort
}

// NewHandler constructs the ledger handler. idem may be nil.
func NewHandler(logger *slog.Logger, service *Service, idem IdempotencyPort) *Handler {
	return &Handler{logger: logger, service: service, idem: idem}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/events", h.handlePostMovement)
	r.Get("/events", h.handleListEvents)
	r.Get("/cursor", h.handleCursor)
	r.Get("/quantity", h.handleQuantity)
}

func (h *Handler) handlePostMovement(w http.ResponseWriter, r *http.Request) {
	principal, err := shared.RequirePrincipal(r.Context())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	body, err := httpx.ReadBody(w, r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, httpx.BadRequest(err))
		return
	}
	decoded, err := DecodeMovement(body)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}

	requestKey := r.Header.Get("Idempotency-Key")
	scopedKey := principal.TenantID + ":" + requestKey
	if requestKey != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), scopedKey, idempotencyModule); err != nil {
			httpx.RespondError(w, r, h.logger, err)
			return
		}
	}

	evt, err := h.service.PostMovement(r.Context(), MovementInput{
		TenantID:       principal.TenantID,
		ActorUserID:    principal.ActorUserID,
		Type:           decoded.Type,
		Key:            decoded.Key,
		DeltaQty:       decoded.DeltaQty,
		SourceType:     decoded.SourceType,
		SourceID:       decoded.SourceID,
		Reason:         decoded.Reason,
		IdempotencyKey: decoded.IdempotencyKey,
	})
	if err != nil {
		if requestKey != "" && h.idem != nil {
			if delErr := h.idem.Delete(r.Context(), scopedKey, idempotencyModule); delErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"event":     evt,
		"requestId": httpx.RequestID(r),
	})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	principal, err := shared.RequirePrincipal(r.Context())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	filter := ListFilter{Key: Key{HubID: q.Get("hubId"), BinID: q.Get("binId"), SkuID: q.Get("skuId")}}
	if v := q.Get("after"); v != "" {
		after, err := Cursor(v).Seq()
		if err != nil {
			httpx.RespondError(w, r, h.logger, err)
			return
		}
		filter.After = after
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			httpx.RespondError(w, r, h.logger, shared.NewError(shared.CodeValidation, "limit must be an integer"))
			return
		}
		filter.Limit = limit
	}
	events, err := h.service.ListEvents(r.Context(), principal.TenantID, filter)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []Event{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"events":    events,
		"requestId": httpx.RequestID(r),
	})
}

func (h *Handler) handleCursor(w http.ResponseWriter, r *http.Request) {
	principal, err := shared.RequirePrincipal(r.Context())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	cursor, err := h.service.CursorNow(r.Context(), principal.TenantID)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"cursor":    cursor,
		"requestId": httpx.RequestID(r),
	})
}

func (h *Handler) handleQuantity(w http.ResponseWriter, r *http.Request) {
	principal, err := shared.RequirePrincipal(r.Context())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	key := Key{HubID: q.Get("hubId"), BinID: q.Get("binId"), SkuID: q.Get("skuId")}
	cursor := Cursor(q.Get("cursor"))
	if cursor == "" {
		cursor, err = h.service.CursorNow(r.Context(), principal.TenantID)
		if err != nil {
			httpx.RespondError(w, r, h.logger, err)
			return
		}
	}
	qty, err := h.service.QuantityAsOf(r.Context(), principal.TenantID, key, cursor)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"hubId":     key.HubID,
		"binId":     key.BinID,
		"skuId":     key.SkuID,
		"cursor":    cursor,
		"quantity":  qty,
		"requestId": httpx.RequestID(r),
	})
}
