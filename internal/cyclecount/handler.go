package cyclecount

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/platform/httpx"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Handler wires HTTP endpoints for cycle counts.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the cycle count handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers cycle count routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Get("/approvals", h.handleApprovals)
		r.Post("/lines", h.handleAddLine)
		r.Patch("/lines/{lineId}", h.handleUpdateLine)
		r.Delete("/lines/{lineId}", h.handleDeleteLine)
		r.Post("/submit", h.handleSubmit)
		r.Post("/approve", h.handleApprove)
		r.Post("/reject", h.handleReject)
		r.Post("/cancel", h.handleCancel)
		r.Post("/post", h.handlePost)
	})
}

type createRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type addLineRequest struct {
	HubID      string           `json:"hubId" validate:"required,max=128"`
	BinID      string           `json:"binId" validate:"required,max=128"`
	SkuID      string           `json:"skuId" validate:"required,max=128"`
	CountedQty *decimal.Decimal `json:"countedQty" validate:"required"`
	Note       string           `json:"note" validate:"max=2000"`
}

type updateLineRequest struct {
	CountedQty *decimal.Decimal `json:"countedQty"`
	Note       *string          `json:"note" validate:"omitempty,max=2000"`
	HubID      *string          `json:"hubId"`
	BinID      *string          `json:"binId"`
	SkuID      *string          `json:"skuId"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	header, err := h.service.CreateDraft(r.Context(), principal, req.Notes)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"header":    header,
		"lines":     []Line{},
		"requestId": httpx.RequestID(r),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := ListFilter{Status: Status(strings.ToUpper(strings.TrimSpace(q.Get("status"))))}
	var err error
	if filter.Page, err = intParam(q.Get("page")); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	if filter.PerPage, err = intParam(q.Get("perPage")); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	headers, page, err := h.service.List(r.Context(), principal, filter)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"cycleCounts": headers,
		"pagination":  page,
		"requestId":   httpx.RequestID(r),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	header, lines, err := h.service.Get(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	h.respondDocument(w, r, http.StatusOK, header, lines)
}

func (h *Handler) handleApprovals(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	logs, err := h.service.Approvals(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"approvals": logs,
		"requestId": httpx.RequestID(r),
	})
}

func (h *Handler) handleAddLine(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req addLineRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, r, h.logger, httpx.BadRequest(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, r, h.logger, httpx.ValidationError(err))
		return
	}
	line, err := h.service.AddLine(r.Context(), principal, chi.URLParam(r, "id"), AddLineInput{
		HubID:      req.HubID,
		BinID:      req.BinID,
		SkuID:      req.SkuID,
		CountedQty: *req.CountedQty,
		Note:       req.Note,
	})
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"line":      line,
		"requestId": httpx.RequestID(r),
	})
}

func (h *Handler) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req updateLineRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, r, h.logger, httpx.BadRequest(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, r, h.logger, httpx.ValidationError(err))
		return
	}
	line, err := h.service.UpdateLine(r.Context(), principal, chi.URLParam(r, "id"), chi.URLParam(r, "lineId"), LinePatch{
		CountedQty: req.CountedQty,
		Note:       req.Note,
		HubID:      req.HubID,
		BinID:      req.BinID,
		SkuID:      req.SkuID,
	})
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"line":      line,
		"requestId": httpx.RequestID(r),
	})
}

func (h *Handler) handleDeleteLine(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	lineID := chi.URLParam(r, "lineId")
	if err := h.service.DeleteLine(r.Context(), principal, chi.URLParam(r, "id"), lineID); err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"deletedLineId": lineID,
		"requestId":     httpx.RequestID(r),
	})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	header, lines, err := h.service.Submit(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	h.respondDocument(w, r, http.StatusOK, header, lines)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	header, err := h.service.Approve(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	h.respondHeader(w, r, header)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	header, err := h.service.Reject(r.Context(), principal, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	h.respondHeader(w, r, header)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	header, err := h.service.Cancel(r.Context(), principal, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	h.respondHeader(w, r, header)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	result, err := h.service.Post(r.Context(), principal, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"header":                 result.Header,
		"lines":                  result.Lines,
		"postLedgerBatchId":      result.PostLedgerBatchID,
		"postedLedgerEventCount": result.PostedLedgerEventCount,
		"requestId":              httpx.RequestID(r),
	})
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (shared.Principal, bool) {
	principal, err := shared.RequirePrincipal(r.Context())
	if err != nil {
		httpx.RespondError(w, r, h.logger, err)
		return shared.Principal{}, false
	}
	return principal, true
}

// decodeOptional decodes and validates a body that may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := httpx.ReadBody(w, r)
	if err != nil {
		httpx.RespondError(w, r, h.logger, httpx.BadRequest(err))
		return false
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := httpx.DecodeBytes(body, target); err != nil {
			httpx.RespondError(w, r, h.logger, httpx.BadRequest(err))
			return false
		}
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.RespondError(w, r, h.logger, httpx.ValidationError(err))
		return false
	}
	return true
}

func (h *Handler) respondHeader(w http.ResponseWriter, r *http.Request, header Header) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"header":    header,
		"requestId": httpx.RequestID(r),
	})
}

func (h *Handler) respondDocument(w http.ResponseWriter, r *http.Request, status int, header Header, lines []Line) {
	if lines == nil {
		lines = []Line{}
	}
	httpx.JSON(w, status, map[string]any{
		"header":    header,
		"lines":     lines,
		"requestId": httpx.RequestID(r),
	})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, shared.NewError(shared.CodeValidation, "page parameters must be integers")
	}
	return v, nil
}
