package sales

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/rbac"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/stock"
)

// Handler exposes sales over HTTP.
type Handler struct {
	service  *Service
	guard    *rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs the sales handler.
func NewHandler(service *Service, guard *rbac.Middleware) *Handler {
	return &Handler{service: service, guard: guard, validate: validator.New()}
}

// MountRoutes attaches sales routes. Exact permission checks live in the
// service; the guard rejects anonymous and unrelated principals early.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(rbac.PermCreateSale, rbac.PermViewSales, rbac.PermCancelSale, rbac.PermRefundSale))
		r.Post("/sales", h.commitSale)
		r.Get("/sales", h.listSales)
		r.Get("/sales/summary", h.dailySummary)
		r.Get("/sales/number/{number}", h.getSaleByNumber)
		r.Get("/sales/{id}", h.getSale)
		r.Post("/sales/{id}/cancel", h.cancelSale)
		r.Post("/sales/{id}/refund", h.refundSale)
	})
}

func (h *Handler) commitSale(w http.ResponseWriter, r *http.Request) {
	var req CommitSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	req.ActorID = shared.UserIDFromContext(r.Context())

	sale, err := h.service.CommitSale(r.Context(), req)
	if err != nil {
		respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	sales, total, err := h.service.ListSales(r.Context(), shared.UserIDFromContext(r.Context()), listFiltersFromQuery(r))
	if err != nil {
		respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": sales, "total": total})
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be an integer")
		return
	}
	sale, err := h.service.GetSale(r.Context(), shared.UserIDFromContext(r.Context()), id)
	if err != nil {
		respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) getSaleByNumber(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	sale, err := h.service.GetSaleByNumber(r.Context(), shared.UserIDFromContext(r.Context()), number)
	if err != nil {
		respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) cancelSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be an integer")
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	sale, err := h.service.CancelSale(r.Context(), shared.UserIDFromContext(r.Context()), id, req.Reason)
	if err != nil {
		respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) refundSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be an integer")
		return
	}
	var req RefundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	req.ActorID = shared.UserIDFromContext(r.Context())

	refund, err := h.service.RefundSale(r.Context(), id, req)
	if err != nil {
		respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, refund)
}

func (h *Handler) dailySummary(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if v := r.URL.Query().Get("day"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	summary, err := h.service.DailySummary(r.Context(), shared.UserIDFromContext(r.Context()), day)
	if err != nil {
		respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func listFiltersFromQuery(r *http.Request) ListFilters {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("per_page"))
	filters := ListFilters{
		Status:  SaleStatus(q.Get("status")),
		Kind:    SaleKind(q.Get("kind")),
		Number:  q.Get("number"),
		SortBy:  q.Get("sort_by"),
		SortDir: q.Get("sort_dir"),
		Page:    page,
		Limit:   limit,
	}
	if v := q.Get("location_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filters.LocationID = &id
		}
	}
	if v := q.Get("customer_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filters.CustomerID = &id
		}
	}
	if v := q.Get("cashier_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filters.CashierID = &id
		}
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.To = &t
		}
	}
	return filters
}

// respondSaleError maps sales domain errors before falling back to the
// shared mapping.
func respondSaleError(w http.ResponseWriter, err error) {
	var insufficient *stock.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", insufficient.Error())
	case errors.Is(err, ErrInvalidStatus):
		httpx.Problem(w, http.StatusConflict, "Invalid Status", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
