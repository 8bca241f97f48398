package stock

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/rbac"
	"github.com/tillpoint/tillpoint/internal/shared"
)

// Handler exposes stock operations over HTTP.
type Handler struct {
	service *Service
	guard   *rbac.Middleware
}

// NewHandler constructs the stock handler.
func NewHandler(service *Service, guard *rbac.Middleware) *Handler {
	return &Handler{service: service, guard: guard}
}

// MountRoutes attaches stock routes. Exact permission checks live in the
// service; the route guard rejects anonymous and unrelated principals early.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(rbac.PermViewInventory, rbac.PermCreateMovements, rbac.PermAdjustInventory))
		r.Post("/movements", h.applyMovement)
		r.Get("/movements", h.listMovements)
		r.Get("/movements/{id}", h.getMovement)
		r.Patch("/movements/{id}", h.setMovementActive)
		r.Get("/stock-levels", h.listLevels)
		r.Get("/stock-levels/low", h.listLowStock)
		r.Get("/stock-levels/{itemID}/{locationID}", h.getLevel)
		r.Patch("/stock-levels/{itemID}/{locationID}", h.setReorderLevel)
		r.Delete("/stock-levels/{itemID}/{locationID}", h.deactivateLevel)
	})
}

func (h *Handler) applyMovement(w http.ResponseWriter, r *http.Request) {
	var input MovementInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	input.ActorID = shared.UserIDFromContext(r.Context())

	movement, err := h.service.ApplyMovement(r.Context(), input)
	if err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	filter := movementFilterFromQuery(r)
	movements, total, err := h.service.ListMovements(r.Context(), shared.UserIDFromContext(r.Context()), filter)
	if err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": movements, "total": total})
}

func (h *Handler) getMovement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be an integer")
		return
	}
	movement, err := h.service.GetMovement(r.Context(), shared.UserIDFromContext(r.Context()), id)
	if err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movement)
}

func (h *Handler) setMovementActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be an integer")
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil || req.IsActive == nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "body must carry is_active")
		return
	}
	movement, err := h.service.SetMovementActive(r.Context(), shared.UserIDFromContext(r.Context()), id, *req.IsActive)
	if err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movement)
}

func (h *Handler) setReorderLevel(w http.ResponseWriter, r *http.Request) {
	itemID, err1 := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	locationID, err2 := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "item and location ids must be integers")
		return
	}
	var req struct {
		ReorderLevel *int64 `json:"reorder_level"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil || req.ReorderLevel == nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "body must carry reorder_level")
		return
	}
	level, err := h.service.SetReorderLevel(r.Context(), shared.UserIDFromContext(r.Context()), itemID, locationID, *req.ReorderLevel)
	if err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, level)
}

func (h *Handler) deactivateLevel(w http.ResponseWriter, r *http.Request) {
	itemID, err1 := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	locationID, err2 := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "item and location ids must be integers")
		return
	}
	if err := h.service.DeactivateLevel(r.Context(), shared.UserIDFromContext(r.Context()), itemID, locationID); err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) listLevels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LevelFilter{}
	if v := q.Get("item_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.ItemID = &id
		}
	}
	if v := q.Get("location_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.LocationID = &id
		}
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Limit, _ = strconv.Atoi(q.Get("per_page"))

	levels, err := h.service.ListLevels(r.Context(), shared.UserIDFromContext(r.Context()), filter)
	if err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, levels)
}

func (h *Handler) listLowStock(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListLowStock(r.Context(), shared.UserIDFromContext(r.Context()))
	if err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) getLevel(w http.ResponseWriter, r *http.Request) {
	itemID, err1 := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	locationID, err2 := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "item and location ids must be integers")
		return
	}
	level, err := h.service.GetLevel(r.Context(), shared.UserIDFromContext(r.Context()), itemID, locationID)
	if err != nil {
		respondStockError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, level)
}

func movementFilterFromQuery(r *http.Request) MovementFilter {
	q := r.URL.Query()
	filter := MovementFilter{Type: MovementType(q.Get("type"))}
	if v := q.Get("item_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.ItemID = &id
		}
	}
	if v := q.Get("location_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.LocationID = &id
		}
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}
	filter.IncludeInactive = q.Get("include_inactive") == "true"
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Limit, _ = strconv.Atoi(q.Get("per_page"))
	return filter
}

// respondStockError maps stock domain errors before falling back to the
// shared mapping.
func respondStockError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientStockError
	if errors.As(err, &insufficient) {
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", insufficient.Error())
		return
	}
	httpx.RespondError(w, err)
}
