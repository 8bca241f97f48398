package catalog

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/rbac"
)

// Handler exposes the catalog over HTTP.
type Handler struct {
	service *Service
	guard   *rbac.Middleware
}

// NewHandler constructs the catalog handler.
func NewHandler(service *Service, guard *rbac.Middleware) *Handler {
	return &Handler{service: service, guard: guard}
}

// MountRoutes attaches catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.PermViewCatalog))
		r.Get("/items", h.listItems)
		r.Get("/items/{id}", h.getItem)
		r.Get("/categories", h.listCategories)
		r.Get("/suppliers", h.listSuppliers)
		r.Get("/suppliers/{id}", h.getSupplier)
		r.Get("/locations", h.listLocations)
		r.Get("/payment-options", h.listPaymentOptions)
		r.Get("/taxes", h.listTaxes)
		r.Get("/discounts", h.listDiscounts)
		r.Get("/customers", h.listCustomers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.PermManageCatalog))
		r.Post("/items", h.createItem)
		r.Put("/items/{id}", h.updateItem)
		r.Delete("/items/{id}", h.retireItem)
		r.Post("/items/{id}/restore", h.restoreItem)
		r.Post("/categories", h.createCategory)
		r.Post("/suppliers", h.createSupplier)
		r.Put("/suppliers/{id}", h.updateSupplier)
		r.Post("/locations", h.createLocation)
		r.Delete("/locations/{id}", h.deactivateLocation)
		r.Post("/locations/{id}/restore", h.activateLocation)
		r.Post("/payment-options", h.createPaymentOption)
		r.Post("/taxes", h.createTax)
		r.Post("/discounts", h.createDiscount)
		r.Post("/customers", h.createCustomer)
	})
}

func urlID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func listFiltersFromQuery(r *http.Request) ListFilters {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("per_page"))
	filters := ListFilters{
		Page:    page,
		Limit:   limit,
		Search:  q.Get("search"),
		SortBy:  q.Get("sort_by"),
		SortDir: q.Get("sort_dir"),
	}
	if v := q.Get("category_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filters.CategoryID = &id
		}
	}
	if v := q.Get("supplier_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filters.SupplierID = &id
		}
	}
	if v := q.Get("active"); v != "" {
		active := v == "true" || v == "1"
		filters.IsActive = &active
	}
	return filters
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.service.ListItems(r.Context(), listFiltersFromQuery(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": items, "total": total})
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return
	}
	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var item Item
	if err := httpx.DecodeJSON(r, &item); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	created, err := h.service.CreateItem(r.Context(), item)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return
	}
	var item Item
	if err := httpx.DecodeJSON(r, &item); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	if err := h.service.UpdateItem(r.Context(), id, item); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id})
}

func (h *Handler) retireItem(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return
	}
	if err := h.service.RetireItem(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (h *Handler) restoreItem(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return
	}
	if err := h.service.RestoreItem(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "active": true})
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.ListCategories(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, categories)
}

func (h *Handler) createCategory(w http.ResponseWriter, r *http.Request) {
	var category Category
	if err := httpx.DecodeJSON(r, &category); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	created, err := h.service.CreateCategory(r.Context(), category)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) listSuppliers(w http.ResponseWriter, r *http.Request) {
	suppliers, total, err := h.service.ListSuppliers(r.Context(), listFiltersFromQuery(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": suppliers, "total": total})
}

func (h *Handler) getSupplier(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return
	}
	supplier, err := h.service.GetSupplier(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, supplier)
}

func (h *Handler) createSupplier(w http.ResponseWriter, r *http.Request) {
	var supplier Supplier
	if err := httpx.DecodeJSON(r, &supplier); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	created, err := h.service.CreateSupplier(r.Context(), supplier)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateSupplier(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return
	}
	var supplier Supplier
	if err := httpx.DecodeJSON(r, &supplier); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	if err := h.service.UpdateSupplier(r.Context(), id, supplier); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id})
}

func (h *Handler) listLocations(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	locations, err := h.service.ListLocations(r.Context(), includeInactive)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, locations)
}

func (h *Handler) createLocation(w http.ResponseWriter, r *http.Request) {
	var location Location
	if err := httpx.DecodeJSON(r, &location); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	created, err := h.service.CreateLocation(r.Context(), location)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) deactivateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return
	}
	if err := h.service.DeactivateLocation(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (h *Handler) activateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be a positive integer")
		return
	}
	if err := h.service.ActivateLocation(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "active": true})
}

func (h *Handler) listPaymentOptions(w http.ResponseWriter, r *http.Request) {
	options, err := h.service.ListPaymentOptions(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, options)
}

func (h *Handler) createPaymentOption(w http.ResponseWriter, r *http.Request) {
	var option PaymentOption
	if err := httpx.DecodeJSON(r, &option); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	created, err := h.service.CreatePaymentOption(r.Context(), option)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) listTaxes(w http.ResponseWriter, r *http.Request) {
	taxes, err := h.service.ListTaxes(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, taxes)
}

func (h *Handler) createTax(w http.ResponseWriter, r *http.Request) {
	var tax Tax
	if err := httpx.DecodeJSON(r, &tax); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	created, err := h.service.CreateTax(r.Context(), tax)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) listDiscounts(w http.ResponseWriter, r *http.Request) {
	discounts, err := h.service.ListDiscounts(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, discounts)
}

func (h *Handler) createDiscount(w http.ResponseWriter, r *http.Request) {
	var discount Discount
	if err := httpx.DecodeJSON(r, &discount); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	created, err := h.service.CreateDiscount(r.Context(), discount)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) listCustomers(w http.ResponseWriter, r *http.Request) {
	customers, total, err := h.service.ListCustomers(r.Context(), listFiltersFromQuery(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": customers, "total": total})
}

func (h *Handler) createCustomer(w http.ResponseWriter, r *http.Request) {
	var customer Customer
	if err := httpx.DecodeJSON(r, &customer); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	created, err := h.service.CreateCustomer(r.Context(), customer)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}
