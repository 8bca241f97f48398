package report

import (
	"bytes"
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/rbac"
	"github.com/tillpoint/tillpoint/internal/sales"
	"github.com/tillpoint/tillpoint/internal/shared"
)

const receiptTemplateText = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
body { font-family: monospace; font-size: 12px; width: 280px; margin: 0 auto; }
h1 { font-size: 14px; text-align: center; }
table { width: 100%; border-collapse: collapse; }
td { padding: 1px 0; }
td.amount { text-align: right; }
.totals { border-top: 1px dashed #000; margin-top: 4px; padding-top: 4px; }
.footer { text-align: center; margin-top: 8px; }
</style>
</head>
<body>
<h1>{{.StoreName}}</h1>
<p>{{.Sale.Number}}<br>{{.Sale.CreatedAt.Format "2006-01-02 15:04"}}</p>
<table>
{{range .Sale.Items}}
<tr><td colspan="2">{{.ItemName}}</td></tr>
<tr><td>{{.Quantity}} x {{printf "%.2f" .UnitPrice}}</td><td class="amount">{{printf "%.2f" .LineTotal}}</td></tr>
{{end}}
</table>
<table class="totals">
<tr><td>Subtotal</td><td class="amount">{{printf "%.2f" .Sale.Subtotal}}</td></tr>
{{if gt .Sale.DiscountTotal 0.0}}<tr><td>Discount</td><td class="amount">-{{printf "%.2f" .Sale.DiscountTotal}}</td></tr>{{end}}
<tr><td>Tax</td><td class="amount">{{printf "%.2f" .Sale.TaxTotal}}</td></tr>
<tr><td><strong>Total</strong></td><td class="amount"><strong>{{printf "%.2f" .Sale.Total}}</strong></td></tr>
{{range .Sale.Payments}}
<tr><td>Paid</td><td class="amount">{{printf "%.2f" .Amount}}</td></tr>
{{end}}
</table>
<p class="footer">Thank you for your purchase</p>
</body>
</html>`

var receiptTemplate = template.Must(template.New("receipt").Parse(receiptTemplateText))

type receiptData struct {
	StoreName string
	Sale      sales.Sale
}

// BuildReceiptHTML renders the receipt markup for one sale.
func BuildReceiptHTML(storeName string, sale sales.Sale) (string, error) {
	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, receiptData{StoreName: storeName, Sale: sale}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SaleGetter loads the sale graph needed for a receipt.
type SaleGetter interface {
	GetSale(ctx context.Context, actorID, id int64) (sales.Sale, error)
}

// Handler serves sale receipts, as PDF when a renderer is configured and as
// plain HTML otherwise.
type Handler struct {
	client    *Client
	sales     SaleGetter
	guard     *rbac.Middleware
	logger    *slog.Logger
	storeName string
}

// NewHandler constructs the receipt handler. client may be nil.
func NewHandler(client *Client, salesSvc SaleGetter, guard *rbac.Middleware, logger *slog.Logger, storeName string) *Handler {
	if storeName == "" {
		storeName = "Tillpoint"
	}
	return &Handler{client: client, sales: salesSvc, guard: guard, logger: logger, storeName: storeName}
}

// MountRoutes attaches receipt routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.guard.Require(rbac.PermViewSales)).Get("/sales/{id}/receipt", h.receipt)
}

func (h *Handler) receipt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "id must be an integer")
		return
	}
	sale, err := h.sales.GetSale(r.Context(), shared.UserIDFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	html, err := BuildReceiptHTML(h.storeName, sale)
	if err != nil {
		h.logger.Error("render receipt", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}

	if h.client != nil {
		pdf, err := h.client.RenderHTML(r.Context(), html)
		if err == nil {
			w.Header().Set("Content-Type", "application/pdf")
			w.Header().Set("Content-Disposition", `inline; filename="`+sale.Number+`.pdf"`)
			_, _ = w.Write(pdf)
			return
		}
		h.logger.Warn("pdf renderer unavailable, serving html", slog.Any("error", err))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}
