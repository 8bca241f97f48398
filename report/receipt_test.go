package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/sales"
)

func TestBuildReceiptHTML(t *testing.T) {
	sale := sales.Sale{
		Number:        "SALE-20250501-000042",
		Subtotal:      20,
		DiscountTotal: 2,
		TaxTotal:      1.8,
		Total:         19.8,
		CreatedAt:     time.Date(2025, 5, 1, 14, 30, 0, 0, time.UTC),
		Items: []sales.SaleItem{
			{ItemName: "Preground Coffee 500g", Quantity: 2, UnitPrice: 10, LineTotal: 19.8},
		},
		Payments: []sales.Payment{
			{Amount: 19.8},
		},
	}

	html, err := BuildReceiptHTML("Corner Store", sale)
	require.NoError(t, err)
	require.Contains(t, html, "Corner Store")
	require.Contains(t, html, "SALE-20250501-000042")
	require.Contains(t, html, "Preground Coffee 500g")
	require.Contains(t, html, "19.80")
	require.Contains(t, html, "-2.00")
}

func TestNewClientWithoutEndpoint(t *testing.T) {
	require.Nil(t, NewClient(""))
}
