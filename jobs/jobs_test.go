package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/sales"
	"github.com/tillpoint/tillpoint/internal/stock"
)

type fakeLister struct {
	entries []stock.LowStockEntry
	err     error
	calls   int
}

func (f *fakeLister) ListLowStock(ctx context.Context) ([]stock.LowStockEntry, error) {
	f.calls++
	return f.entries, f.err
}

func TestLowStockScanHandlesEntries(t *testing.T) {
	lister := &fakeLister{entries: []stock.LowStockEntry{
		{ItemID: 1, SKU: "SKU-1", ItemName: "Beans", LocationID: 7, LocationName: "Main", Quantity: 2, ReorderLevel: 5},
	}}
	job := NewLowStockScanJob(lister, nil, nil)

	task, err := NewLowStockScanTask(LowStockScanPayload{})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, lister.calls)
}

func TestLowStockScanRejectsBadPayload(t *testing.T) {
	job := NewLowStockScanJob(&fakeLister{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskTypeLowStockScan, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeSummarizer struct {
	day     time.Time
	summary sales.DailySummary
}

func (f *fakeSummarizer) SummarizeDay(ctx context.Context, day time.Time) (sales.DailySummary, error) {
	f.day = day
	return f.summary, nil
}

func TestSalesSummaryDefaultsToPreviousDay(t *testing.T) {
	summarizer := &fakeSummarizer{}
	job := NewSalesSummaryJob(summarizer, nil, nil)
	job.clock = func() time.Time {
		return time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC)
	}

	task, err := NewSalesSummaryTask(SalesSummaryPayload{})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2025, 3, 9, 4, 0, 0, 0, time.UTC), summarizer.day)
}

func TestSalesSummaryParsesExplicitDay(t *testing.T) {
	summarizer := &fakeSummarizer{}
	job := NewSalesSummaryJob(summarizer, nil, nil)

	task, err := NewSalesSummaryTask(SalesSummaryPayload{Day: "2025-02-01"})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), summarizer.day)

	err = job.Handle(context.Background(), asynq.NewTask(TaskTypeSalesSummary, []byte(`{"day":"yesterday"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
