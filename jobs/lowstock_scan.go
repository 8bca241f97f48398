package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
	"github.com/tillpoint/tillpoint/internal/stock"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const defaultLowStockLogLimit = 50

// LowStockLister provides the entries a scan inspects.
type LowStockLister interface {
	ListLowStock(ctx context.Context) ([]stock.LowStockEntry, error)
}

// LowStockScanJob walks tracked stock levels and reports items sitting at or
// below their reorder level.
type LowStockScanJob struct {
	Repo    LowStockLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockScanJob initialises the low-stock scan handler.
func NewLowStockScanJob(repo LowStockLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockScanJob {
	return &LowStockScanJob{Repo: repo, Logger: logger, Metrics: metrics}
}

// Handle executes the low-stock scan logic.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultLowStockLogLimit
	}

	start := time.Now()
	tracker := j.metrics().Track(TaskTypeLowStockScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting low stock scan")

	entries, err := j.Repo.ListLowStock(ctx)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	perLocation := make(map[int64]int)
	for i, e := range entries {
		perLocation[e.LocationID]++
		if i >= payload.Limit {
			continue
		}
		logger.Warn("item below reorder level",
			slog.Int64("item_id", e.ItemID),
			slog.String("sku", e.SKU),
			slog.String("item", e.ItemName),
			slog.String("location", e.LocationName),
			slog.Int64("quantity", e.Quantity),
			slog.Int64("reorder_level", e.ReorderLevel),
		)
	}
	for locationID, count := range perLocation {
		j.metrics().SetLowStock(locationID, count)
	}

	logger.Info("completed low stock scan",
		slog.Int("entries", len(entries)),
		slog.Int("locations", len(perLocation)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *LowStockScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeLowStockScan))
	}
	return slog.Default().With(slog.String("job", TaskTypeLowStockScan))
}

func (j *LowStockScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
