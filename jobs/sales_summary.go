package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
	"github.com/tillpoint/tillpoint/internal/sales"
)

// DaySummarizer aggregates completed sales for one day.
type DaySummarizer interface {
	SummarizeDay(ctx context.Context, day time.Time) (sales.DailySummary, error)
}

// SalesSummaryJob logs the daily sales totals so operators get a close-of-day
// report without querying the API.
type SalesSummaryJob struct {
	Repo    DaySummarizer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSalesSummaryJob initialises the daily summary handler.
func NewSalesSummaryJob(repo DaySummarizer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SalesSummaryJob {
	return &SalesSummaryJob{
		Repo:    repo,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the daily summary logic.
func (j *SalesSummaryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("sales summary: handler not configured")
	}
	var payload SalesSummaryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	day := j.now().AddDate(0, 0, -1)
	if payload.Day != "" {
		parsed, err := time.Parse("2006-01-02", payload.Day)
		if err != nil {
			return asynq.SkipRetry
		}
		day = parsed
	}

	tracker := j.metrics().Track(TaskTypeSalesSummary)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("day", day.Format("2006-01-02")))
	logger.Info("starting sales summary")

	summary, err := j.Repo.SummarizeDay(ctx, day)
	if err != nil {
		resultErr = err
		logger.Error("summary failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("daily sales summary",
		slog.Int64("sales", summary.SaleCount),
		slog.Int64("refunds", summary.RefundCount),
		slog.Float64("gross_total", summary.GrossTotal),
		slog.Float64("refund_total", summary.RefundTotal),
		slog.Float64("net_total", summary.NetTotal),
		slog.Int64("items_sold", summary.ItemsSold),
		slog.Int64("items_refunded", summary.ItemsRefunds),
	)
	return resultErr
}

func (j *SalesSummaryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeSalesSummary))
	}
	return slog.Default().With(slog.String("job", TaskTypeSalesSummary))
}

func (j *SalesSummaryJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SalesSummaryJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
