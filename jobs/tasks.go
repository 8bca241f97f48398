package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeLowStockScan walks stock levels looking for items at or below
	// their reorder level.
	TaskTypeLowStockScan = "stock:lowscan"
	// TaskTypeSalesSummary aggregates the completed sales of one business day.
	TaskTypeSalesSummary = "sales:summary"
)

// LowStockScanPayload configures a low-stock scan run.
type LowStockScanPayload struct {
	// Limit caps the number of entries logged individually. Zero means the
	// default of 50.
	Limit int `json:"limit"`
}

// NewLowStockScanTask constructs an Asynq task.
func NewLowStockScanTask(payload LowStockScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLowStockScan, data), nil
}

// SalesSummaryPayload configures a daily sales summary run.
type SalesSummaryPayload struct {
	// Day selects the business day to summarize, formatted 2006-01-02.
	// Empty means the previous day.
	Day string `json:"day"`
}

// NewSalesSummaryTask constructs an Asynq task.
func NewSalesSummaryTask(payload SalesSummaryPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSalesSummary, data), nil
}
