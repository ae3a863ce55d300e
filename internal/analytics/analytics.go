// Package analytics derives summary metrics and grouped breakdowns from a
// snapshot of invoice records. All functions are pure and never fail.
package analytics

import (
	"fmt"

	"github.com/shopspring/decimal"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

// Summary holds the dashboard metrics for a snapshot
type Summary struct {
	Count              int             `json:"count"`
	ProcessedCount     int             `json:"processed_count"`
	ErrorCount         int             `json:"error_count"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	ProcessedAmount    decimal.Decimal `json:"processed_amount"`
	AverageAmount      decimal.Decimal `json:"average_amount"`
	AverageConfidence  float64         `json:"average_confidence"`
	SuccessRatePercent float64         `json:"success_rate_percent"`
}

// MonthlyBucket aggregates processed invoices dated in one calendar month
type MonthlyBucket struct {
	PeriodKey string          `json:"period_key"`
	Year      int             `json:"year"`
	Month     int             `json:"month"`
	Count     int             `json:"count"`
	AmountSum decimal.Decimal `json:"amount_sum"`
}

// CategoryBucket aggregates processed invoices sharing a category
type CategoryBucket struct {
	Name     string          `json:"name"`
	Count    int             `json:"count"`
	ValueSum decimal.Decimal `json:"value_sum"`
}

// Report bundles every derived view of one snapshot
type Report struct {
	Summary    Summary          `json:"summary"`
	Monthly    []MonthlyBucket  `json:"monthly"`
	Categories []CategoryBucket `json:"categories"`
}

// Compute derives the full report from a single snapshot
func Compute(records []invoice.InvoiceRecord) Report {
	return Report{
		Summary:    Summarize(records),
		Monthly:    MonthlyBreakdown(records),
		Categories: CategoryBreakdown(records),
	}
}

// Summarize computes totals and averages over every record in the snapshot.
// Error stubs count towards the denominators with zero amount and confidence.
func Summarize(records []invoice.InvoiceRecord) Summary {
	s := Summary{
		Count:           len(records),
		TotalAmount:     decimal.Zero,
		ProcessedAmount: decimal.Zero,
		AverageAmount:   decimal.Zero,
	}
	if len(records) == 0 {
		return s
	}

	var confidence float64
	for _, rec := range records {
		s.TotalAmount = s.TotalAmount.Add(rec.Amount)
		confidence += rec.Confidence
		switch rec.Status {
		case invoice.StatusProcessed:
			s.ProcessedCount++
			s.ProcessedAmount = s.ProcessedAmount.Add(rec.Amount)
		case invoice.StatusError:
			s.ErrorCount++
		}
	}

	n := float64(len(records))
	s.AverageAmount = s.TotalAmount.DivRound(decimal.NewFromInt(int64(len(records))), 2)
	s.AverageConfidence = confidence / n
	s.SuccessRatePercent = float64(s.ProcessedCount) / n * 100
	return s
}

// MonthlyBreakdown groups processed records by the year and month of their
// invoice date, in the order each month is first seen
func MonthlyBreakdown(records []invoice.InvoiceRecord) []MonthlyBucket {
	buckets := orderedmap.New[string, *MonthlyBucket]()
	for _, rec := range records {
		if rec.Status != invoice.StatusProcessed {
			continue
		}
		key := fmt.Sprintf("%04d-%02d", rec.Date.Year(), int(rec.Date.Month()))
		b, ok := buckets.Get(key)
		if !ok {
			b = &MonthlyBucket{
				PeriodKey: key,
				Year:      rec.Date.Year(),
				Month:     int(rec.Date.Month()),
				AmountSum: decimal.Zero,
			}
			buckets.Set(key, b)
		}
		b.Count++
		b.AmountSum = b.AmountSum.Add(rec.Amount)
	}

	out := make([]MonthlyBucket, 0, buckets.Len())
	for pair := buckets.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// CategoryBreakdown groups processed records by category, in the order each
// category is first seen
func CategoryBreakdown(records []invoice.InvoiceRecord) []CategoryBucket {
	buckets := orderedmap.New[string, *CategoryBucket]()
	for _, rec := range records {
		if rec.Status != invoice.StatusProcessed {
			continue
		}
		b, ok := buckets.Get(rec.Category)
		if !ok {
			b = &CategoryBucket{Name: rec.Category, ValueSum: decimal.Zero}
			buckets.Set(rec.Category, b)
		}
		b.Count++
		b.ValueSum = b.ValueSum.Add(rec.Amount)
	}

	out := make([]CategoryBucket, 0, buckets.Len())
	for pair := buckets.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}
