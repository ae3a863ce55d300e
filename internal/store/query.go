package store

import (
	"fmt"
	"iter"
	"strings"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

// StatusAll disables status filtering in Search
const StatusAll = "all"

// Predicate selects records
type Predicate func(invoice.InvoiceRecord) bool

// Query lazily yields the records matching pred in snapshot order
func Query(records []invoice.InvoiceRecord, pred Predicate) iter.Seq[invoice.InvoiceRecord] {
	return func(yield func(invoice.InvoiceRecord) bool) {
		for _, rec := range records {
			if pred != nil && !pred(rec) {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// MatchTerm matches records whose vendor or invoice number contains term,
// ignoring case. An empty term matches everything.
func MatchTerm(term string) Predicate {
	term = strings.ToLower(strings.TrimSpace(term))
	return func(rec invoice.InvoiceRecord) bool {
		if term == "" {
			return true
		}
		return strings.Contains(strings.ToLower(rec.Vendor), term) ||
			strings.Contains(strings.ToLower(rec.InvoiceNumber), term)
	}
}

// HasStatus matches records with exactly the given status
func HasStatus(status invoice.Status) Predicate {
	return func(rec invoice.InvoiceRecord) bool {
		return rec.Status == status
	}
}

// And matches records accepted by every predicate
func And(preds ...Predicate) Predicate {
	return func(rec invoice.InvoiceRecord) bool {
		for _, p := range preds {
			if !p(rec) {
				return false
			}
		}
		return true
	}
}

// Search filters a snapshot of s by a free text term and a status. An empty
// status or "all" matches every status.
func Search(s Store, term, status string) ([]invoice.InvoiceRecord, error) {
	records, err := s.All()
	if err != nil {
		return nil, fmt.Errorf("loading invoices: %w", err)
	}

	pred := MatchTerm(term)
	if status != "" && !strings.EqualFold(status, StatusAll) {
		pred = And(pred, HasStatus(invoice.Status(strings.ToLower(status))))
	}

	out := make([]invoice.InvoiceRecord, 0)
	for rec := range Query(records, pred) {
		out = append(out, rec)
	}
	return out, nil
}
