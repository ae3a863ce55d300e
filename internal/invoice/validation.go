package invoice

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidationError describes one invalid field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field of a record
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Validate checks the invariants of extracted fields before they become a
// processed record
func (f ExtractedFields) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(f.Vendor) == "" {
		errs = append(errs, ValidationError{"vendor", "is required"})
	}
	if f.Amount.IsNegative() {
		errs = append(errs, ValidationError{"amount", "must not be negative"})
	}
	if f.TaxAmount.IsNegative() {
		errs = append(errs, ValidationError{"tax_amount", "must not be negative"})
	}
	if !currencyPattern.MatchString(f.Currency) {
		errs = append(errs, ValidationError{"currency", fmt.Sprintf("%q is not an ISO 4217 code", f.Currency)})
	}
	if f.Date.IsZero() {
		errs = append(errs, ValidationError{"date", "is required"})
	}
	// Exported rows are one line each
	for _, text := range []struct{ field, value string }{
		{"invoice_number", f.InvoiceNumber},
		{"vendor", f.Vendor},
		{"category", f.Category},
	} {
		if strings.ContainsFunc(text.value, unicode.IsControl) {
			errs = append(errs, ValidationError{text.field, "must not contain control characters"})
		}
	}
	if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 100 {
		errs = append(errs, ValidationError{"confidence", fmt.Sprintf("%v is outside [0,100]", f.Confidence)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Validate checks a record before it is appended to a store
func (r InvoiceRecord) Validate() error {
	if r.ID == "" {
		return ValidationErrors{{"id", "is required"}}
	}
	if r.SourceFileID == "" {
		return ValidationErrors{{"source_file_id", "is required"}}
	}
	switch r.Status {
	case StatusProcessed:
		return ExtractedFields{
			InvoiceNumber: r.InvoiceNumber,
			Vendor:        r.Vendor,
			Amount:        r.Amount,
			TaxAmount:     r.TaxAmount,
			Currency:      r.Currency,
			Category:      r.Category,
			Date:          r.Date,
			DueDate:       r.DueDate,
			Confidence:    r.Confidence,
		}.Validate()
	case StatusError:
		return nil
	default:
		return ValidationErrors{{"status", fmt.Sprintf("%q is not terminal", r.Status)}}
	}
}
