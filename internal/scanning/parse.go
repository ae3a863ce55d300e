package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

const (
	defaultCurrency = "USD"
	defaultCategory = "Uncategorized"
)

var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

func moneyProp() map[string]any {
	return map[string]any{"type": []string{"number", "string", "null"}}
}

func optionalString() map[string]any {
	return map[string]any{"type": []string{"string", "null"}}
}

// invoiceSchema describes the JSON the providers are asked to return
var invoiceSchema = mustCompileSchema(map[string]any{
	"type": "object",
	"properties": map[string]any{
		"invoice_number": optionalString(),
		"vendor":         map[string]any{"type": "string", "minLength": 1},
		"amount":         map[string]any{"type": []string{"number", "string"}},
		"tax_amount":     moneyProp(),
		"currency":       optionalString(),
		"category":       optionalString(),
		"date":           map[string]any{"type": "string", "minLength": 1},
		"due_date":       optionalString(),
		"confidence":     map[string]any{"type": []string{"number", "null"}, "minimum": 0, "maximum": 100},
	},
	"required": []string{"vendor", "amount", "date"},
})

func mustCompileSchema(schemaMap map[string]any) *jsonschema.Schema {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("invoice.json", bytes.NewReader(b)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("invoice.json")
}

// invoiceData mirrors the provider response before normalization
type invoiceData struct {
	InvoiceNumber *string          `json:"invoice_number"`
	Vendor        string           `json:"vendor"`
	Amount        decimal.Decimal  `json:"amount"`
	TaxAmount     *decimal.Decimal `json:"tax_amount"`
	Currency      *string          `json:"currency"`
	Category      *string          `json:"category"`
	Date          string           `json:"date"`
	DueDate       *string          `json:"due_date"`
	Confidence    *float64         `json:"confidence"`
}

// extractJSONObject trims markdown fences and any prose around the first
// JSON object in a model response
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end == -1 || end < start {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[start : end+1], nil
}

// parseInvoiceJSON validates a model response against invoiceSchema and
// converts it to extracted fields
func parseInvoiceJSON(text string) (*invoice.ExtractedFields, error) {
	text, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	// Check the shape before trusting any field
	var generic any
	if err := json.Unmarshal([]byte(text), &generic); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	if err := invoiceSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("json does not match schema: %w", err)
	}

	var data invoiceData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	// Unlike the due date, the invoice date is required
	date, err := parseDate(data.Date)
	if err != nil {
		return nil, fmt.Errorf("parsing invoice date: %w", err)
	}

	fields := &invoice.ExtractedFields{
		InvoiceNumber: singleLine(deref(data.InvoiceNumber)),
		Vendor:        singleLine(data.Vendor),
		Amount:        data.Amount.Round(2),
		TaxAmount:     decimal.Zero,
		Currency:      strings.ToUpper(strings.TrimSpace(deref(data.Currency))),
		Category:      singleLine(deref(data.Category)),
		Date:          date,
	}
	if data.TaxAmount != nil {
		fields.TaxAmount = data.TaxAmount.Round(2)
	}
	if fields.Currency == "" {
		fields.Currency = defaultCurrency
	}
	if fields.Category == "" {
		fields.Category = defaultCategory
	}

	// An unreadable due date is dropped rather than failing the invoice
	if due := strings.TrimSpace(deref(data.DueDate)); due != "" {
		if d, err := parseDate(due); err == nil {
			fields.DueDate = &d
		}
	}

	if data.Confidence != nil {
		c := *data.Confidence
		// Some models answer on a 0..1 scale
		if c > 0 && c <= 1 {
			c *= 100
		}
		fields.Confidence = c
	}

	return fields, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, format := range dateFormats {
		if d, err := time.Parse(format, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// singleLine collapses runs of whitespace, line breaks included, to one space
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
