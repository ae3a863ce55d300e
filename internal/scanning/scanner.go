package scanning

import (
	"context"
	"fmt"
	"strings"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

// Scanner extracts structured invoice fields from a document
type Scanner interface {
	// ScanInvoice analyzes an invoice image or PDF. Implementations must
	// return promptly once ctx is done.
	ScanInvoice(ctx context.Context, data []byte, contentType string) (*invoice.ExtractedFields, error)
	// Close closes the scanner and releases resources
	Close() error
}

// Config selects and configures a scanner provider
type Config struct {
	Provider     string
	GeminiAPIKey string
	GeminiModel  string
	OllamaURL    string
	OllamaModel  string
}

// New builds the scanner named by cfg.Provider
func New(ctx context.Context, cfg Config) (Scanner, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "gemini":
		g, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "ollama":
		o, err := NewOllama(cfg.OllamaURL, cfg.OllamaModel)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown scanner provider %q", cfg.Provider)
	}
}

// invoiceScanPrompt is the shared prompt used by all LLM providers
const invoiceScanPrompt = `You are analyzing an invoice document. Carefully read all text in the image and extract the following information:

1. **Invoice Number**: The identifier printed on the invoice, often labeled "Invoice #", "Invoice No." or "Reference".

2. **Vendor**: The company that issued the invoice, usually in the header or letterhead.

3. **Amount**: The final total or amount due, including tax. Extract only the numeric value (e.g., 1250.00 for $1,250.00).

4. **Tax Amount**: The tax, VAT or GST line. Use 0 if none is shown.

5. **Currency**: The ISO 4217 currency code, such as USD, EUR or GBP.

6. **Category**: A short expense category such as "Office Supplies", "Software", "Travel", "Utilities" or "Professional Services".

7. **Date** and **Due Date**: The invoice date and the payment due date in ISO 8601 format (YYYY-MM-DD).

8. **Confidence**: Your confidence in the extraction as a number from 0 to 100.

Return ONLY valid JSON in this exact format:
{
  "invoice_number": "INV-001",
  "vendor": "Vendor Name",
  "amount": 0.00,
  "tax_amount": 0.00,
  "currency": "USD",
  "category": "Category",
  "date": "YYYY-MM-DD",
  "due_date": "YYYY-MM-DD",
  "confidence": 0
}

Important:
- Amounts must be numbers (not strings)
- Dates must be in YYYY-MM-DD format
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
