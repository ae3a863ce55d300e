package export

import (
	"strconv"
	"strings"
	"time"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

const dateLayout = "2006-01-02"

// lineBreaks keeps each record on a single line
var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Header lists the exported columns in order
var Header = []string{
	"Invoice Number",
	"Vendor",
	"Amount",
	"Tax Amount",
	"Date",
	"Due Date",
	"Currency",
	"Category",
	"Confidence",
}

// ToCSV renders processed records as comma separated text, one line per
// record after the header. Vendor and category are wrapped in double quotes
// but embedded quotes and commas are not escaped.
func ToCSV(records []invoice.InvoiceRecord) (string, error) {
	rows := processedOnly(records)
	if len(rows) == 0 {
		return "", &invoice.EmptyExportError{}
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, strings.Join(Header, ","))
	for _, r := range rows {
		lines = append(lines, strings.Join([]string{
			lineBreaks.Replace(r.InvoiceNumber),
			`"` + lineBreaks.Replace(r.Vendor) + `"`,
			r.Amount.String(),
			r.TaxAmount.String(),
			formatDate(r.Date),
			formatDueDate(r.DueDate),
			r.Currency,
			`"` + lineBreaks.Replace(r.Category) + `"`,
			strconv.FormatFloat(r.Confidence, 'f', -1, 64) + "%",
		}, ","))
	}
	return strings.Join(lines, "\n"), nil
}

// FileName is the download name for an export created at now
func FileName(now time.Time, ext string) string {
	return "invoice_data_" + now.Format(dateLayout) + "." + ext
}

func processedOnly(records []invoice.InvoiceRecord) []invoice.InvoiceRecord {
	var out []invoice.InvoiceRecord
	for _, r := range records {
		if r.Status == invoice.StatusProcessed {
			out = append(out, r)
		}
	}
	return out
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func formatDueDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatDate(*t)
}
