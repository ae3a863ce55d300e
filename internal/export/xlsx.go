package export

import (
	"fmt"
	"log/slog"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

// SheetName is the worksheet holding exported invoices
const SheetName = "Invoices"

// ToXLSX renders processed records as a workbook with the same columns as
// ToCSV. Amounts and confidence are written as numeric cells.
func ToXLSX(records []invoice.InvoiceRecord) ([]byte, error) {
	rows := processedOnly(records)
	if len(rows) == 0 {
		return nil, &invoice.EmptyExportError{}
	}

	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(SheetName)
	if err != nil {
		return nil, fmt.Errorf("creating sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("removing default sheet: %w", err)
	}

	for i, h := range Header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}

	for i, r := range rows {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(SheetName, cell, v)
		}
		write(1, r.InvoiceNumber)
		write(2, r.Vendor)
		write(3, r.Amount.InexactFloat64())
		write(4, r.TaxAmount.InexactFloat64())
		write(5, formatDate(r.Date))
		write(6, formatDueDate(r.DueDate))
		write(7, r.Currency)
		write(8, r.Category)
		write(9, r.Confidence)
	}

	_ = f.SetColWidth(SheetName, "A", "A", 18)
	_ = f.SetColWidth(SheetName, "B", "B", 32)
	_ = f.SetColWidth(SheetName, "C", "D", 14)
	_ = f.SetColWidth(SheetName, "E", "F", 12)
	_ = f.SetColWidth(SheetName, "H", "H", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	slog.Info("Exported invoices", "format", "xlsx", "rows", len(rows))
	return buf.Bytes(), nil
}
