package invoice

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an uploaded file and of the invoice
// record derived from it
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusError
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// pending -> processing -> {processed, error}
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

// FileRecord tracks an uploaded document through processing
type FileRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	MimeType  string    `json:"mime_type"`
	Checksum  string    `json:"checksum"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InvoiceRecord is the structured result of processing one file. Records with
// StatusError carry no financial fields, only the failure message.
type InvoiceRecord struct {
	ID            string          `json:"id"`
	SourceFileID  string          `json:"source_file_id"`
	FileName      string          `json:"file_name"`
	InvoiceNumber string          `json:"invoice_number"`
	Vendor        string          `json:"vendor"`
	Amount        decimal.Decimal `json:"amount"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	Currency      string          `json:"currency"`
	Category      string          `json:"category"`
	Date          time.Time       `json:"date"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	Confidence    float64         `json:"confidence"`
	Status        Status          `json:"status"`
	ProcessedAt   time.Time       `json:"processed_at"`
	Error         string          `json:"error,omitempty"`
}

// ExtractedFields is what the extraction service returns for one document
type ExtractedFields struct {
	InvoiceNumber string
	Vendor        string
	Amount        decimal.Decimal
	TaxAmount     decimal.Decimal
	Currency      string
	Category      string
	Date          time.Time
	DueDate       *time.Time
	Confidence    float64
}

// NewProcessed builds a processed record from extracted fields
func NewProcessed(id string, file FileRecord, fields ExtractedFields, at time.Time) InvoiceRecord {
	return InvoiceRecord{
		ID:            id,
		SourceFileID:  file.ID,
		FileName:      file.Name,
		InvoiceNumber: fields.InvoiceNumber,
		Vendor:        fields.Vendor,
		Amount:        fields.Amount,
		TaxAmount:     fields.TaxAmount,
		Currency:      fields.Currency,
		Category:      fields.Category,
		Date:          fields.Date,
		DueDate:       fields.DueDate,
		Confidence:    fields.Confidence,
		Status:        StatusProcessed,
		ProcessedAt:   at,
	}
}

// NewFailed builds an error stub for a file whose extraction failed
func NewFailed(id string, file FileRecord, cause error, at time.Time) InvoiceRecord {
	rec := InvoiceRecord{
		ID:           id,
		SourceFileID: file.ID,
		FileName:     file.Name,
		Status:       StatusError,
		ProcessedAt:  at,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

// IDGenerator generates unique IDs for files and invoices
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// UUIDGenerator generates random UUIDs
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string {
	return uuid.NewString()
}

// SystemClock provides the wall clock time
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
