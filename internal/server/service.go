package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zombor/invoice-tracker/internal/analytics"
	"github.com/zombor/invoice-tracker/internal/export"
	"github.com/zombor/invoice-tracker/internal/ingest"
	"github.com/zombor/invoice-tracker/internal/invoice"
	"github.com/zombor/invoice-tracker/internal/pipeline"
	"github.com/zombor/invoice-tracker/internal/store"
)

// Service ties the queue, pipeline and store together behind the HTTP API
type Service struct {
	queue    *ingest.Queue
	pipeline *pipeline.Pipeline
	store    store.Store
}

// NewService creates a new Service
func NewService(queue *ingest.Queue, p *pipeline.Pipeline, s store.Store) *Service {
	return &Service{
		queue:    queue,
		pipeline: p,
		store:    s,
	}
}

// Upload queues a document
func (s *Service) Upload(name, contentType string, data []byte) (invoice.FileRecord, error) {
	return s.queue.Enqueue(ingest.Document{Name: name, MimeType: contentType, Data: data})
}

// MaxUploadSize is the largest document Upload accepts
func (s *Service) MaxUploadSize() int64 {
	return s.queue.MaxFileSize()
}

// Files lists every tracked file
func (s *Service) Files() []invoice.FileRecord {
	return s.queue.List()
}

// File returns one tracked file
func (s *Service) File(id string) (invoice.FileRecord, error) {
	return s.queue.Get(id)
}

// RemoveFile drops a pending file
func (s *Service) RemoveFile(id string) error {
	return s.queue.Remove(id)
}

// StartBatch processes every pending file in the background. The batch stops
// dispatching when ctx is done.
func (s *Service) StartBatch(ctx context.Context) (pipeline.Progress, error) {
	events, err := s.pipeline.Run(ctx, s.queue.Pending())
	if err != nil {
		return pipeline.Progress{}, err
	}
	progress := s.pipeline.Progress()

	go func() {
		for range events {
		}
		slog.Debug("Batch events drained")
	}()

	return progress, nil
}

// Progress reports the current or last batch
func (s *Service) Progress() pipeline.Progress {
	return s.pipeline.Progress()
}

// CancelBatch stops dispatching new files
func (s *Service) CancelBatch() {
	s.pipeline.Cancel()
}

// Search filters stored invoices by term and status
func (s *Service) Search(term, status string) ([]invoice.InvoiceRecord, error) {
	return store.Search(s.store, term, status)
}

func (s *Service) snapshot() ([]invoice.InvoiceRecord, error) {
	records, err := s.store.All()
	if err != nil {
		return nil, fmt.Errorf("loading invoices: %w", err)
	}
	return records, nil
}

// Report computes every analytics view from one snapshot
func (s *Service) Report() (analytics.Report, error) {
	records, err := s.snapshot()
	if err != nil {
		return analytics.Report{}, err
	}
	return analytics.Compute(records), nil
}

// ExportCSV renders processed invoices as CSV
func (s *Service) ExportCSV() (string, error) {
	records, err := s.snapshot()
	if err != nil {
		return "", err
	}
	return export.ToCSV(records)
}

// ExportXLSX renders processed invoices as an XLSX workbook
func (s *Service) ExportXLSX() ([]byte, error) {
	records, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return export.ToXLSX(records)
}
