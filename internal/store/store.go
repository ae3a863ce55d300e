package store

import (
	"fmt"
	"slices"
	"sync"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

// Store is an append-only collection of invoice records
type Store interface {
	// Append validates and adds a record. Records are never updated or removed.
	Append(rec invoice.InvoiceRecord) error

	// All returns a snapshot of every record in insertion order
	All() ([]invoice.InvoiceRecord, error)

	// Close releases any resources held by the store
	Close() error
}

// Memory keeps records in memory
type Memory struct {
	mu      sync.RWMutex
	records []invoice.InvoiceRecord
	ids     map[string]struct{}
	sources map[string]struct{}
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		ids:     make(map[string]struct{}),
		sources: make(map[string]struct{}),
	}
}

func (m *Memory) Append(rec invoice.InvoiceRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("appending invoice: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[rec.ID]; ok {
		return fmt.Errorf("invoice %s: %w", rec.ID, invoice.ErrDuplicate)
	}
	if _, ok := m.sources[rec.SourceFileID]; ok {
		return fmt.Errorf("source file %s: %w", rec.SourceFileID, invoice.ErrDuplicate)
	}

	m.records = append(m.records, clone(rec))
	m.ids[rec.ID] = struct{}{}
	m.sources[rec.SourceFileID] = struct{}{}
	return nil
}

func (m *Memory) All() ([]invoice.InvoiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := slices.Clone(m.records)
	for i := range out {
		out[i] = clone(out[i])
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func clone(rec invoice.InvoiceRecord) invoice.InvoiceRecord {
	if rec.DueDate != nil {
		due := *rec.DueDate
		rec.DueDate = &due
	}
	return rec
}
