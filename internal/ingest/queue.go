package ingest

import (
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

// DefaultMaxFileSize is the largest document accepted when none is configured
const DefaultMaxFileSize int64 = 10 << 20

// DefaultAcceptedTypes are the media types accepted when none are configured
var DefaultAcceptedTypes = []string{"application/pdf", "image/jpeg", "image/png"}

// Config limits what the queue accepts
type Config struct {
	MaxFileSize   int64
	AcceptedTypes []string
}

// Document is a raw upload waiting to be queued
type Document struct {
	Name     string
	MimeType string
	Data     []byte
}

type entry struct {
	record invoice.FileRecord
	key    string
}

// Queue tracks uploaded files and their lifecycle state. It is safe for
// concurrent use.
type Queue struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	cfg         Config
	accepted    map[string]bool
	storage     Storage
	idGenerator invoice.IDGenerator
	timeSource  invoice.TimeSource
}

// NewQueue creates a Queue with UUID ids and the system clock
func NewQueue(cfg Config, storage Storage) *Queue {
	return NewQueueWithDeps(cfg, storage, invoice.UUIDGenerator{}, invoice.SystemClock{})
}

// NewQueueWithDeps creates a Queue with custom dependencies for testing
func NewQueueWithDeps(cfg Config, storage Storage, idGen invoice.IDGenerator, timeSrc invoice.TimeSource) *Queue {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if len(cfg.AcceptedTypes) == 0 {
		cfg.AcceptedTypes = DefaultAcceptedTypes
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}

	accepted := make(map[string]bool, len(cfg.AcceptedTypes))
	for _, t := range cfg.AcceptedTypes {
		accepted[normalizeType(t)] = true
	}

	return &Queue{
		entries:     make(map[string]*entry),
		cfg:         cfg,
		accepted:    accepted,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Enqueue validates a document and records it as pending
func (q *Queue) Enqueue(doc Document) (invoice.FileRecord, error) {
	mimeType := normalizeType(doc.MimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = ContentTypeFor(doc.Name)
	}

	size := int64(len(doc.Data))
	if size > q.cfg.MaxFileSize {
		return invoice.FileRecord{}, &invoice.IngestionError{
			Name: doc.Name,
			Reason: fmt.Sprintf("file is %s, maximum size is %s",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(q.cfg.MaxFileSize))),
		}
	}
	if !q.accepted[mimeType] {
		return invoice.FileRecord{}, &invoice.IngestionError{
			Name:   doc.Name,
			Reason: fmt.Sprintf("unsupported file type %q", mimeType),
		}
	}

	now := q.timeSource.Now()
	rec := invoice.FileRecord{
		ID:        q.idGenerator.Generate(),
		Name:      doc.Name,
		SizeBytes: size,
		MimeType:  mimeType,
		Checksum:  fmt.Sprintf("%016x", xxhash.Sum64(doc.Data)),
		Status:    invoice.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	key := fmt.Sprintf("%s_%s", rec.ID, sanitizeFilename(doc.Name))
	if err := q.storage.Save(key, doc.Data); err != nil {
		return invoice.FileRecord{}, fmt.Errorf("saving document: %w", err)
	}

	q.mu.Lock()
	q.order = append(q.order, rec.ID)
	q.entries[rec.ID] = &entry{record: rec, key: key}
	q.mu.Unlock()

	slog.Debug("Queued file", "file_id", rec.ID, "name", rec.Name, "size", humanize.IBytes(uint64(size)))
	return rec, nil
}

// List returns every tracked file in insertion order
func (q *Queue) List() []invoice.FileRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]invoice.FileRecord, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].record)
	}
	return out
}

// Pending returns the files still waiting to be processed, in insertion order
func (q *Queue) Pending() []invoice.FileRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []invoice.FileRecord
	for _, id := range q.order {
		if rec := q.entries[id].record; rec.Status == invoice.StatusPending {
			out = append(out, rec)
		}
	}
	return out
}

// Get returns a single file record
func (q *Queue) Get(id string) (invoice.FileRecord, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	e, ok := q.entries[id]
	if !ok {
		return invoice.FileRecord{}, fmt.Errorf("file %s: %w", id, invoice.ErrNotFound)
	}
	return e.record, nil
}

// Remove drops a file that has not started processing
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("file %s: %w", id, invoice.ErrNotFound)
	}
	if e.record.Status != invoice.StatusPending {
		q.mu.Unlock()
		return &invoice.InvalidStateError{ID: id, Status: e.record.Status, Op: "remove"}
	}
	delete(q.entries, id)
	q.order = slices.DeleteFunc(q.order, func(other string) bool { return other == id })
	q.mu.Unlock()

	if err := q.storage.Delete(e.key); err != nil {
		slog.Warn("Failed to delete document", "file_id", id, "error", err)
	}
	return nil
}

// Start moves a pending file to processing
func (q *Queue) Start(id string) (invoice.FileRecord, error) {
	return q.transition(id, invoice.StatusProcessing, "start")
}

// Finish moves a processing file to a terminal state and releases its bytes
func (q *Queue) Finish(id string, status invoice.Status) (invoice.FileRecord, error) {
	if !status.IsTerminal() {
		return invoice.FileRecord{}, fmt.Errorf("finishing file %s: %q is not a terminal status", id, status)
	}
	rec, err := q.transition(id, status, "finish")
	if err != nil {
		return rec, err
	}

	q.mu.RLock()
	key := q.entries[id].key
	q.mu.RUnlock()
	if err := q.storage.Delete(key); err != nil {
		slog.Warn("Failed to release document", "file_id", id, "error", err)
	}
	return rec, nil
}

func (q *Queue) transition(id string, next invoice.Status, op string) (invoice.FileRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return invoice.FileRecord{}, fmt.Errorf("file %s: %w", id, invoice.ErrNotFound)
	}
	if !e.record.Status.CanTransition(next) {
		return e.record, &invoice.InvalidStateError{ID: id, Status: e.record.Status, Op: op}
	}
	e.record.Status = next
	e.record.UpdatedAt = q.timeSource.Now()
	return e.record, nil
}

// Document returns the raw bytes of a queued file
func (q *Queue) Document(id string) ([]byte, error) {
	q.mu.RLock()
	e, ok := q.entries[id]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, invoice.ErrNotFound)
	}

	data, err := q.storage.Get(e.key)
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", id, err)
	}
	return data, nil
}

// MaxFileSize is the largest document Enqueue accepts
func (q *Queue) MaxFileSize() int64 {
	return q.cfg.MaxFileSize
}

// ContentTypeFor guesses a media type from a file extension
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(t); err == nil {
		return parsed
	}
	return t
}
