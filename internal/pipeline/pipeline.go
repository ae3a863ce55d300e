// Package pipeline drives queued files through the extraction service with a
// bounded number of concurrent workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zombor/invoice-tracker/internal/invoice"
	"github.com/zombor/invoice-tracker/internal/scanning"
)

// ErrRunInProgress is returned when Run is called while a batch is still running
var ErrRunInProgress = errors.New("a batch is already running")

const (
	defaultConcurrency = 1
	defaultItemTimeout = 2 * time.Minute
)

// Queue is the lifecycle tracker the pipeline drives
type Queue interface {
	Get(id string) (invoice.FileRecord, error)
	Start(id string) (invoice.FileRecord, error)
	Finish(id string, status invoice.Status) (invoice.FileRecord, error)
	Document(id string) ([]byte, error)
}

// Store receives one record per file that reaches a terminal state
type Store interface {
	Append(rec invoice.InvoiceRecord) error
}

// Event reports a lifecycle transition of one file. Invoice is set on
// terminal events.
type Event struct {
	FileID  string                 `json:"file_id"`
	Status  invoice.Status         `json:"status"`
	Invoice *invoice.InvoiceRecord `json:"invoice,omitempty"`
}

// Progress counts terminal transitions in the current batch
type Progress struct {
	Completed int  `json:"completed"`
	Total     int  `json:"total"`
	Running   bool `json:"running"`
}

// Fraction is Completed/Total in [0,1], or 0 for an empty batch
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Completed) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Pipeline processes batches of queued files
type Pipeline struct {
	queue   Queue
	scanner scanning.Scanner
	store   Store

	sink        EventSink
	concurrency int
	itemTimeout time.Duration
	idGenerator invoice.IDGenerator
	timeSource  invoice.TimeSource

	// mu orders batch start against Cancel and Wait
	mu        sync.Mutex
	done      chan struct{}
	running   atomic.Bool
	cancelled atomic.Bool
	completed atomic.Int64
	total     atomic.Int64
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithConcurrency bounds how many files are extracted at once
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithItemTimeout bounds a single extraction call
func WithItemTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.itemTimeout = d
		}
	}
}

// WithSink receives every event in addition to the run channel
func WithSink(sink EventSink) Option {
	return func(p *Pipeline) {
		if sink != nil {
			p.sink = sink
		}
	}
}

// WithIDGenerator overrides invoice id generation
func WithIDGenerator(g invoice.IDGenerator) Option {
	return func(p *Pipeline) {
		if g != nil {
			p.idGenerator = g
		}
	}
}

// WithTimeSource overrides the clock used for ProcessedAt
func WithTimeSource(t invoice.TimeSource) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.timeSource = t
		}
	}
}

// New creates a Pipeline
func New(queue Queue, scanner scanning.Scanner, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		queue:       queue,
		scanner:     scanner,
		store:       store,
		sink:        LogSink{},
		concurrency: defaultConcurrency,
		itemTimeout: defaultItemTimeout,
		idGenerator: invoice.UUIDGenerator{},
		timeSource:  invoice.SystemClock{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run processes every pending file of batch and streams their events. The
// channel is closed once all dispatched files reach a terminal state. Files
// that are no longer pending are skipped.
func (p *Pipeline) Run(ctx context.Context, batch []invoice.FileRecord) (<-chan Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}

	items := p.pendingItems(batch)
	p.cancelled.Store(false)
	p.completed.Store(0)
	p.total.Store(int64(len(items)))

	events := make(chan Event, 2*len(items))
	p.done = make(chan struct{})

	slog.Info("Starting batch", "files", len(items), "concurrency", p.concurrency)
	go p.dispatch(ctx, items, events, p.done)

	return events, nil
}

// Wait blocks until the current batch, if any, has finished every
// dispatched file or ctx is done
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) pendingItems(batch []invoice.FileRecord) []invoice.FileRecord {
	seen := make(map[string]bool, len(batch))
	items := make([]invoice.FileRecord, 0, len(batch))
	for _, f := range batch {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true

		current, err := p.queue.Get(f.ID)
		if err != nil || current.Status != invoice.StatusPending {
			continue
		}
		items = append(items, current)
	}
	return items
}

func (p *Pipeline) dispatch(ctx context.Context, items []invoice.FileRecord, events chan<- Event, done chan<- struct{}) {
	defer close(events)
	defer close(done)
	defer p.running.Store(false)

	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup

	dispatched := 0
	for _, item := range items {
		if p.cancelled.Load() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		// Cancel may have been requested while waiting for a slot
		if p.cancelled.Load() {
			sem.Release(1)
			break
		}

		dispatched++
		wg.Add(1)
		go func(file invoice.FileRecord) {
			defer wg.Done()
			defer sem.Release(1)
			p.process(ctx, file, events)
		}(item)
	}
	wg.Wait()

	progress := p.Progress()
	if dispatched < len(items) {
		slog.Info("Batch cancelled", "completed", progress.Completed, "left_pending", len(items)-dispatched)
		return
	}
	slog.Info("Batch finished", "completed", progress.Completed, "total", progress.Total)
}

func (p *Pipeline) process(ctx context.Context, file invoice.FileRecord, events chan<- Event) {
	if _, err := p.queue.Start(file.ID); err != nil {
		// Removed or claimed since the batch was built
		slog.Warn("Skipping file", "file_id", file.ID, "error", err)
		p.total.Add(-1)
		return
	}
	p.emit(events, Event{FileID: file.ID, Status: invoice.StatusProcessing})

	rec := p.extract(ctx, file)
	if err := p.store.Append(rec); err != nil {
		slog.Error("Failed to store invoice", "file_id", file.ID, "error", err)
		rec = invoice.NewFailed(rec.ID, file, fmt.Errorf("storing invoice: %w", err), rec.ProcessedAt)
		if err := p.store.Append(rec); err != nil {
			slog.Error("Failed to store error record", "file_id", file.ID, "error", err)
		}
	}

	if _, err := p.queue.Finish(file.ID, rec.Status); err != nil {
		slog.Error("Failed to finish file", "file_id", file.ID, "error", err)
	}
	p.completed.Add(1)
	p.emit(events, Event{FileID: file.ID, Status: rec.Status, Invoice: &rec})
}

// extract produces the record for one file, absorbing every failure into an
// error stub
func (p *Pipeline) extract(ctx context.Context, file invoice.FileRecord) invoice.InvoiceRecord {
	id := p.idGenerator.Generate()

	data, err := p.queue.Document(file.ID)
	if err != nil {
		return invoice.NewFailed(id, file, &invoice.ExtractionError{FileID: file.ID, Err: err}, p.timeSource.Now())
	}

	fields, err := p.scan(ctx, file, data)
	if err == nil {
		if verr := fields.Validate(); verr != nil {
			err = &invoice.ExtractionError{FileID: file.ID, Err: verr}
		}
	}
	if err != nil {
		slog.Error("Failed to extract invoice", "file_id", file.ID, "name", file.Name, "error", err)
		return invoice.NewFailed(id, file, err, p.timeSource.Now())
	}

	return invoice.NewProcessed(id, file, *fields, p.timeSource.Now())
}

// scan calls the scanner under the item timeout. It stops waiting when the
// deadline passes even if the scanner ignores its context.
func (p *Pipeline) scan(ctx context.Context, file invoice.FileRecord, data []byte) (*invoice.ExtractedFields, error) {
	ctx, cancel := context.WithTimeout(ctx, p.itemTimeout)
	defer cancel()

	type result struct {
		fields *invoice.ExtractedFields
		err    error
	}
	done := make(chan result, 1)
	go func() {
		fields, err := p.scanner.ScanInvoice(ctx, data, file.MimeType)
		done <- result{fields, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &invoice.ExtractionError{FileID: file.ID, Err: r.err}
		}
		if r.fields == nil {
			return nil, &invoice.ExtractionError{FileID: file.ID, Err: errors.New("scanner returned no fields")}
		}
		return r.fields, nil
	case <-ctx.Done():
		return nil, &invoice.ExtractionError{FileID: file.ID, Err: ctx.Err()}
	}
}

func (p *Pipeline) emit(events chan<- Event, ev Event) {
	events <- ev
	p.sink.Publish(ev)
}

// Progress reports the current batch
func (p *Pipeline) Progress() Progress {
	return Progress{
		Completed: int(p.completed.Load()),
		Total:     int(p.total.Load()),
		Running:   p.running.Load(),
	}
}

// Running reports whether a batch is in flight
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Cancel stops dispatching new files. Files already being extracted finish
// normally and the rest stay pending.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		p.cancelled.Store(true)
		slog.Info("Cancelling batch")
	}
}
