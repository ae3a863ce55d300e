package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-tracker/internal/ingest"
	"github.com/zombor/invoice-tracker/internal/invoice"
	"github.com/zombor/invoice-tracker/internal/store"
)

func TestPipeline(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Pipeline Suite")
}

// mockScanner answers by document content. Documents named in fail return an
// error, documents named in hang block until release is closed.
type mockScanner struct {
	fail    map[string]error
	invalid map[string]bool
	hang    map[string]bool
	gate    chan struct{}
	release chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func newMockScanner() *mockScanner {
	return &mockScanner{
		fail:    map[string]error{},
		invalid: map[string]bool{},
		hang:    map[string]bool{},
		release: make(chan struct{}),
	}
}

func (m *mockScanner) ScanInvoice(ctx context.Context, data []byte, contentType string) (*invoice.ExtractedFields, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		prev := m.maxInFlight.Load()
		if n <= prev || m.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}

	name := string(data)
	if m.gate != nil {
		<-m.gate
	}
	if m.hang[name] {
		// Ignores ctx on purpose
		<-m.release
	}
	if err, ok := m.fail[name]; ok {
		return nil, err
	}

	fields := &invoice.ExtractedFields{
		InvoiceNumber: "INV-" + name,
		Vendor:        "Vendor " + name,
		Amount:        decimal.RequireFromString("100.00"),
		TaxAmount:     decimal.RequireFromString("10.00"),
		Currency:      "USD",
		Category:      "Office",
		Date:          time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		Confidence:    90,
	}
	if m.invalid[name] {
		fields.Amount = decimal.NewFromInt(-5)
	}
	return fields, nil
}

func (m *mockScanner) Close() error {
	return nil
}

func drain(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

var _ = Describe("Pipeline", func() {
	var (
		queue   *ingest.Queue
		scanner *mockScanner
		records *store.Memory
		opts    []Option
		p       *Pipeline
		files   []invoice.FileRecord
	)

	enqueue := func(names ...string) {
		for _, name := range names {
			rec, err := queue.Enqueue(ingest.Document{Name: name + ".pdf", MimeType: "application/pdf", Data: []byte(name)})
			Expect(err).NotTo(HaveOccurred())
			files = append(files, rec)
		}
	}

	statusOf := func(id string) invoice.Status {
		rec, err := queue.Get(id)
		Expect(err).NotTo(HaveOccurred())
		return rec.Status
	}

	BeforeEach(func() {
		queue = ingest.NewQueue(ingest.Config{}, ingest.NewMemoryStorage())
		scanner = newMockScanner()
		records = store.NewMemory()
		opts = nil
		files = nil
	})

	JustBeforeEach(func() {
		p = New(queue, scanner, records, opts...)
	})

	When("every extraction succeeds", func() {
		BeforeEach(func() {
			opts = append(opts, WithConcurrency(3))
		})

		It("should process every file and store one record each", func() {
			enqueue("a", "b", "c", "d")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())
			all := drain(events)

			Expect(all).To(HaveLen(8))
			for _, f := range files {
				Expect(statusOf(f.ID)).To(Equal(invoice.StatusProcessed))
			}

			stored, err := records.All()
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(4))
			sources := map[string]bool{}
			for _, r := range stored {
				Expect(r.Status).To(Equal(invoice.StatusProcessed))
				sources[r.SourceFileID] = true
			}
			Expect(sources).To(HaveLen(4))

			Expect(p.Progress().Completed).To(Equal(4))
			Expect(p.Progress().Fraction()).To(Equal(1.0))
			Expect(p.Running()).To(BeFalse())
		})

		It("should emit processing before the terminal event of each file", func() {
			enqueue("a", "b", "c")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())

			seen := map[string][]invoice.Status{}
			for ev := range events {
				seen[ev.FileID] = append(seen[ev.FileID], ev.Status)
				if ev.Status.IsTerminal() {
					Expect(ev.Invoice).NotTo(BeNil())
					Expect(ev.Invoice.SourceFileID).To(Equal(ev.FileID))
				}
			}
			for _, f := range files {
				Expect(seen[f.ID]).To(Equal([]invoice.Status{invoice.StatusProcessing, invoice.StatusProcessed}))
			}
		})
	})

	When("some extractions fail", func() {
		BeforeEach(func() {
			scanner.fail["b"] = errors.New("scanner exploded")
			scanner.invalid["c"] = true
		})

		It("should isolate the failures", func() {
			enqueue("a", "b", "c", "d")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())
			drain(events)

			Expect(statusOf(files[0].ID)).To(Equal(invoice.StatusProcessed))
			Expect(statusOf(files[1].ID)).To(Equal(invoice.StatusError))
			Expect(statusOf(files[2].ID)).To(Equal(invoice.StatusError))
			Expect(statusOf(files[3].ID)).To(Equal(invoice.StatusProcessed))

			stored, err := records.All()
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(4))

			byFile := map[string]invoice.InvoiceRecord{}
			for _, r := range stored {
				byFile[r.SourceFileID] = r
			}
			Expect(byFile[files[1].ID].Status).To(Equal(invoice.StatusError))
			Expect(byFile[files[1].ID].Error).To(ContainSubstring("scanner exploded"))
			Expect(byFile[files[1].ID].Amount.IsZero()).To(BeTrue())
			Expect(byFile[files[2].ID].Error).To(ContainSubstring("amount"))
			Expect(p.Progress().Completed).To(Equal(4))
		})
	})

	When("the scanner hangs past the item timeout", func() {
		BeforeEach(func() {
			opts = append(opts, WithItemTimeout(50*time.Millisecond), WithConcurrency(2))
			scanner.hang["slow"] = true
			DeferCleanup(func() { close(scanner.release) })
		})

		It("should mark the item as error and keep going", func() {
			enqueue("slow", "fast")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())

			var terminal []Event
			Eventually(func() int {
				for {
					select {
					case ev, ok := <-events:
						if !ok {
							return len(terminal)
						}
						if ev.Status.IsTerminal() {
							terminal = append(terminal, ev)
						}
					default:
						return len(terminal)
					}
				}
			}).WithTimeout(2 * time.Second).Should(Equal(2))

			Expect(statusOf(files[0].ID)).To(Equal(invoice.StatusError))
			Expect(statusOf(files[1].ID)).To(Equal(invoice.StatusProcessed))
			for _, ev := range terminal {
				if ev.FileID == files[0].ID {
					Expect(ev.Invoice.Error).To(ContainSubstring("deadline exceeded"))
				}
			}
		})
	})

	When("running with a concurrency bound", func() {
		BeforeEach(func() {
			opts = append(opts, WithConcurrency(2))
			scanner.gate = make(chan struct{})
		})

		It("should never exceed the bound", func() {
			enqueue("a", "b", "c", "d", "e")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())

			Eventually(scanner.inFlight.Load).Should(Equal(int32(2)))
			Consistently(scanner.inFlight.Load, 100*time.Millisecond).Should(Equal(int32(2)))

			close(scanner.gate)
			drain(events)
			Expect(scanner.maxInFlight.Load()).To(Equal(int32(2)))
			Expect(scanner.calls.Load()).To(Equal(int32(5)))
		})
	})

	When("the batch is cancelled", func() {
		BeforeEach(func() {
			scanner.gate = make(chan struct{})
		})

		It("should finish in-flight work and leave the rest pending", func() {
			enqueue("a", "b", "c")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())

			Eventually(scanner.inFlight.Load).Should(Equal(int32(1)))
			p.Cancel()
			close(scanner.gate)
			drain(events)

			Expect(statusOf(files[0].ID)).To(Equal(invoice.StatusProcessed))
			Expect(statusOf(files[1].ID)).To(Equal(invoice.StatusPending))
			Expect(statusOf(files[2].ID)).To(Equal(invoice.StatusPending))
			Expect(queue.Pending()).To(HaveLen(2))

			progress := p.Progress()
			Expect(progress.Completed).To(Equal(1))
			Expect(progress.Total).To(Equal(3))
			Expect(progress.Fraction()).To(BeNumerically("~", 1.0/3, 0.0001))
		})

		It("should allow the remaining files to run later", func() {
			enqueue("a", "b")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())
			Eventually(scanner.inFlight.Load).Should(Equal(int32(1)))
			p.Cancel()
			close(scanner.gate)
			drain(events)

			events, err = p.Run(context.Background(), queue.Pending())
			Expect(err).NotTo(HaveOccurred())
			drain(events)
			Expect(queue.Pending()).To(BeEmpty())
			Expect(p.Progress().Fraction()).To(Equal(1.0))
		})
	})

	When("waiting for a cancelled batch", func() {
		BeforeEach(func() {
			scanner.gate = make(chan struct{})
		})

		It("should return once in-flight files are stored", func() {
			enqueue("a", "b", "c")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())
			Eventually(scanner.inFlight.Load).Should(Equal(int32(1)))
			p.Cancel()

			short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			Expect(p.Wait(short)).To(MatchError(context.DeadlineExceeded))

			close(scanner.gate)
			Expect(p.Wait(context.Background())).To(Succeed())
			Expect(p.Running()).To(BeFalse())

			stored, err := records.All()
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(1))
			Expect(stored[0].SourceFileID).To(Equal(files[0].ID))
			drain(events)
		})

		It("should return immediately when no batch ever ran", func() {
			Expect(p.Wait(context.Background())).To(Succeed())
		})
	})

	It("should honour a cancel issued as soon as the batch is running", func() {
		for range 25 {
			q := ingest.NewQueue(ingest.Config{}, ingest.NewMemoryStorage())
			var batch []invoice.FileRecord
			for _, name := range []string{"a", "b", "c"} {
				rec, err := q.Enqueue(ingest.Document{Name: name + ".pdf", MimeType: "application/pdf", Data: []byte(name)})
				Expect(err).NotTo(HaveOccurred())
				batch = append(batch, rec)
			}
			sc := newMockScanner()
			sc.gate = make(chan struct{})
			pl := New(q, sc, store.NewMemory())

			cancelled := make(chan struct{})
			go func() {
				defer close(cancelled)
				for !pl.Running() {
					runtime.Gosched()
				}
				pl.Cancel()
			}()

			events, err := pl.Run(context.Background(), batch)
			Expect(err).NotTo(HaveOccurred())
			<-cancelled
			close(sc.gate)
			drain(events)

			Expect(pl.Progress().Completed).To(BeNumerically("<", 3))
			Expect(q.Pending()).NotTo(BeEmpty())
		}
	})

	When("a batch is already running", func() {
		BeforeEach(func() {
			scanner.gate = make(chan struct{})
		})

		It("should reject a second run", func() {
			enqueue("a")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())

			_, err = p.Run(context.Background(), files)
			Expect(err).To(MatchError(ErrRunInProgress))

			close(scanner.gate)
			drain(events)
		})
	})

	When("the batch contains files that are not pending", func() {
		It("should skip them", func() {
			enqueue("a", "b", "c")
			Expect(queue.Remove(files[1].ID)).To(Succeed())
			_, err := queue.Start(files[2].ID)
			Expect(err).NotTo(HaveOccurred())

			events, err := p.Run(context.Background(), append(files, files[0]))
			Expect(err).NotTo(HaveOccurred())
			all := drain(events)

			Expect(all).To(HaveLen(2))
			Expect(p.Progress().Total).To(Equal(1))
			Expect(statusOf(files[2].ID)).To(Equal(invoice.StatusProcessing))
			Expect(scanner.calls.Load()).To(Equal(int32(1)))
		})
	})

	When("the batch is empty", func() {
		It("should close the channel and report zero progress", func() {
			events, err := p.Run(context.Background(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(drain(events)).To(BeEmpty())
			Expect(p.Progress().Fraction()).To(BeZero())
		})
	})

	When("a sink is configured", func() {
		var (
			mu   sync.Mutex
			seen []string
		)

		BeforeEach(func() {
			seen = nil
			opts = append(opts, WithSink(SinkFunc(func(ev Event) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, fmt.Sprintf("%s:%s", ev.FileID, ev.Status))
			})))
		})

		It("should receive every event", func() {
			enqueue("a")
			events, err := p.Run(context.Background(), files)
			Expect(err).NotTo(HaveOccurred())
			drain(events)

			mu.Lock()
			defer mu.Unlock()
			Expect(seen).To(Equal([]string{
				files[0].ID + ":processing",
				files[0].ID + ":processed",
			}))
		})
	})

	It("should report monotonic progress", func() {
		enqueue("a", "b", "c", "d", "e", "f")
		p = New(queue, scanner, records, WithConcurrency(3))
		events, err := p.Run(context.Background(), files)
		Expect(err).NotTo(HaveOccurred())

		last := 0.0
		for range events {
			f := p.Progress().Fraction()
			Expect(f).To(BeNumerically(">=", last))
			Expect(f).To(BeNumerically("<=", 1))
			last = f
		}
		Expect(last).To(Equal(1.0))
	})
})

var _ = Describe("Progress", func() {
	It("should be zero for an empty batch", func() {
		Expect(Progress{}.Fraction()).To(BeZero())
	})

	It("should divide completed by total", func() {
		Expect(Progress{Completed: 1, Total: 4}.Fraction()).To(Equal(0.25))
	})
})
