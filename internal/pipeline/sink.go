package pipeline

import (
	"log/slog"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

// EventSink observes pipeline events. Publish is called from worker
// goroutines and must be safe for concurrent use.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) {
	f(ev)
}

// LogSink writes events to a structured logger
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case ev.Status == invoice.StatusError && ev.Invoice != nil:
		logger.Warn("Invoice failed", "file_id", ev.FileID, "error", ev.Invoice.Error)
	case ev.Status == invoice.StatusProcessed && ev.Invoice != nil:
		logger.Info("Invoice processed",
			"file_id", ev.FileID,
			"invoice_id", ev.Invoice.ID,
			"vendor", ev.Invoice.Vendor,
			"amount", ev.Invoice.Amount.String(),
			"confidence", ev.Invoice.Confidence,
		)
	default:
		logger.Debug("File status changed", "file_id", ev.FileID, "status", ev.Status)
	}
}
