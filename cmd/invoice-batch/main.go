package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/schollz/progressbar/v3"

	"github.com/zombor/invoice-tracker/internal/analytics"
	"github.com/zombor/invoice-tracker/internal/config"
	"github.com/zombor/invoice-tracker/internal/export"
	"github.com/zombor/invoice-tracker/internal/ingest"
	"github.com/zombor/invoice-tracker/internal/invoice"
	"github.com/zombor/invoice-tracker/internal/pipeline"
	"github.com/zombor/invoice-tracker/internal/scanning"
	"github.com/zombor/invoice-tracker/internal/store"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg := config.Default()
	flags := ff.NewFlagSet("invoice-batch")
	var (
		configPath  = flags.StringLong("config", "", "YAML config file")
		dir         = flags.StringLong("dir", ".", "Directory of invoice documents")
		dbPath      = flags.StringLong("db", "", "Invoice database file path (in memory when empty)")
		csvPath     = flags.StringLong("csv", "", "Write processed invoices to this CSV file")
		xlsxPath    = flags.StringLong("xlsx", "", "Write processed invoices to this XLSX file")
		logLevel    = flags.StringLong("log-level", "warn", "Log level: debug, info, warn or error")
		concurrency = flags.IntLong("concurrency", 0, "Files extracted in parallel (config value when 0)")
		scannerType = flags.StringLong("scanner", "", "Scanner type: 'gemini' or 'ollama' (config value when empty)")
		showVersion = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_BATCH"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.LogLevel = *logLevel
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *concurrency > 0 {
		cfg.Pipeline.Concurrency = *concurrency
	}
	if *scannerType != "" {
		cfg.Scanner.Provider = *scannerType
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(os.Stderr, cfg.LogLevel))

	if err := run(cfg, *dir, *csvPath, *xlsxPath); err != nil {
		slog.Error("Batch failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, dir, csvPath, xlsxPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var invoices store.Store = store.NewMemory()
	if cfg.DBPath != "" {
		db, err := store.NewBolt(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		invoices = db
	}
	defer invoices.Close()

	scanner, err := scanning.New(ctx, cfg.ScannerClient())
	if err != nil {
		return fmt.Errorf("initializing scanner: %w", err)
	}
	defer scanner.Close()

	queue := ingest.NewQueue(cfg.IngestQueue(), ingest.NewMemoryStorage())
	files, err := enqueueDir(queue, dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No invoice documents found in", dir)
		return nil
	}

	p := pipeline.New(queue, scanner, invoices,
		pipeline.WithConcurrency(cfg.Pipeline.Concurrency),
		pipeline.WithItemTimeout(cfg.Pipeline.ItemTimeout),
	)

	// First signal stops dispatch, running files still finish
	go func() {
		<-ctx.Done()
		p.Cancel()
	}()

	events, err := p.Run(context.WithoutCancel(ctx), files)
	if err != nil {
		return fmt.Errorf("starting batch: %w", err)
	}

	bar := newProgressBar(len(files))
	for ev := range events {
		if !ev.Status.IsTerminal() {
			continue
		}
		if err := bar.Add(1); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
		if ev.Status == invoice.StatusError && ev.Invoice != nil {
			slog.Warn("Extraction failed", "file", ev.Invoice.FileName, "error", ev.Invoice.Error)
		}
	}

	records, err := invoices.All()
	if err != nil {
		return fmt.Errorf("loading invoices: %w", err)
	}
	printSummary(analytics.Summarize(records), p.Progress())

	if csvPath != "" {
		if err := writeCSV(records, csvPath); err != nil {
			return err
		}
	}
	if xlsxPath != "" {
		if err := writeXLSX(records, xlsxPath); err != nil {
			return err
		}
	}
	return nil
}

// enqueueDir queues every regular file under dir, skipping hidden entries and
// files the queue rejects
func enqueueDir(queue *ingest.Queue, dir string) ([]invoice.FileRecord, error) {
	var files []invoice.FileRecord
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		rec, err := queue.Enqueue(ingest.Document{
			Name:     d.Name(),
			MimeType: ingest.ContentTypeFor(d.Name()),
			Data:     data,
		})
		var ingestErr *invoice.IngestionError
		if errors.As(err, &ingestErr) {
			slog.Info("Skipping file", "path", path, "reason", ingestErr.Reason)
			return nil
		}
		if err != nil {
			return err
		}
		files = append(files, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return files, nil
}

func newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Extracting invoices...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
}

func printSummary(s analytics.Summary, progress pipeline.Progress) {
	fmt.Println()
	if progress.Completed < progress.Total {
		fmt.Printf("Cancelled after %d of %d files\n", progress.Completed, progress.Total)
	}
	fmt.Printf("Invoices:      %s (%s processed, %s failed)\n",
		humanize.Comma(int64(s.Count)), humanize.Comma(int64(s.ProcessedCount)), humanize.Comma(int64(s.ErrorCount)))
	fmt.Printf("Total amount:  %s\n", humanize.CommafWithDigits(s.ProcessedAmount.InexactFloat64(), 2))
	fmt.Printf("Average:       %s\n", s.AverageAmount.StringFixed(2))
	fmt.Printf("Success rate:  %.1f%%\n", s.SuccessRatePercent)
	fmt.Printf("Confidence:    %.1f%%\n", s.AverageConfidence)
}

func writeCSV(records []invoice.InvoiceRecord, path string) error {
	out, err := export.ToCSV(records)
	if err != nil {
		return fmt.Errorf("exporting CSV: %w", err)
	}
	if err := os.WriteFile(path, []byte(out), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Println("Wrote", path)
	return nil
}

func writeXLSX(records []invoice.InvoiceRecord, path string) error {
	out, err := export.ToXLSX(records)
	if err != nil {
		return fmt.Errorf("exporting XLSX: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Println("Wrote", path)
	return nil
}
