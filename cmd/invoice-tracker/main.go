package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-tracker/internal/config"
	"github.com/zombor/invoice-tracker/internal/ingest"
	"github.com/zombor/invoice-tracker/internal/pipeline"
	"github.com/zombor/invoice-tracker/internal/scanning"
	"github.com/zombor/invoice-tracker/internal/server"
	"github.com/zombor/invoice-tracker/internal/store"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("invoice-tracker")
	var (
		_           = fs.StringLong("config", "", "YAML config file (or set INVOICE_TRACKER_CONFIG)")
		port        = fs.IntLong("port", cfg.Port, "HTTP server port")
		dbPath      = fs.StringLong("db", cfg.DBPath, "Invoice database file path (in memory when empty)")
		spoolDir    = fs.StringLong("spool", cfg.SpoolDir, "Directory for queued uploads (in memory when empty)")
		logLevel    = fs.StringLong("log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
		maxSize     = fs.StringLong("max-file-size", humanize.IBytes(uint64(cfg.Ingest.MaxFileSize)), "Largest accepted upload (e.g. 10MiB)")
		concurrency = fs.IntLong("concurrency", cfg.Pipeline.Concurrency, "Files extracted in parallel")
		itemTimeout = fs.DurationLong("item-timeout", cfg.Pipeline.ItemTimeout, "Extraction timeout per file")
		scannerType = fs.StringLong("scanner", cfg.Scanner.Provider, "Scanner type: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", cfg.Scanner.GeminiAPIKey, "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", cfg.Scanner.GeminiModel, "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", cfg.Scanner.OllamaURL, "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", cfg.Scanner.OllamaModel, "Ollama model name (e.g., llava, qwen2-vl)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	size, err := humanize.ParseBytes(*maxSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid --max-file-size: %v\n", err)
		os.Exit(1)
	}

	cfg.Port = *port
	cfg.DBPath = *dbPath
	cfg.SpoolDir = *spoolDir
	cfg.LogLevel = *logLevel
	cfg.Ingest.MaxFileSize = int64(size)
	cfg.Pipeline.Concurrency = *concurrency
	cfg.Pipeline.ItemTimeout = *itemTimeout
	cfg.Scanner.Provider = *scannerType
	cfg.Scanner.GeminiAPIKey = *geminiKey
	cfg.Scanner.GeminiModel = *geminiModel
	cfg.Scanner.OllamaURL = *ollamaURL
	cfg.Scanner.OllamaModel = *ollamaModel

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(os.Stderr, cfg.LogLevel))

	if err := run(cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML file named by --config or INVOICE_TRACKER_CONFIG,
// or returns the defaults when neither is set
func loadConfig(args []string) (config.Config, error) {
	path := os.Getenv("INVOICE_TRACKER_CONFIG")
	for i, arg := range args {
		switch {
		case arg == "--config" && i+1 < len(args):
			path = args[i+1]
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize invoice store
	var invoices store.Store = store.NewMemory()
	if cfg.DBPath != "" {
		slog.Info("Initializing database...", "path", cfg.DBPath)
		db, err := store.NewBolt(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		invoices = db
	}
	defer invoices.Close()

	// Initialize upload storage
	var storage ingest.Storage = ingest.NewMemoryStorage()
	if cfg.SpoolDir != "" {
		slog.Info("Initializing storage...", "path", cfg.SpoolDir)
		local, err := ingest.NewLocalStorage(cfg.SpoolDir)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		storage = local
	}

	slog.Info("Initializing scanner...", "provider", cfg.Scanner.Provider)
	scanner, err := scanning.New(ctx, cfg.ScannerClient())
	if err != nil {
		return fmt.Errorf("initializing scanner: %w", err)
	}
	defer scanner.Close()

	queue := ingest.NewQueue(cfg.IngestQueue(), storage)
	p := pipeline.New(queue, scanner, invoices,
		pipeline.WithConcurrency(cfg.Pipeline.Concurrency),
		pipeline.WithItemTimeout(cfg.Pipeline.ItemTimeout),
	)
	srv := server.NewServer(server.NewService(queue, p, invoices))

	addr := fmt.Sprintf(":%d", cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr)
	}()
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ItemTimeout+10*time.Second)
	defer cancel()

	// No new batches once the listener is closed
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down server", "error", err)
	}

	// In-flight files must reach the store before it is closed
	p.Cancel()
	if err := p.Wait(shutdownCtx); err != nil {
		return fmt.Errorf("waiting for batch: %w", err)
	}
	return nil
}
