package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zombor/invoice-tracker/internal/ingest"
	"github.com/zombor/invoice-tracker/internal/scanning"
)

// Config holds every setting shared by the binaries. A YAML file provides
// the base values and flags or environment variables override them.
type Config struct {
	Port     int    `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	SpoolDir string `yaml:"spool_dir"`
	LogLevel string `yaml:"log_level"`

	Ingest   IngestConfig   `yaml:"ingest"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Scanner  ScannerConfig  `yaml:"scanner"`
}

// IngestConfig limits accepted uploads
type IngestConfig struct {
	MaxFileSize   int64    `yaml:"max_file_size"`
	AcceptedTypes []string `yaml:"accepted_types"`
}

// PipelineConfig tunes batch processing
type PipelineConfig struct {
	Concurrency int           `yaml:"concurrency"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
}

// ScannerConfig selects the extraction provider
type ScannerConfig struct {
	Provider     string `yaml:"provider"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`
	OllamaURL    string `yaml:"ollama_url"`
	OllamaModel  string `yaml:"ollama_model"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Port:     8080,
		LogLevel: "info",
		Ingest: IngestConfig{
			MaxFileSize:   ingest.DefaultMaxFileSize,
			AcceptedTypes: append([]string(nil), ingest.DefaultAcceptedTypes...),
		},
		Pipeline: PipelineConfig{
			Concurrency: 2,
			ItemTimeout: 2 * time.Minute,
		},
		Scanner: ScannerConfig{
			Provider:    "gemini",
			GeminiModel: "gemini-2.5-pro",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llava",
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Ingest.MaxFileSize <= 0 {
		errs = append(errs, errors.New("ingest.max_file_size must be positive"))
	}
	if len(c.Ingest.AcceptedTypes) == 0 {
		errs = append(errs, errors.New("ingest.accepted_types must not be empty"))
	}
	if c.Pipeline.Concurrency < 1 {
		errs = append(errs, errors.New("pipeline.concurrency must be at least 1"))
	}
	if c.Pipeline.ItemTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.item_timeout must be positive"))
	}
	switch strings.ToLower(c.Scanner.Provider) {
	case "gemini", "ollama":
	default:
		errs = append(errs, fmt.Errorf("scanner.provider %q must be gemini or ollama", c.Scanner.Provider))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IngestQueue converts the ingest section for ingest.NewQueue
func (c Config) IngestQueue() ingest.Config {
	return ingest.Config{
		MaxFileSize:   c.Ingest.MaxFileSize,
		AcceptedTypes: c.Ingest.AcceptedTypes,
	}
}

// ScannerClient converts the scanner section for scanning.New. The Gemini key
// falls back to GEMINI_API_KEY.
func (c Config) ScannerClient() scanning.Config {
	key := c.Scanner.GeminiAPIKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	return scanning.Config{
		Provider:     c.Scanner.Provider,
		GeminiAPIKey: key,
		GeminiModel:  c.Scanner.GeminiModel,
		OllamaURL:    c.Scanner.OllamaURL,
		OllamaModel:  c.Scanner.OllamaModel,
	}
}
