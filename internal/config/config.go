// Package config defines service configuration structures and loading hooks.
//
// Values are layered: defaults from New, then an optional YAML file, then
// environment variables. See Load.
package config

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/okian/rolodex/internal/adapters/repository"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/normalize"
	"github.com/okian/rolodex/internal/domain/pipeline"
	"github.com/okian/rolodex/internal/domain/similarity"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory import job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of import workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets how many upload fingerprints are remembered.
	DedupeSize int `koanf:"dedupe_size"`

	// MaxUploadBytes caps a single uploaded file.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`

	BatchSize           int     `koanf:"batch_size"`
	MaxParallelBatches  int     `koanf:"max_parallel_batches"`
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	GroupingMode        string  `koanf:"grouping_mode"`

	// MergeStrategy is the blanket policy for conflicts with stored contacts.
	MergeStrategy      string `koanf:"merge_strategy"`
	CollapseDuplicates bool   `koanf:"collapse_duplicates"`

	RetryMaxAttempts int `koanf:"retry_max_attempts"`
	RetryBaseDelayMS int `koanf:"retry_base_delay_ms"`

	StoreDriver string `koanf:"store_driver"`
	SQLiteDSN   string `koanf:"sqlite_dsn"`

	// KafkaBrokers is a comma separated broker list. Empty disables the
	// Kafka error sink.
	KafkaBrokers    string `koanf:"kafka_brokers"`
	KafkaErrorTopic string `koanf:"kafka_error_topic"`

	// WebhookURL receives error alerts. Empty logs alerts instead.
	WebhookURL      string `koanf:"webhook_url"`
	AlertRecipient  string `koanf:"alert_recipient"`
	NotifyPerMinute int    `koanf:"notify_per_minute"`

	NormalizeRules []normalize.Rule  `koanf:"normalize_rules"`
	MergeRules     []merge.FieldRule `koanf:"merge_rules"`
}

// New creates a Config with defaults. Context is accepted first to satisfy
// the project-wide convention and is currently unused.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		Addr:                ":9080",
		QueueSize:           64,
		WorkerCount:         runtime.NumCPU(),
		DedupeSize:          10_000,
		MaxUploadBytes:      32 << 20,
		BatchSize:           pipeline.DefaultBatchSize,
		MaxParallelBatches:  pipeline.DefaultMaxParallelBatches,
		SimilarityThreshold: pipeline.DefaultSimilarityThreshold,
		GroupingMode:        string(similarity.GroupingSeed),
		MergeStrategy:       string(merge.StrategyPreferExisting),
		CollapseDuplicates:  true,
		RetryMaxAttempts:    3,
		RetryBaseDelayMS:    100,
		StoreDriver:         repository.DriverMemory,
		SQLiteDSN:           "rolodex.db",
		KafkaErrorTopic:     "rolodex.import-errors",
		AlertRecipient:      "ops",
		NotifyPerMinute:     30,
	}
}

// RetryBaseDelay returns the retry backoff base as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("%w: max_upload_bytes must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	case c.MaxParallelBatches <= 0:
		return fmt.Errorf("%w: max_parallel_batches must be positive", ErrInvalidConfig)
	case c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1:
		return fmt.Errorf("%w: similarity_threshold must be in (0,1]", ErrInvalidConfig)
	case c.RetryMaxAttempts < 0 || c.RetryBaseDelayMS < 0:
		return fmt.Errorf("%w: retry settings must not be negative", ErrInvalidConfig)
	}
	if _, err := similarity.ParseGroupingMode(c.GroupingMode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := merge.ParseStrategy(c.MergeStrategy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := merge.ValidateRules(c.MergeRules); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := normalize.New(normalize.WithRules(c.NormalizeRules...)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.StoreDriver {
	case repository.DriverMemory:
	case repository.DriverSQLite:
		if c.SQLiteDSN == "" {
			return fmt.Errorf("%w: sqlite_dsn is required for the sqlite driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	return nil
}
