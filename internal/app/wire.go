package service

import (
	"context"
	"fmt"

	"github.com/okian/rolodex/internal/adapters/notify"
	"github.com/okian/rolodex/internal/adapters/repository"
	"github.com/okian/rolodex/internal/config"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/internal/domain/similarity"
)

// FromConfig translates cfg into service options. It opens the configured
// store, which the service then owns, and the error sinks. The returned
// closer releases the sinks and must be called after Stop.
func FromConfig(ctx context.Context, cfg *config.Config) ([]Option, func() error, error) {
	strategy, err := merge.ParseStrategy(cfg.MergeStrategy)
	if err != nil {
		return nil, nil, err
	}
	mode, err := similarity.ParseGroupingMode(cfg.GroupingMode)
	if err != nil {
		return nil, nil, err
	}

	store, err := repository.Open(ctx, cfg.StoreDriver, cfg.SQLiteDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	reporters, closer := Reporters(cfg)

	opts := []Option{
		WithWorkerCount(cfg.WorkerCount),
		WithQueueSize(cfg.QueueSize),
		WithDedupeSize(cfg.DedupeSize),
		WithMaxUploadBytes(cfg.MaxUploadBytes),
		WithStore(store, cfg.StoreDriver),
		WithReporter(reporters),
		WithNormalizationRules(cfg.NormalizeRules...),
		WithMergeStrategy(strategy, cfg.MergeRules...),
		WithCollapseDuplicates(cfg.CollapseDuplicates),
		WithBatching(cfg.BatchSize, cfg.MaxParallelBatches),
		WithSimilarity(cfg.SimilarityThreshold, mode),
		WithRetry(cfg.RetryMaxAttempts, cfg.RetryBaseDelay()),
	}
	return opts, closer, nil
}

// Reporters builds the error sinks named by cfg: Kafka when brokers are
// configured, and operator alerts over the webhook or, without one, the log.
func Reporters(cfg *config.Config) (recovery.Reporter, func() error) {
	var (
		fan    notify.Fanout
		closer = func() error { return nil }
	)
	if brokers := notify.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		k := notify.NewKafkaReporter(brokers, cfg.KafkaErrorTopic)
		fan = append(fan, k)
		closer = k.Close
	}

	channel := notify.ChannelLog
	if cfg.WebhookURL != "" {
		channel = notify.ChannelWebhook
	}
	n := notify.NewWebhookNotifier(cfg.WebhookURL, notify.WithPerMinute(cfg.NotifyPerMinute))
	fan = append(fan, notify.NewAlertReporter(n, channel, cfg.AlertRecipient))
	return fan, closer
}
