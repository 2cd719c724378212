package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

const defaultPublishTimeout = 2 * time.Second

// MessageWriter is the subset of *kafka.Writer the reporter needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter publishes every reported error to a topic. Publishing is
// synchronous but bounded by a timeout; failures are logged and counted and
// never reach the caller.
type KafkaReporter struct {
	writer  MessageWriter
	timeout time.Duration
	now     func() time.Time
	logger  logger.Logger
}

// KafkaOption configures a KafkaReporter.
type KafkaOption func(*KafkaReporter)

// WithWriter replaces the kafka writer, mainly for tests.
func WithWriter(w MessageWriter) KafkaOption {
	return func(k *KafkaReporter) {
		if w != nil {
			k.writer = w
		}
	}
}

// WithPublishTimeout bounds each publish.
func WithPublishTimeout(d time.Duration) KafkaOption {
	return func(k *KafkaReporter) {
		if d > 0 {
			k.timeout = d
		}
	}
}

// WithKafkaLogger sets a custom logger.
func WithKafkaLogger(l logger.Logger) KafkaOption {
	return func(k *KafkaReporter) {
		if l != nil {
			k.logger = l
		}
	}
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NewKafkaReporter creates a reporter writing to topic on brokers.
func NewKafkaReporter(brokers []string, topic string, opts ...KafkaOption) *KafkaReporter {
	k := &KafkaReporter{
		timeout: defaultPublishTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Get().Named("notify.kafka"),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.writer == nil {
		k.writer = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              100,
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}
	return k
}

// Report publishes ie keyed by run id so a run's errors stay ordered on one
// partition.
func (k *KafkaReporter) Report(ctx context.Context, ie *recovery.ImportError) {
	if ie == nil {
		return
	}
	ev := newEvent(ctx, ie, k.now())
	value, err := json.Marshal(ev)
	if err != nil {
		metrics.RecordReportFailure("kafka")
		k.logger.Warn(ctx, "failed to encode error event", logger.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(ev.RunID),
		Value: value,
		Time:  ev.ReportedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ie.Kind)},
			{Key: "severity", Value: []byte(ie.Severity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		metrics.RecordReportFailure("kafka")
		k.logger.Warn(ctx, "failed to publish error event",
			logger.String("run_id", ev.RunID),
			logger.String("kind", string(ie.Kind)),
			logger.Error(err),
		)
	}
}

// Close flushes and closes the writer.
func (k *KafkaReporter) Close() error {
	return k.writer.Close()
}
