package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/pkg/logger"
)

// Alert channels.
const (
	ChannelWebhook = "webhook"
	ChannelLog     = "log"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier posts operator alerts as JSON. Alerts beyond the
// configured rate are dropped with ErrRateLimited rather than queued, so a
// burst of failures cannot stall an import.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	logger  logger.Logger
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) {
		if c != nil {
			w.client = c
		}
	}
}

// WithPerMinute caps alerts per minute. Zero or less disables the cap.
func WithPerMinute(n int) WebhookOption {
	return func(w *WebhookNotifier) {
		if n <= 0 {
			w.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		w.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l logger.Logger) WebhookOption {
	return func(w *WebhookNotifier) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWebhookNotifier creates a notifier. An empty url leaves only the log
// channel usable.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/10), 10),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Get().Named("notify.webhook"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify delivers an alert about ie to recipient over channel.
func (w *WebhookNotifier) Notify(ctx context.Context, channel, recipient string, ie *recovery.ImportError) error {
	if ie == nil {
		return nil
	}
	if !w.limiter.Allow() {
		return ErrRateLimited
	}
	ev := newEvent(ctx, ie, w.now())
	ev.Channel = channel
	ev.Recipient = recipient

	switch channel {
	case ChannelLog:
		w.logger.Warn(ctx, "import alert",
			logger.String("recipient", recipient),
			logger.String("run_id", ev.RunID),
			logger.String("kind", string(ie.Kind)),
			logger.String("message", ie.Message),
		)
		return nil
	case ChannelWebhook:
		return w.post(ctx, ev)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedChannel, channel)
	}
}

func (w *WebhookNotifier) post(ctx context.Context, ev Event) error {
	if w.url == "" {
		return ErrNoEndpoint
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	}
	return nil
}
