package notify

import "errors"

// Sentinel errors returned by notifiers.
var (
	ErrRateLimited        = errors.New("notification rate limit exceeded")
	ErrUnsupportedChannel = errors.New("unsupported notification channel")
	ErrNoEndpoint         = errors.New("webhook endpoint is not configured")
	ErrDelivery           = errors.New("notification delivery failed")
)
