package repository

import (
	"time"

	"github.com/okian/rolodex/pkg/logger"
)

type settings struct {
	now    func() time.Time
	logger logger.Logger
}

func defaultSettings() settings {
	return settings{
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Get().Named("repository"),
	}
}

// Option applies a configuration option to a store.
type Option func(*settings)

// WithClock overrides the timestamp source used for created/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}
