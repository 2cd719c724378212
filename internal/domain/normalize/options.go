package normalize

import (
	"time"

	"github.com/okian/rolodex/pkg/logger"
)

// Option configures an Engine.
type Option func(*Engine)

// WithRules registers custom rules after the built-ins, in order.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) {
		e.pending = append(e.pending, rules...)
	}
}

// WithoutBuiltins starts the engine with no built-in rules.
func WithoutBuiltins() Option {
	return func(e *Engine) {
		e.builtins = false
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the change timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
