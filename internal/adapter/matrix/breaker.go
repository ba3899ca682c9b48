package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"promptbot/internal/domain"
	"promptbot/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// newBreaker builds the breaker guarding every homeserver round trip.
// Zero-valued settings fall back to defaults.
func newBreaker(name string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := breakerTimeout(cfg)
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "matrix:" + name,
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var matrixErr *Error
			if errors.As(err, &matrixErr) {
				return !matrixErr.serverFault()
			}
			return errors.Is(err, context.Canceled)
		},
	})
}

// breakerTimeout is how long the breaker stays open before a trial request.
func breakerTimeout(cfg config.CircuitBreakerConfig) time.Duration {
	if cfg.Timeout == 0 {
		return defaultCBTimeout
	}
	return cfg.Timeout
}

// breakerError maps gobreaker's fail-fast errors onto domain.ErrCircuitOpen.
func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("homeserver %w: %w", domain.ErrCircuitOpen, err)
	}
	return err
}
