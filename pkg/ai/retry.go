package ai

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Do runs fn until it succeeds, returns a fatal error, or the retry budget in
// cfg is spent. Errors that are neither recoverable nor fatal are retried.
// The last error is returned wrapped with the attempt count.
func Do(ctx context.Context, cfg RetryConfig, logger *slog.Logger, op string, fn func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(cfg, attempt)
			logger.Info("Retrying provider call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("last_error", lastErr.Error()))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Provider call succeeded after retry",
					slog.String("op", op),
					slog.Int("attempts", attempt+1))
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return err
		}
		if IsFatal(err) {
			logger.Error("Fatal provider error, not retrying",
				slog.String("op", op),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt+1))
			return err
		}
		logger.Warn("Provider call failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", cfg.MaxRetries))
	}

	return fmt.Errorf("%s: exhausted %d retries: %w", op, cfg.MaxRetries, lastErr)
}

// Backoff computes the delay before retry number attempt (1-based).
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.JitterPercent > 0 {
		jitterRange := delay * float64(cfg.JitterPercent)
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
	}

	if delay < 0 {
		delay = float64(cfg.InitialDelay)
	}
	return time.Duration(delay)
}
