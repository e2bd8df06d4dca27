package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts after the first try
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (1.0 keeps the interval fixed)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// FixedConfig retries at a constant interval for a total of attempts tries.
// The engine config push uses FixedConfig(5, 250*time.Millisecond).
func FixedConfig(attempts int, interval time.Duration) Config {
	if attempts < 1 {
		attempts = 1
	}
	return Config{
		MaxRetries:     attempts - 1,
		InitialBackoff: interval,
		MaxBackoff:     interval,
		Multiplier:     1.0,
	}
}

// Do executes fn until it succeeds or the attempt budget is spent. The
// error of the final attempt is returned, wrapped with the attempt count.
func Do(ctx context.Context, config Config, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't sleep after last attempt
		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", config.MaxRetries+1, lastErr)
}
