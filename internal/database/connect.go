package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// waitFor calls ping until it succeeds, giving up after attempts tries. The
// delay doubles between tries.
func waitFor(ctx context.Context, log zerolog.Logger, name string, attempts int, delay time.Duration, ping func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		log.Warn().Err(err).
			Str("backend", name).
			Int("attempt", i).
			Dur("retry_in", delay).
			Msg("Backend not ready")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%s unreachable after %d attempts: %w", name, attempts, err)
}
