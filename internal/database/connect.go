package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	connectAttempts = 5
	connectBackoff  = time.Second
)

// retry calls ping until it succeeds, ctx ends or the attempts run out,
// doubling the wait each time.
func retry(ctx context.Context, log zerolog.Logger, what string, ping func(context.Context) error) error {
	wait := connectBackoff
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msgf("%s not ready", what)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
