package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// connectAttempts bounds startup retries while the database or Redis container
// is still coming up.
const connectAttempts = 5

// retryConnect runs op until it succeeds, ctx ends or the attempts run out.
func retryConnect(ctx context.Context, what string, log zerolog.Logger, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, connectAttempts-1), ctx)
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("target", what).Dur("retry_in", wait).Msg("Connection failed, retrying")
	})
}
