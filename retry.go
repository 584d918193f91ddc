package fundcore

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// retry replays op on transient network failures only, with a fixed delay
// and a fixed attempt cap. Cancelling ctx aborts a pending retry loop.
func retry(ctx context.Context, cfg Config, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(cfg.RetryDelay),
			uint64(cfg.RetryAttempts-1),
		),
		ctx,
	)

	return backoff.Retry(func() error {
		err := op()
		if err == nil || isRetryable(err) {
			return err
		}

		return backoff.Permanent(err)
	}, policy)
}
