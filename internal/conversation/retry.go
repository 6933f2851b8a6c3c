package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// withRetry calls fn until it succeeds, fails with an error that is not a
// BackendUnavailableError, or MaxAttempts is reached.
func (c *Conversation) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := c.opts.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var unavailable *domain.BackendUnavailableError
		if !errors.As(err, &unavailable) || attempt >= c.opts.MaxAttempts {
			return err
		}

		c.opts.Metrics.BackendRetry(op)
		c.opts.Logger.Warn().Err(err).
			Str("session_id", c.id).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("backend unavailable, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}
