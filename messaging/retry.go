package messaging

import (
	"context"

	"github.com/antiduh/MiniBus/internal/reliability"
)

// WithRetry runs action until it succeeds or policy gives up. A nil policy
// uses DefaultRetryAttempts and DefaultRetryDelay. Errors that are not
// delivery failures are returned without retrying.
func WithRetry(ctx context.Context, policy RetryPolicy, action func() error) error {
	if policy == nil {
		policy = NewRetryPolicy(DefaultRetryAttempts, DefaultRetryDelay)
	}
	return reliability.Retry(ctx, policy, action)
}
