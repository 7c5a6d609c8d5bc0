// Package reliability provides the retry loop used by MiniBus conversations.
//
// A RetryPolicy decides, after each failed attempt, whether to try again and
// how long to wait. FixedDelay is the policy used by RequestContext.WithRetry:
// a fixed pause between a bounded number of attempts, retrying only errors
// accepted by its predicate.
//
//	policy := reliability.NewFixedDelay(time.Second, 5, isDeliveryFailure)
//	err := reliability.Retry(ctx, policy, func() error {
//	    return sendAndWait()
//	})
package reliability
