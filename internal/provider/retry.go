package provider

import (
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
)

// retryPolicy is the bounded-retry state: total attempts, fixed delay,
// and the HTTP statuses considered transient. Confirmation tolerates a
// short lock held by a webhook processed concurrently with the
// synchronous confirm call; everything else fails on first error.
type retryPolicy struct {
	attempts          uint
	delay             time.Duration
	retryableStatuses []int
}

// 1 initial + 2 extra attempts, only on 409/429.
var confirmPolicy = retryPolicy{
	attempts:          3,
	delay:             time.Second,
	retryableStatuses: []int{409, 429},
}

func (p retryPolicy) retryable(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, s := range p.retryableStatuses {
		if ae.Status == s {
			return true
		}
	}
	return false
}

func (p retryPolicy) options() []retry.Option {
	return []retry.Option{
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(p.retryable),
		retry.LastErrorOnly(true),
	}
}
