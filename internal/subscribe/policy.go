package subscribe

import (
	"time"

	"github.com/calvinalkan/tasksync/internal/remote"
)

// Defaults for [RetryPolicy].
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// RetryPolicy decides whether and when a failed subscription is
// re-established. It holds no state: the caller passes the number of
// retries already spent.
type RetryPolicy struct {
	// MaxRetries is how many re-subscriptions are attempted before giving up.
	MaxRetries int
	// BaseDelay is multiplied by retryCount+1 for linear backoff.
	BaseDelay time.Duration
	// Retryable classifies errors. Nil means [remote.IsRetryable].
	Retryable func(error) bool
}

// DefaultPolicy retries transient errors three times, one second apart and
// growing linearly.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Retryable:  remote.IsRetryable,
	}
}

// Next returns the delay before the next attempt after err, given that
// retryCount retries were already made. ok is false when err is terminal or
// the budget is spent.
func (p RetryPolicy) Next(retryCount int, err error) (delay time.Duration, ok bool) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = remote.IsRetryable
	}

	if !retryable(err) {
		return 0, false
	}

	if retryCount >= p.MaxRetries {
		return 0, false
	}

	return p.BaseDelay * time.Duration(retryCount+1), true
}
