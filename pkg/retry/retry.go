package retry

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/sethvargo/go-retry"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
)

// Policy bounds a retried operation: a fixed attempt budget, exponential
// backoff between attempts, and a predicate deciding which errors are worth
// retrying. The enhancement and delivery stages share the same policy shape.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	IsRetryable func(error) bool
}

// NewPolicy builds a policy with the retryability predicate from pkg/errors.
func NewPolicy(maxAttempts int, backoffBase time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BackoffBase: backoffBase,
		IsRetryable: pkgerrors.IsRetryable,
	}
}

// Do runs fn under the policy and reports how many attempts were made along
// with the final error. Non-retryable errors stop the loop immediately;
// retryable ones are retried with exponential backoff until the attempt
// budget is spent.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	base := p.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	isRetryable := p.IsRetryable
	if isRetryable == nil {
		isRetryable = pkgerrors.IsRetryable
	}

	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewExponential(base))

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := fn(ctx); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	return attempts, unwrapRetryable(err)
}

// retry.Do hands back its own retryable wrapper when the budget is spent;
// callers want the cause, so only that outer layer is stripped.
func unwrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	if reflect.TypeOf(err) == goRetryWrapperType {
		if unwrapped := errors.Unwrap(err); unwrapped != nil {
			return unwrapped
		}
	}
	return err
}

var goRetryWrapperType = reflect.TypeOf(retry.RetryableError(errors.New("probe")))
