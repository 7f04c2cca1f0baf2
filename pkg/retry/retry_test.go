package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BackoffBase: time.Millisecond,
		IsRetryable: pkgerrors.IsRetryable,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	attempts, err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return pkgerrors.New(pkgerrors.CodeDependency, "flaky upstream")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	rateLimited := pkgerrors.New(pkgerrors.CodeRateLimit, "slow down")
	attempts, err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		return rateLimited
	})
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeRateLimit {
		t.Fatalf("expected rate limit error back, got %v", err)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	permanent := pkgerrors.New(pkgerrors.CodeValidation, "prompt rejected")
	attempts, err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		return permanent
	})
	if attempts != 1 {
		t.Fatalf("permanent error should stop after 1 attempt, got %d", attempts)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error back, got %v", err)
	}
}

func TestDoStopsOnUnclassifiedError(t *testing.T) {
	t.Parallel()

	plain := errors.New("no code attached")
	attempts, err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		return plain
	})
	if attempts != 1 {
		t.Fatalf("unclassified error should stop after 1 attempt, got %d", attempts)
	}
	if !errors.Is(err, plain) {
		t.Fatalf("expected plain error back, got %v", err)
	}
}

func TestNewPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewPolicy(0, 0)
	if p.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("expected default attempts, got %d", p.MaxAttempts)
	}
	if p.BackoffBase != defaultBackoffBase {
		t.Fatalf("expected default base, got %s", p.BackoffBase)
	}
	if p.IsRetryable == nil {
		t.Fatal("expected retryability predicate to be set")
	}
}
