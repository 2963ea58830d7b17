// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testPolicy keeps delays tiny so the suite stays fast.
func testPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      10 * time.Millisecond,
		Multiplier:     2,
		AttemptTimeout: time.Second,
	}
}

func alwaysRetryable(error) Class { return Retryable }
func alwaysFatal(error) Class     { return Fatal }

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), testLogger, func(ctx context.Context) error {
		calls++
		return nil
	}, alwaysRetryable, testPolicy())

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecute_RetryableExhaustsBudget(t *testing.T) {
	boom := errors.New("transient")
	calls := 0

	start := time.Now()
	err := Execute(context.Background(), testLogger, func(ctx context.Context) error {
		calls++
		return boom
	}, alwaysRetryable, testPolicy())
	elapsed := time.Since(start)

	if calls != 3 {
		t.Errorf("calls = %d, want exactly maxAttempts (3)", calls)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Errorf("exhaustion error should wrap the last cause")
	}

	// Sleeps between the 3 attempts follow the base*multiplier schedule:
	// 10ms then 20ms. Allow generous slack for slow CI.
	if elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 30ms of backoff", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, backoff far exceeded schedule", elapsed)
	}
}

func TestExecute_FatalAbortsImmediately(t *testing.T) {
	boom := errors.New("config broken")
	calls := 0

	err := Execute(context.Background(), testLogger, func(ctx context.Context) error {
		calls++
		return boom
	}, alwaysFatal, testPolicy())

	if calls != 1 {
		t.Errorf("calls = %d, want exactly 1 for a fatal error", calls)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want the original fatal error", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Errorf("fatal error must not surface as exhaustion")
	}
}

func TestExecute_RecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), testLogger, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, alwaysRetryable, testPolicy())

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecute_AttemptTimeoutIsRetryable(t *testing.T) {
	policy := testPolicy()
	policy.AttemptTimeout = 5 * time.Millisecond

	calls := 0
	err := Execute(context.Background(), testLogger, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	}, alwaysFatal, policy) // classifier never consulted for timeouts

	if calls != 3 {
		t.Errorf("calls = %d, want 3 — timeouts must be retried", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want exhaustion after repeated timeouts", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("exhaustion should wrap the deadline error, got %v", err)
	}
}

func TestExecute_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Execute(ctx, testLogger, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	}, alwaysRetryable, testPolicy())

	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 — no retries after cancel", calls)
	}
}

func TestExecute_ZeroAttemptsClampedToOne(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 0

	calls := 0
	_ = Execute(context.Background(), testLogger, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	}, alwaysRetryable, policy)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
