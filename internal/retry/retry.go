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

// Package retry provides a generic exponential-backoff executor for fallible
// external calls. Each call site supplies a classifier that decides whether a
// failure is worth retrying; fatal errors abort immediately without consuming
// the remaining attempt budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class is the classifier verdict for a single failure.
type Class int

const (
	// Retryable failures sleep and try again until the budget runs out.
	Retryable Class = iota
	// Fatal failures abort immediately.
	Fatal
)

// Classifier maps an operation error to a retry class.
type Classifier func(error) Class

// Policy configures the backoff schedule. With the default policy the sleeps
// between attempts are BaseDelay, BaseDelay*Multiplier, ... (1s, 2s, 4s).
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// DefaultPolicy is shared by the completion and delivery clients.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	BaseDelay:      1 * time.Second,
	Multiplier:     2,
	AttemptTimeout: 30 * time.Second,
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. It is terminal for the stage that produced it.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Operation is one attempt of an external call. The context carries the
// per-attempt deadline.
type Operation func(ctx context.Context) error

// Execute runs op under the policy. Each attempt gets its own deadline; a
// deadline miss counts as a retryable failure. Classification happens before
// sleeping so a fatal error never waits out a backoff delay.
func Execute(ctx context.Context, logger *slog.Logger, op Operation, classify Classifier, policy Policy) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.BaseDelay
	exp.Multiplier = policy.Multiplier
	exp.RandomizationFactor = 0 // keep the 1/2/4 schedule exact
	exp.MaxInterval = time.Hour // never clamp the schedule in practice
	exp.MaxElapsedTime = 0
	exp.Reset()

	schedule := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts-1)), ctx)

	var lastErr error
	fatal := false
	attempt := 0

	wrapped := func() error {
		attempt++

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		// A per-attempt deadline miss is transient unless the budget is gone.
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("attempt timed out", "attempt", attempt)
			return err
		}

		if classify(err) == Fatal {
			fatal = true
			return backoff.Permanent(err)
		}

		logger.Warn("attempt failed, will retry",
			"attempt", attempt,
			"error", err,
		)
		return err
	}

	err := backoff.Retry(wrapped, schedule)
	if err == nil {
		return nil
	}
	if fatal {
		return lastErr
	}
	if lastErr == nil {
		// Cancelled before the first attempt completed.
		lastErr = err
	}

	// Budget exhausted on retryable failures.
	return &ExhaustedError{Attempts: attempt, Last: lastErr}
}
