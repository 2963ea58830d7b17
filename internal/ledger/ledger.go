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

// Package ledger provides a Postgres-backed usage ledger with admission
// control. It is the sole writer of an account's accumulated cost: callers
// reserve an estimate before the completion call, then commit the measured
// cost or release the hold.
//
// Admission is a single conditional UPDATE on the account row, so concurrent
// reservations for one account serialize on row-level locking and can never
// collectively overspend the quota. An account may exceed its limit by at
// most one in-flight reservation's actual-minus-estimate delta; commits that
// overshoot are logged, not rolled back.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailmind/pipeline/internal/models"
)

// RejectionReason tells the orchestrator why admission was denied, so the
// fallback reply can say something more useful than "quota exceeded" when the
// real problem is a lapsed subscription.
type RejectionReason string

const (
	ReasonQuotaExceeded  RejectionReason = "quota_exceeded"
	ReasonPastDue        RejectionReason = "past_due"
	ReasonCanceled       RejectionReason = "canceled"
	ReasonUnknownAccount RejectionReason = "unknown_account"
)

// Admission is the result of a CheckAndReserve call.
type Admission struct {
	Admitted      bool
	ReservationID string
	Reason        RejectionReason
}

// Usage carries the measured result of a completed call into Commit.
type Usage struct {
	RelatedMessageID string
	InputTokens      int
	OutputTokens     int
	CostComputed     float64
}

// Ledger tracks per-account cost against a hard quota.
type Ledger struct {
	pool *pgxpool.Pool
}

// New creates a ledger backed by the given Postgres pool and ensures the
// schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Ledger, error) {
	l := &Ledger{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	slog.Info("usage ledger initialised")
	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			account_id         TEXT PRIMARY KEY,
			email_address      TEXT NOT NULL UNIQUE,
			tier               TEXT NOT NULL DEFAULT 'free',
			cost_limit         DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost_used          DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost_reserved      DOUBLE PRECISION NOT NULL DEFAULT 0,
			subscription_state TEXT NOT NULL DEFAULT 'free',
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS reservations (
			id             UUID PRIMARY KEY,
			account_id     TEXT NOT NULL REFERENCES accounts(account_id),
			estimated_cost DOUBLE PRECISION NOT NULL,
			state          TEXT NOT NULL DEFAULT 'held',
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			updated_at     TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_account ON reservations(account_id);
		CREATE TABLE IF NOT EXISTS usage_events (
			id                 UUID PRIMARY KEY,
			account_id         TEXT NOT NULL REFERENCES accounts(account_id),
			related_message_id TEXT NOT NULL,
			input_tokens       INTEGER NOT NULL DEFAULT 0,
			output_tokens      INTEGER NOT NULL DEFAULT 0,
			cost_computed      DOUBLE PRECISION NOT NULL,
			created_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_usage_events_account ON usage_events(account_id);
	`)
	return err
}

// Ping checks the Postgres connection for the health endpoint.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// AccountByAddress resolves a sender address to an account snapshot. Returns
// nil when no account exists for the address.
func (l *Ledger) AccountByAddress(ctx context.Context, address string) (*models.Account, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT account_id, email_address, tier, cost_limit, cost_used,
		       cost_reserved, subscription_state
		FROM accounts
		WHERE email_address = $1
	`, address)

	var a models.Account
	err := row.Scan(
		&a.AccountID, &a.EmailAddress, &a.Tier, &a.CostLimit, &a.CostUsed,
		&a.CostReserved, &a.SubscriptionState,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// CheckAndReserve admits the request if the account is in an allowed
// subscription state and the estimate fits under the limit alongside existing
// holds. The guard and the hold are one conditional UPDATE, so two concurrent
// reservations for the same account cannot both read a stale balance.
func (l *Ledger) CheckAndReserve(ctx context.Context, accountID string, estimate float64) (*Admission, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET cost_reserved = cost_reserved + $2, updated_at = NOW()
		WHERE account_id = $1
		  AND subscription_state IN ('active', 'free')
		  AND cost_used + cost_reserved + $2 <= cost_limit
		RETURNING account_id
	`, accountID, estimate).Scan(&id)

	if err == pgx.ErrNoRows {
		reason, rerr := l.rejectionReason(ctx, accountID)
		if rerr != nil {
			return nil, rerr
		}
		return &Admission{Admitted: false, Reason: reason}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	reservationID := uuid.New().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (id, account_id, estimated_cost)
		VALUES ($1, $2, $3)
	`, reservationID, accountID, estimate)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}

	return &Admission{Admitted: true, ReservationID: reservationID}, nil
}

// rejectionReason re-reads the account to distinguish quota exhaustion from
// subscription problems after a failed conditional update.
func (l *Ledger) rejectionReason(ctx context.Context, accountID string) (RejectionReason, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT subscription_state FROM accounts WHERE account_id = $1
	`, accountID)

	var state models.SubscriptionState
	err := row.Scan(&state)
	if err == pgx.ErrNoRows {
		return ReasonUnknownAccount, nil
	}
	if err != nil {
		return "", fmt.Errorf("query rejection reason: %w", err)
	}
	return ReasonForState(state), nil
}

// ReasonForState maps a disallowed subscription state to its rejection
// reason. Allowed states that still get here were rejected on quota.
func ReasonForState(state models.SubscriptionState) RejectionReason {
	switch state {
	case models.SubscriptionPastDue:
		return ReasonPastDue
	case models.SubscriptionCanceled:
		return ReasonCanceled
	default:
		return ReasonQuotaExceeded
	}
}

// Commit replaces a held reservation's estimate with the measured cost and
// appends the usage event in the same transaction, keeping the reconciliation
// invariant between usage_events and accounts.cost_used.
func (l *Ledger) Commit(ctx context.Context, logger *slog.Logger, reservationID string, usage Usage) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	var estimate float64
	err = tx.QueryRow(ctx, `
		SELECT account_id, estimated_cost FROM reservations
		WHERE id = $1 AND state = 'held'
		FOR UPDATE
	`, reservationID).Scan(&accountID, &estimate)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("commit: reservation %s not held", reservationID)
	}
	if err != nil {
		return fmt.Errorf("lock reservation: %w", err)
	}

	var costUsed, costLimit float64
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET cost_used = cost_used + $2,
		    cost_reserved = GREATEST(cost_reserved - $3, 0),
		    updated_at = NOW()
		WHERE account_id = $1
		RETURNING cost_used, cost_limit
	`, accountID, usage.CostComputed, estimate).Scan(&costUsed, &costLimit)
	if err != nil {
		return fmt.Errorf("commit cost: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_events
			(id, account_id, related_message_id, input_tokens, output_tokens, cost_computed)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), accountID, usage.RelatedMessageID,
		usage.InputTokens, usage.OutputTokens, usage.CostComputed)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE reservations SET state = 'committed', updated_at = NOW() WHERE id = $1
	`, reservationID)
	if err != nil {
		return fmt.Errorf("mark reservation committed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}

	// Bounded overshoot: the actual cost of one in-flight call may exceed
	// its estimate. Surface it, never roll back a delivered completion.
	if costUsed > costLimit {
		logger.Warn("account exceeded cost limit on commit",
			"account_id", accountID,
			"cost_used", costUsed,
			"cost_limit", costLimit,
			"overshoot", costUsed-costLimit,
		)
	}

	return nil
}

// Release returns a held reservation without recording cost. Used when the
// completion call failed before producing billable output.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	var estimate float64
	err = tx.QueryRow(ctx, `
		SELECT account_id, estimated_cost FROM reservations
		WHERE id = $1 AND state = 'held'
		FOR UPDATE
	`, reservationID).Scan(&accountID, &estimate)
	if err == pgx.ErrNoRows {
		// Already released or committed; releasing twice is harmless.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock reservation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET cost_reserved = GREATEST(cost_reserved - $2, 0), updated_at = NOW()
		WHERE account_id = $1
	`, accountID, estimate)
	if err != nil {
		return fmt.Errorf("release hold: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE reservations SET state = 'released', updated_at = NOW() WHERE id = $1
	`, reservationID)
	if err != nil {
		return fmt.Errorf("mark reservation released: %w", err)
	}

	return tx.Commit(ctx)
}

// Events returns the usage events for an account, newest first. Used by the
// reconciliation check and operational tooling.
func (l *Ledger) Events(ctx context.Context, accountID string, limit int) ([]models.UsageEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, account_id, related_message_id, input_tokens, output_tokens,
		       cost_computed, created_at
		FROM usage_events
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var e models.UsageEvent
		if err := rows.Scan(
			&e.ID, &e.AccountID, &e.RelatedMessageID, &e.InputTokens,
			&e.OutputTokens, &e.CostComputed, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
