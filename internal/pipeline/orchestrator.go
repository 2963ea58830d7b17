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

// Package pipeline sequences one inbound message through deduplication,
// admission control, completion, metering, composition, and delivery. A run
// is strictly forward-progressing and always ends acknowledged: the inbound
// transport never sees an error status, because an error status means
// redelivery and redelivery means duplicate processing.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mailmind/pipeline/internal/completion"
	"github.com/mailmind/pipeline/internal/delivery"
	"github.com/mailmind/pipeline/internal/ledger"
	"github.com/mailmind/pipeline/internal/models"
	"github.com/mailmind/pipeline/internal/perf"
	"github.com/mailmind/pipeline/internal/thread"
)

// LevelCritical flags errors that indicate a misconfigured deployment rather
// than a transient condition. slog has no built-in level above Error.
const LevelCritical = slog.LevelError + 4

// State names one step of the run. Transitions only move forward.
type State string

const (
	StateReceived     State = "received"
	StateDeduplicated State = "deduplicated"
	StateAdmitted     State = "admitted"
	StateRejected     State = "rejected"
	StateCompleting   State = "completing"
	StateMetered      State = "metered"
	StateComposed     State = "composed"
	StateDelivering   State = "delivering"
	StateAcknowledged State = "acknowledged"
)

// Outcome summarises a finished run for the acknowledgment.
type Outcome string

const (
	OutcomeReplied         Outcome = "replied"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeRejected        Outcome = "rejected"
	OutcomeCompletionError Outcome = "completion_error"
	OutcomeDeliveryError   Outcome = "delivery_error"
)

// Ack is what the run reports back to the inbound transport. It is always
// produced, whatever happened inside.
type Ack struct {
	Outcome Outcome
	Reason  ledger.RejectionReason
}

// Guard is the idempotency guard contract.
type Guard interface {
	Admit(ctx context.Context, messageID string) (bool, error)
}

// Ledger is the usage ledger contract.
type Ledger interface {
	AccountByAddress(ctx context.Context, address string) (*models.Account, error)
	CheckAndReserve(ctx context.Context, accountID string, estimate float64) (*ledger.Admission, error)
	Commit(ctx context.Context, logger *slog.Logger, reservationID string, usage ledger.Usage) error
	Release(ctx context.Context, reservationID string) error
}

// Completer is the completion client contract.
type Completer interface {
	Complete(ctx context.Context, logger *slog.Logger, userContent string) (*completion.Result, error)
}

// Deliverer is the delivery client contract.
type Deliverer interface {
	Deliver(ctx context.Context, logger *slog.Logger, out *models.OutboundMessage) (*models.DeliveryAttempt, error)
}

// Config holds orchestrator settings.
type Config struct {
	// FromAddress is the service mailbox replies are sent from.
	FromAddress string
	// EstimatedCost is the admission-time estimate for one completion call.
	// Actual cost is only known after the call returns; the ledger bounds the
	// overshoot to one in-flight request's delta.
	EstimatedCost float64
	// Thresholds are the soft per-stage and total duration budgets.
	Thresholds perf.Thresholds
}

// Orchestrator runs the reply pipeline. All collaborators are injected; it
// holds no global state, so concurrent runs only contend inside the guard and
// ledger on their own keys.
type Orchestrator struct {
	guard     Guard
	ledger    Ledger
	completer Completer
	deliverer Deliverer
	logger    *slog.Logger
	cfg       Config
}

// New creates an orchestrator.
func New(guard Guard, ldg Ledger, completer Completer, deliverer Deliverer, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		guard:     guard,
		ledger:    ldg,
		completer: completer,
		deliverer: deliverer,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run processes one inbound message end to end and always returns an Ack.
func (o *Orchestrator) Run(ctx context.Context, inbound *models.InboundMessage) Ack {
	// Correlation scope: every log line for this run carries the message id.
	logger := o.logger.With("message_id", inbound.MessageID)
	tracker := perf.NewTracker(logger, o.cfg.Thresholds)

	logger.Info("pipeline run started", "sender", inbound.SenderAddress)

	run := &runState{logger: logger, state: StateReceived}
	ack := o.process(ctx, logger, tracker, run, inbound)
	run.advance(StateAcknowledged)

	tracker.Finish(string(ack.Outcome))
	return ack
}

// runState tracks the strictly forward-progressing stage of one run.
type runState struct {
	logger *slog.Logger
	state  State
}

func (r *runState) advance(next State) {
	r.logger.Debug("pipeline state transition", "from", string(r.state), "to", string(next))
	r.state = next
}

func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, tracker *perf.Tracker, run *runState, inbound *models.InboundMessage) Ack {
	// Tier 1: validation. Rejected before any external call, no quota spent.
	if err := inbound.Validate(); err != nil {
		logger.Info("rejecting malformed inbound message", "error", err)
		return Ack{Outcome: OutcomeInvalid}
	}

	// Idempotency guard. Fails open: if Redis is unreachable we process
	// anyway, preferring a rare duplicate over silently dropped mail.
	stopDedup := tracker.Stage("dedup")
	fresh, err := o.guard.Admit(ctx, inbound.MessageID)
	stopDedup()
	if err != nil {
		logger.Warn("idempotency check failed, proceeding", "error", err)
	} else if !fresh {
		logger.Info("duplicate delivery suppressed")
		return Ack{Outcome: OutcomeDuplicate}
	}
	run.advance(StateDeduplicated)

	// Admission control.
	stopAdmission := tracker.Stage("admission")
	account, admission, err := o.admit(ctx, inbound)
	stopAdmission()
	if err != nil {
		logger.Error("admission check failed", "error", err)
		o.sendFallback(ctx, logger, tracker, inbound, fallbackInternalError)
		return Ack{Outcome: OutcomeCompletionError}
	}
	if !admission.Admitted {
		run.advance(StateRejected)
		// Quota rejection is expected user behaviour, not a system fault.
		logger.Info("admission rejected", "reason", admission.Reason)
		o.sendFallback(ctx, logger, tracker, inbound, fallbackForRejection(admission.Reason))
		return Ack{Outcome: OutcomeRejected, Reason: admission.Reason}
	}
	run.advance(StateAdmitted)
	logger = logger.With("account_id", account.AccountID)

	// Completion, metered against the reservation.
	run.advance(StateCompleting)
	stopCompletion := tracker.Stage("completion")
	result, err := o.completer.Complete(ctx, logger, buildUserContent(inbound))
	stopCompletion()
	if err != nil {
		o.releaseQuietly(ctx, logger, admission.ReservationID)
		logCompletionFailure(ctx, logger, err)
		o.sendFallback(ctx, logger, tracker, inbound, fallbackInternalError)
		return Ack{Outcome: OutcomeCompletionError}
	}

	stopCommit := tracker.Stage("commit")
	err = o.ledger.Commit(ctx, logger, admission.ReservationID, ledger.Usage{
		RelatedMessageID: inbound.MessageID,
		InputTokens:      result.InputTokens,
		OutputTokens:     result.OutputTokens,
		CostComputed:     result.CostComputed,
	})
	stopCommit()
	if err != nil {
		// The completion already happened; withholding the reply would charge
		// the user nothing and give them nothing. Deliver, and reconcile the
		// ledger from the logs.
		logger.Error("usage commit failed, delivering anyway", "error", err)
	}
	run.advance(StateMetered)

	// Compose the threaded reply.
	out := thread.Compose(inbound, o.cfg.FromAddress, result.Content)
	run.advance(StateComposed)

	// Delivery. Terminal either way: a failed delivery never re-enters the
	// pipeline, and no fallback is attempted through the same broken channel.
	run.advance(StateDelivering)
	stopDelivery := tracker.Stage("delivery")
	attempt, err := o.deliverer.Deliver(ctx, logger, out)
	stopDelivery()
	if err != nil {
		logDeliveryFailure(ctx, logger, err, attempt)
		return Ack{Outcome: OutcomeDeliveryError}
	}

	logger.Info("reply delivered",
		"outbound_message_id", attempt.OutboundMessageID,
		"attempts", attempt.AttemptNumber,
		"latency_ms", attempt.Latency.Milliseconds(),
	)
	return Ack{Outcome: OutcomeReplied}
}

// admit resolves the sender's account and reserves the estimated cost.
func (o *Orchestrator) admit(ctx context.Context, inbound *models.InboundMessage) (*models.Account, *ledger.Admission, error) {
	account, err := o.ledger.AccountByAddress(ctx, inbound.SenderAddress)
	if err != nil {
		return nil, nil, err
	}
	if account == nil {
		return nil, &ledger.Admission{Admitted: false, Reason: ledger.ReasonUnknownAccount}, nil
	}

	admission, err := o.ledger.CheckAndReserve(ctx, account.AccountID, o.cfg.EstimatedCost)
	if err != nil {
		return nil, nil, err
	}
	return account, admission, nil
}

func (o *Orchestrator) releaseQuietly(ctx context.Context, logger *slog.Logger, reservationID string) {
	if err := o.ledger.Release(ctx, reservationID); err != nil {
		logger.Error("failed to release reservation", "reservation_id", reservationID, "error", err)
	}
}

// sendFallback delivers a best-effort user-safe notice. A failure here is
// logged but never blocks acknowledgment: the transport must not redeliver
// just because the apology bounced.
func (o *Orchestrator) sendFallback(ctx context.Context, logger *slog.Logger, tracker *perf.Tracker, inbound *models.InboundMessage, body string) {
	out := thread.Compose(inbound, o.cfg.FromAddress, body)

	stop := tracker.Stage("fallback")
	_, err := o.deliverer.Deliver(ctx, logger, out)
	stop()
	if err != nil {
		logger.Error("fallback reply failed", "error", err)
		return
	}
	logger.Info("fallback reply delivered")
}

func logCompletionFailure(ctx context.Context, logger *slog.Logger, err error) {
	if errors.Is(err, completion.ErrAuth) {
		logger.Log(ctx, LevelCritical, "completion auth failed — deployment misconfigured", "error", err)
		return
	}
	logger.Error("completion failed", "error", err)
}

func logDeliveryFailure(ctx context.Context, logger *slog.Logger, err error, attempt *models.DeliveryAttempt) {
	attrs := []any{"error", err}
	if attempt != nil {
		attrs = append(attrs, "attempts", attempt.AttemptNumber, "outcome", attempt.Outcome)
	}
	if errors.Is(err, delivery.ErrAuth) {
		logger.Log(ctx, LevelCritical, "delivery auth failed — deployment misconfigured", attrs...)
		return
	}
	logger.Error("delivery failed", attrs...)
}

// buildUserContent is the prompt boundary: the completion service is a black
// box that receives the subject and body verbatim.
func buildUserContent(inbound *models.InboundMessage) string {
	if inbound.Subject == "" {
		return inbound.BodyText
	}
	return "Subject: " + inbound.Subject + "\n\n" + inbound.BodyText
}
