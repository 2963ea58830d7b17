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

// Package models defines the data structures shared across the reply pipeline.
package models

import (
	"fmt"
	"strings"
	"time"
)

// InboundMessage is a fully parsed inbound email, validated at the webhook
// boundary. It is immutable once parsed and is not persisted beyond the
// usage and delivery records it produces.
type InboundMessage struct {
	SenderAddress    string
	RecipientAddress string
	Subject          string
	BodyText         string
	MessageID        string
	InReplyTo        string
	ReferencesChain  []string
	ReceivedAt       time.Time
}

// ValidationError reports a malformed inbound payload. It is rejected at the
// boundary before any external call and consumes no quota.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid inbound message: %s %s", e.Field, e.Reason)
}

// Validate checks the fields the pipeline cannot proceed without.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.SenderAddress) == "" {
		return &ValidationError{Field: "sender", Reason: "is empty"}
	}
	if !strings.Contains(m.SenderAddress, "@") {
		return &ValidationError{Field: "sender", Reason: "is not an email address"}
	}
	if strings.TrimSpace(m.RecipientAddress) == "" {
		return &ValidationError{Field: "recipient", Reason: "is empty"}
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return &ValidationError{Field: "message_id", Reason: "is empty"}
	}
	if strings.TrimSpace(m.BodyText) == "" {
		return &ValidationError{Field: "body", Reason: "is empty"}
	}
	return nil
}

// OutboundMessage is a reply derived deterministically from an InboundMessage
// and a completion result. Immutable once built.
type OutboundMessage struct {
	FromAddress     string
	ToAddress       string
	Subject         string
	BodyText        string
	InReplyTo       string
	ReferencesChain []string
}

// DeliveryOutcome classifies the result of one delivery attempt sequence.
type DeliveryOutcome string

const (
	DeliverySent             DeliveryOutcome = "sent"
	DeliveryRetryableFailure DeliveryOutcome = "retryable_failure"
	DeliveryFatalFailure     DeliveryOutcome = "fatal_failure"
)

// DeliveryAttempt records the terminal result of sending one OutboundMessage.
// AttemptNumber counts the attempt that produced the outcome; the sequence
// ends on the first sent or when the retry budget is exhausted.
type DeliveryAttempt struct {
	OutboundMessageID string
	AttemptNumber     int
	Outcome           DeliveryOutcome
	Latency           time.Duration
}
