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

package models

import "time"

// SubscriptionState mirrors the billing collaborator's view of an account.
// The pipeline only ever reads it; transitions are driven by billing webhooks
// outside this service.
type SubscriptionState string

const (
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionPastDue  SubscriptionState = "past_due"
	SubscriptionCanceled SubscriptionState = "canceled"
	SubscriptionFree     SubscriptionState = "free"
)

// Account is a snapshot of one account's quota state. CostUsed is mutated
// exclusively by the usage ledger; it is monotonically non-decreasing within
// a billing period and reset only by the billing collaborator's rollover
// event.
type Account struct {
	AccountID         string
	EmailAddress      string
	Tier              string
	CostLimit         float64
	CostUsed          float64
	CostReserved      float64
	SubscriptionState SubscriptionState
}

// UsageEvent is an append-only record of one successfully metered completion
// call. The sum of CostComputed per account must reconcile with
// Account.CostUsed.
type UsageEvent struct {
	ID               string
	AccountID        string
	RelatedMessageID string
	InputTokens      int
	OutputTokens     int
	CostComputed     float64
	CreatedAt        time.Time
}
