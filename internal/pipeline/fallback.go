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

package pipeline

import "github.com/mailmind/pipeline/internal/ledger"

// Fallback bodies are user-safe: they describe the situation without leaking
// error internals, stack traces, or provider names.
const (
	fallbackInternalError = "Sorry — something went wrong while generating your reply. " +
		"Your message was received but we couldn't answer it this time. " +
		"Please try again in a few minutes; you have not been charged for this request."

	fallbackQuotaExceeded = "You've reached your usage limit for this billing period, " +
		"so this message wasn't processed. Your limit resets at the start of the next " +
		"period, or you can upgrade your plan for more capacity."

	fallbackPastDue = "Your subscription payment is past due, so new messages are " +
		"currently paused. Once the payment method on file is updated, replies will " +
		"resume automatically."

	fallbackCanceled = "Your subscription has been canceled, so this message wasn't " +
		"processed. You can reactivate your subscription at any time to keep using " +
		"the service."

	fallbackUnknownAccount = "We couldn't find an account for this email address. " +
		"If you recently signed up, make sure you're writing from the address you " +
		"registered with."
)

// fallbackForRejection picks the user-facing notice for an admission
// rejection. Past-due accounts get a billing message, not "quota exceeded".
func fallbackForRejection(reason ledger.RejectionReason) string {
	switch reason {
	case ledger.ReasonPastDue:
		return fallbackPastDue
	case ledger.ReasonCanceled:
		return fallbackCanceled
	case ledger.ReasonUnknownAccount:
		return fallbackUnknownAccount
	default:
		return fallbackQuotaExceeded
	}
}
