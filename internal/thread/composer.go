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

// Package thread builds reply subjects and RFC 5322 threading headers from an
// inbound message, so downstream mail clients can reconstruct the full
// conversation even when upstream references were malformed.
package thread

import (
	"strings"

	"github.com/mailmind/pipeline/internal/models"
)

const replyPrefix = "Re: "

// Compose derives the reply for an inbound message. The result is
// deterministic: same inbound + body always produces the same outbound.
func Compose(inbound *models.InboundMessage, fromAddress, replyBody string) *models.OutboundMessage {
	out := &models.OutboundMessage{
		FromAddress: fromAddress,
		ToAddress:   inbound.SenderAddress,
		Subject:     ReplySubject(inbound.Subject),
		BodyText:    replyBody,
	}

	if id := NormalizeMessageID(inbound.MessageID); id != "" {
		out.InReplyTo = id
	}
	out.ReferencesChain = buildReferences(inbound.ReferencesChain, inbound.MessageID)

	return out
}

// ReplySubject prefixes the subject with the reply marker unless one is
// already present, case-insensitively, so replies to replies never stack
// "Re: Re:".
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return strings.TrimSpace(replyPrefix)
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return replyPrefix + trimmed
}

// NormalizeMessageID brackets a raw message id into the <id> form required by
// the threading headers. Blank ids normalize to "" and the caller omits the
// header entirely rather than emitting an empty one.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

// buildReferences appends the inbound message id to its references chain,
// normalizing every entry and dropping blanks.
func buildReferences(chain []string, messageID string) []string {
	var refs []string
	for _, ref := range chain {
		if n := NormalizeMessageID(ref); n != "" {
			refs = append(refs, n)
		}
	}
	if n := NormalizeMessageID(messageID); n != "" {
		refs = append(refs, n)
	}
	return refs
}
