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

import (
	"strings"
	"time"

	"github.com/chatbridge/worker/internal/errs"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// String renders the address in RFC 5322 display form.
func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// EmailAttachment represents a file attached to an inbound email.
//
// Content is carried inline only until the job is enqueued; the queue
// spills it to the blob store and replaces it with StoragePath.
type EmailAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ContentID   string `json:"content_id,omitempty"`
	Inline      bool   `json:"inline,omitempty"`
	Content     []byte `json:"content,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

// EmailInbound is a parsed email received by one of our aliases.
type EmailInbound struct {
	MessageID   string            `json:"message_id"`
	From        EmailAddress      `json:"from"`
	To          []EmailAddress    `json:"to"`
	Cc          []EmailAddress    `json:"cc,omitempty"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text,omitempty"`
	HTML        string            `json:"html,omitempty"`
	InReplyTo   string            `json:"in_reply_to,omitempty"`
	References  []string          `json:"references,omitempty"`
	Date        time.Time         `json:"date"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []EmailAttachment `json:"attachments,omitempty"`
}

func (*EmailInbound) Lane() Lane { return LaneEmailIn }

// NaturalKey identifies the email across redeliveries.
func (e *EmailInbound) NaturalKey() string {
	return "email:" + NormalizeMessageID(e.MessageID)
}

// Validate checks the fields every email job needs.
func (e *EmailInbound) Validate() error {
	if NormalizeMessageID(e.MessageID) == "" {
		return errs.Validation("message_id", "required")
	}
	if e.From.Address == "" {
		return errs.Validation("from", "required")
	}
	if len(e.To) == 0 && len(e.Cc) == 0 {
		return errs.Validation("to", "at least one recipient required")
	}
	return nil
}

// Recipients returns every To and Cc address, lower-cased, To first.
func (e *EmailInbound) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	for _, a := range e.To {
		out = append(out, NormalizeAddress(a.Address))
	}
	for _, a := range e.Cc {
		out = append(out, NormalizeAddress(a.Address))
	}
	return out
}

// NormalizeMessageID strips whitespace and the angle brackets around an
// RFC 5322 message id so "<a@b>" and "a@b" compare equal.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// NormalizeAddress lower-cases and trims an email address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
