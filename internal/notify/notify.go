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

// Package notify delivers operator alerts by email and chat webhook.
//
// Alert delivery is best-effort: a receiver failure is logged and never
// propagated to the job that raised the alert.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Type classifies what went wrong.
type Type string

const (
	TypeEmailFailed   Type = "email_failed"
	TypeChatFailed    Type = "chat_failed"
	TypeVirusDetected Type = "virus_detected"
	TypeSystemError   Type = "system_error"
)

// Alert is one operator notification.
type Alert struct {
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Receiver is one alert channel.
type Receiver interface {
	Name() string
	Send(ctx context.Context, a *Alert) error
}

// Notifier fans alerts out to every configured receiver.
type Notifier struct {
	receivers []Receiver
	now       func() time.Time
}

// New creates a Notifier. Nil receivers are skipped.
func New(receivers ...Receiver) *Notifier {
	n := &Notifier{now: time.Now}
	for _, r := range receivers {
		if r != nil {
			n.receivers = append(n.receivers, r)
		}
	}
	return n
}

// Send logs the alert and delivers it to each receiver.
func (n *Notifier) Send(ctx context.Context, a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = n.now()
	}

	slog.Warn("sending alert",
		"type", a.Type,
		"severity", a.Severity,
		"title", a.Title,
	)

	if len(n.receivers) == 0 {
		slog.Warn("no alert channels configured, set ALERT_EMAIL or ALERT_WEBHOOK_URL")
		return
	}

	for _, r := range n.receivers {
		if err := r.Send(ctx, &a); err != nil {
			slog.Error("alert delivery failed",
				"receiver", r.Name(),
				"type", a.Type,
				"error", err,
			)
		}
	}
}

// VirusDetected raises the critical alert for a malicious attachment.
func (n *Notifier) VirusDetected(ctx context.Context, filename, source string, details map[string]any) {
	d := map[string]any{"filename": filename, "source": source}
	for k, v := range details {
		d[k] = v
	}
	n.Send(ctx, Alert{
		Type:     TypeVirusDetected,
		Severity: SeverityCritical,
		Title:    "Virus Detected in Attachment",
		Message:  "Malicious file detected: " + filename + " (from " + source + ")",
		Details:  d,
	})
}
