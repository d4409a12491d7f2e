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

// Package deadletter records jobs that exhausted their retries or failed
// fatally: an audit entry, one critical alert, and the message log flipped
// to FAILED.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/notify"
)

// Store is the persistence the handler writes to.
type Store interface {
	InsertAudit(ctx context.Context, action string, metadata map[string]any) error
	MarkFailed(ctx context.Context, direction models.Direction, naturalKey, reason string, attempts int) (int64, error)
}

// Alerter delivers operator alerts.
type Alerter interface {
	Send(ctx context.Context, a notify.Alert)
}

// Failure describes one dead-lettered unit of work.
type Failure struct {
	JobID      string
	Lane       models.Lane
	NaturalKey string
	Attempts   int
	Reason     string
	// Summary carries payload fields worth showing an operator, such as
	// sender and subject.
	Summary map[string]any
}

// Handler performs the dead-letter side effects.
type Handler struct {
	store  Store
	alerts Alerter
}

// New creates a Handler.
func New(store Store, alerts Alerter) *Handler {
	return &Handler{store: store, alerts: alerts}
}

// Handle records f. The alert is always attempted; audit and log errors
// are returned joined.
func (h *Handler) Handle(ctx context.Context, f Failure) error {
	direction := f.Lane.Direction()
	reason := fmt.Sprintf("Permanently failed after %d attempts: %s", f.Attempts, f.Reason)

	slog.Error("job moved to dead letter",
		"job_id", f.JobID,
		"lane", f.Lane,
		"natural_key", f.NaturalKey,
		"attempts", f.Attempts,
		"reason", f.Reason,
	)

	meta := map[string]any{
		"job_id":        f.JobID,
		"lane":          string(f.Lane),
		"direction":     string(direction),
		"natural_key":   f.NaturalKey,
		"attempts":      f.Attempts,
		"failed_reason": f.Reason,
	}
	for k, v := range f.Summary {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}

	var errList []error
	if err := h.store.InsertAudit(ctx, models.AuditMessageFailedPermanently, meta); err != nil {
		errList = append(errList, fmt.Errorf("insert audit entry: %w", err))
	}

	h.alerts.Send(ctx, alertFor(direction, f, meta))

	n, err := h.store.MarkFailed(ctx, direction, f.NaturalKey, reason, f.Attempts)
	if err != nil {
		errList = append(errList, fmt.Errorf("mark message log failed: %w", err))
	} else if n == 0 {
		slog.Debug("no pending message log row to mark failed", "natural_key", f.NaturalKey, "direction", direction)
	}
	return errors.Join(errList...)
}

func alertFor(direction models.Direction, f Failure, details map[string]any) notify.Alert {
	a := notify.Alert{Severity: notify.SeverityCritical, Details: details}
	switch direction {
	case models.DirectionEmailToChat:
		a.Type = notify.TypeChatFailed
		a.Title = "Email Processing Failed Permanently"
		a.Message = fmt.Sprintf("Email %s failed after %d attempts", f.NaturalKey, f.Attempts)
		if from, ok := f.Summary["from"].(string); ok && from != "" {
			a.Message = fmt.Sprintf("Email from %s failed after %d attempts", from, f.Attempts)
		}
	case models.DirectionChatToEmail:
		a.Type = notify.TypeEmailFailed
		a.Title = "Chat Message Processing Failed Permanently"
		a.Message = fmt.Sprintf("Chat message %s failed after %d attempts", f.NaturalKey, f.Attempts)
		if ch, ok := f.Summary["channel"].(string); ok && ch != "" {
			a.Message = fmt.Sprintf("Chat message in channel %s failed after %d attempts", ch, f.Attempts)
		}
	}
	return a
}
