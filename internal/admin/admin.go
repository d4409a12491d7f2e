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

// Package admin is the operator-facing core behind the dashboard and the
// replay CLI: message log queries, delivery statistics and retry of
// failed messages.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Store is the persistence the admin core reads and writes.
type Store interface {
	ListMessageLogs(ctx context.Context, f store.MessageFilter) ([]models.MessageLog, int, error)
	CountMessageLogs(ctx context.Context, since time.Time) ([]store.StatusCount, error)
	MessageLogByID(ctx context.Context, id string) (*models.MessageLog, error)
	ResetForRetry(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, direction models.Direction, naturalKey, reason string, attempts int) (int64, error)
	InsertAudit(ctx context.Context, action string, metadata map[string]any) error
}

// Queue re-enqueues retained payloads.
type Queue interface {
	Retained(ctx context.Context, naturalKey string) (models.Payload, error)
	Requeue(ctx context.Context, naturalKey string) (string, error)
}

// Service implements the admin operations.
type Service struct {
	store Store
	queue Queue
	now   func() time.Time
}

func New(s Store, q Queue) *Service {
	return &Service{store: s, queue: q, now: time.Now}
}

// Filter selects message log rows. Page is 1-based.
type Filter struct {
	Direction   models.Direction
	Status      models.MessageStatus
	AliasID     string
	WorkspaceID string
	From        time.Time
	To          time.Time
	Page        int
	Limit       int
}

// Page is one page of message log rows.
type Page struct {
	Messages   []models.MessageLog `json:"messages"`
	Total      int                 `json:"total"`
	Page       int                 `json:"page"`
	Limit      int                 `json:"limit"`
	TotalPages int                 `json:"total_pages"`
}

func (f Filter) validate() error {
	switch f.Direction {
	case "", models.DirectionEmailToChat, models.DirectionChatToEmail:
	default:
		return errs.Validation("direction", "unknown direction %q", f.Direction)
	}
	switch f.Status {
	case "", models.StatusPending, models.StatusDelivered, models.StatusFailed:
	default:
		return errs.Validation("status", "unknown status %q", f.Status)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return errs.Validation("to", "end of range is before its start")
	}
	return nil
}

// ListMessages returns message logs matching f, newest first.
func (s *Service) ListMessages(ctx context.Context, f Filter) (*Page, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}

	logs, total, err := s.store.ListMessageLogs(ctx, store.MessageFilter{
		Direction:   f.Direction,
		Status:      f.Status,
		AliasID:     f.AliasID,
		WorkspaceID: f.WorkspaceID,
		From:        f.From,
		To:          f.To,
		Limit:       f.Limit,
		Offset:      (f.Page - 1) * f.Limit,
	})
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.MessageLog{}
	}

	return &Page{
		Messages:   logs,
		Total:      total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: (total + f.Limit - 1) / f.Limit,
	}, nil
}

// Stats is the delivery count per direction and status.
type Stats struct {
	Since  time.Time                                         `json:"since"`
	Total  int                                               `json:"total"`
	Counts map[models.Direction]map[models.MessageStatus]int `json:"counts"`
}

// Stats counts message logs created since the given time. A zero time
// selects the last 24 hours.
func (s *Service) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	if since.IsZero() {
		since = s.now().Add(-24 * time.Hour)
	}
	rows, err := s.store.CountMessageLogs(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count message logs: %w", err)
	}

	st := &Stats{Since: since, Counts: map[models.Direction]map[models.MessageStatus]int{}}
	for _, d := range []models.Direction{models.DirectionEmailToChat, models.DirectionChatToEmail} {
		st.Counts[d] = map[models.MessageStatus]int{
			models.StatusPending:   0,
			models.StatusDelivered: 0,
			models.StatusFailed:    0,
		}
	}
	for _, r := range rows {
		if st.Counts[r.Direction] == nil {
			st.Counts[r.Direction] = map[models.MessageStatus]int{}
		}
		st.Counts[r.Direction][r.Status] += r.Count
		st.Total += r.Count
	}
	return st, nil
}

// RetryResult reports a successful retry request.
type RetryResult struct {
	MessageLogID string `json:"message_log_id"`
	NaturalKey   string `json:"natural_key"`
	JobID        string `json:"job_id"`
}

// Retry re-enqueues a FAILED message from its retained payload and resets
// the log row to PENDING in place. requestedBy is recorded in the audit
// trail.
func (s *Service) Retry(ctx context.Context, logID, requestedBy string) (*RetryResult, error) {
	row, err := s.store.MessageLogByID(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("load message log: %w", err)
	}
	if row == nil {
		return nil, errs.NotFound("message log", logID)
	}
	if row.Status != models.StatusFailed {
		return nil, errs.Validation("status", "only FAILED messages can be retried, message is %s", row.Status)
	}

	// Check before touching the row so an expired payload leaves it FAILED.
	if _, err := s.queue.Retained(ctx, row.NaturalKey); err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.NotFound("retained payload (expired)", row.NaturalKey)
		}
		return nil, fmt.Errorf("load retained payload: %w", err)
	}

	reset, err := s.store.ResetForRetry(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("reset message log: %w", err)
	}
	if !reset {
		return nil, errs.Validation("status", "message %s is no longer FAILED", row.ID)
	}

	jobID, err := s.queue.Requeue(ctx, row.NaturalKey)
	switch {
	case errs.IsDuplicate(err):
		slog.Info("retry found job already queued", "natural_key", row.NaturalKey, "job_id", jobID)
	case err != nil:
		if _, markErr := s.store.MarkFailed(ctx, row.Direction, row.NaturalKey, "Retry enqueue failed: "+err.Error(), row.Attempts); markErr != nil {
			slog.Error("failed to restore message log after retry error", "message_log_id", row.ID, "error", markErr)
		}
		return nil, fmt.Errorf("requeue %s: %w", row.NaturalKey, err)
	}

	meta := map[string]any{
		"message_log_id": row.ID,
		"natural_key":    row.NaturalKey,
		"direction":      string(row.Direction),
		"job_id":         jobID,
		"previous_error": row.ErrorMessage,
	}
	if requestedBy != "" {
		meta["requested_by"] = requestedBy
	}
	if err := s.store.InsertAudit(ctx, models.AuditMessageRetryRequested, meta); err != nil {
		// The retry is already queued.
		slog.Error("failed to write retry audit entry", "message_log_id", row.ID, "error", err)
	}

	slog.Info("message retry requested",
		"message_log_id", row.ID,
		"natural_key", row.NaturalKey,
		"job_id", jobID,
	)
	return &RetryResult{MessageLogID: row.ID, NaturalKey: row.NaturalKey, JobID: jobID}, nil
}
