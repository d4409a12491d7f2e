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

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatbridge/worker/internal/models"
)

const messageLogColumns = `id, direction, status, natural_key, alias_id, workspace_id,
	conversation_id, email_message_id, chat_message_ts, error_message, attempts,
	metadata, created_at, updated_at`

// MessageFilter narrows ListMessageLogs. Zero values match everything.
type MessageFilter struct {
	Direction   models.Direction
	Status      models.MessageStatus
	AliasID     string
	WorkspaceID string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// StatusCount is one row of the delivery statistics.
type StatusCount struct {
	Direction models.Direction
	Status    models.MessageStatus
	Count     int
}

// RecordMessageLog writes the outcome for a unit of work. A row left
// PENDING by an administrative retry of the same direction and natural key
// is updated in place; otherwise a new row is inserted, so earlier FAILED
// rows stay as history.
func (s *Store) RecordMessageLog(ctx context.Context, l *models.MessageLog) error {
	if l.Metadata == nil {
		l.Metadata = map[string]any{}
	}

	var id string
	err := s.pool.QueryRow(ctx, `
		UPDATE message_logs SET
			status           = $3,
			alias_id         = COALESCE(NULLIF($4, ''), alias_id),
			workspace_id     = COALESCE(NULLIF($5, ''), workspace_id),
			conversation_id  = COALESCE(NULLIF($6, ''), conversation_id),
			email_message_id = COALESCE(NULLIF($7, ''), email_message_id),
			chat_message_ts  = COALESCE(NULLIF($8, ''), chat_message_ts),
			error_message    = $9,
			attempts         = $10,
			metadata         = metadata || $11,
			updated_at       = NOW()
		WHERE id = (
			SELECT id FROM message_logs
			WHERE direction = $1 AND natural_key = $2 AND status = 'PENDING'
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING id
	`, string(l.Direction), l.NaturalKey, string(l.Status), l.AliasID, l.WorkspaceID,
		l.ConversationID, l.EmailMessageID, l.ChatMessageTS, l.ErrorMessage, l.Attempts,
		l.Metadata).Scan(&id)
	if err == nil {
		l.ID = id
		return nil
	}
	if !isNoRows(err) {
		return fmt.Errorf("update message log: %w", err)
	}

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO message_logs
			(id, direction, status, natural_key, alias_id, workspace_id, conversation_id,
			 email_message_id, chat_message_ts, error_message, attempts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, l.ID, string(l.Direction), string(l.Status), l.NaturalKey, l.AliasID, l.WorkspaceID,
		l.ConversationID, l.EmailMessageID, l.ChatMessageTS, l.ErrorMessage, l.Attempts, l.Metadata)
	if err != nil {
		return fmt.Errorf("insert message log: %w", err)
	}
	return nil
}

// MarkFailed flips every undelivered log row for a natural key to FAILED.
func (s *Store) MarkFailed(ctx context.Context, direction models.Direction, naturalKey, reason string, attempts int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE message_logs
		SET status = 'FAILED', error_message = $3, attempts = GREATEST(attempts, $4), updated_at = NOW()
		WHERE direction = $1 AND natural_key = $2 AND status = 'PENDING'
	`, string(direction), naturalKey, reason, attempts)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MessageLogByID returns a single log row.
func (s *Store) MessageLogByID(ctx context.Context, id string) (*models.MessageLog, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageLogColumns+` FROM message_logs WHERE id = $1`, id)
	return scanMessageLog(row)
}

// ResetForRetry moves a FAILED row back to PENDING and clears its error.
// It reports false if the row does not exist or is not FAILED.
func (s *Store) ResetForRetry(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE message_logs
		SET status = 'PENDING', error_message = '', updated_at = NOW()
		WHERE id = $1 AND status = 'FAILED'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListMessageLogs returns one page of log rows, newest first, plus the
// total number of matching rows.
func (s *Store) ListMessageLogs(ctx context.Context, f MessageFilter) ([]models.MessageLog, int, error) {
	where, args := f.clauses()

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM message_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count message logs: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM message_logs%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, messageLogColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list message logs: %w", err)
	}
	defer rows.Close()

	var logs []models.MessageLog
	for rows.Next() {
		l, err := scanMessageLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, *l)
	}
	return logs, total, rows.Err()
}

// CountMessageLogs groups log rows created since the given time by
// direction and status.
func (s *Store) CountMessageLogs(ctx context.Context, since time.Time) ([]StatusCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT direction, status, COUNT(*)
		FROM message_logs
		WHERE created_at >= $1
		GROUP BY direction, status
		ORDER BY direction, status
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		var direction, status string
		if err := rows.Scan(&direction, &status, &c.Count); err != nil {
			return nil, err
		}
		c.Direction = models.Direction(direction)
		c.Status = models.MessageStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (f MessageFilter) clauses() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Direction != "" {
		add("direction = $%d", string(f.Direction))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.AliasID != "" {
		add("alias_id = $%d", f.AliasID)
	}
	if f.WorkspaceID != "" {
		add("workspace_id = $%d", f.WorkspaceID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanMessageLog(row pgx.Row) (*models.MessageLog, error) {
	var l models.MessageLog
	var direction, status string
	err := row.Scan(
		&l.ID, &direction, &status, &l.NaturalKey, &l.AliasID, &l.WorkspaceID,
		&l.ConversationID, &l.EmailMessageID, &l.ChatMessageTS, &l.ErrorMessage, &l.Attempts,
		&l.Metadata, &l.CreatedAt, &l.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Direction = models.Direction(direction)
	l.Status = models.MessageStatus(status)
	return &l, nil
}
