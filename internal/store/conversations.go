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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatbridge/worker/internal/models"
)

const conversationColumns = `id, alias_id, chat_channel_id, chat_thread_ts, email_thread_id,
	email_message_ids, participants, last_activity_at, created_at`

// mergeParticipants appends the addresses in the given array parameter
// that are not already present, keeping the existing order.
func mergeParticipants(param string) string {
	return `participants || ARRAY(
		SELECT p FROM unnest(` + param + `::text[]) AS p WHERE NOT (p = ANY(participants))
	)`
}

// FindConversationByEmailThread returns the conversation whose email
// thread id is key, or failing that, whose message history contains key.
// Among several history matches the most recently active wins.
func (s *Store) FindConversationByEmailThread(ctx context.Context, aliasID, key string) (*models.ConversationMap, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversation_maps
		WHERE alias_id = $1
		  AND (email_thread_id = $2 OR $2 = ANY(email_message_ids))
		ORDER BY (email_thread_id = $2) DESC NULLS LAST, last_activity_at DESC
		LIMIT 1
	`, aliasID, key)
	return scanConversation(row)
}

// FindConversationByChatThread returns the conversation rooted at a chat
// thread timestamp.
func (s *Store) FindConversationByChatThread(ctx context.Context, aliasID, threadTS string) (*models.ConversationMap, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversation_maps
		WHERE alias_id = $1 AND chat_thread_ts = $2
	`, aliasID, threadTS)
	return scanConversation(row)
}

// InsertConversationIfAbsent inserts c unless a row with the same thread
// key already exists for the alias. created is false when another writer
// got there first; the caller re-reads the winner.
func (s *Store) InsertConversationIfAbsent(ctx context.Context, c *models.ConversationMap) (*models.ConversationMap, bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	messageIDs := c.EmailMessageIDs
	if messageIDs == nil {
		messageIDs = []string{}
	}
	participants := c.Participants
	if participants == nil {
		participants = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversation_maps
			(id, alias_id, chat_channel_id, chat_thread_ts, email_thread_id, email_message_ids, participants)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING `+conversationColumns,
		c.ID, c.AliasID, c.ChatChannelID, c.ChatThreadTS, nullIfEmpty(c.EmailThreadID), messageIDs, participants)

	conv, err := scanConversation(row)
	if err != nil {
		return nil, false, err
	}
	if conv == nil {
		return nil, false, nil
	}
	return conv, true, nil
}

// AppendEmailMessageID adds messageID to the conversation history (once),
// merges participants and bumps last activity.
func (s *Store) AppendEmailMessageID(ctx context.Context, id, messageID string, participants []string) (*models.ConversationMap, error) {
	if participants == nil {
		participants = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversation_maps SET
			email_message_ids = CASE
				WHEN $2::text = ANY(email_message_ids) THEN email_message_ids
				ELSE array_append(email_message_ids, $2::text)
			END,
			participants = `+mergeParticipants("$3")+`,
			last_activity_at = NOW()
		WHERE id = $1
		RETURNING `+conversationColumns,
		id, messageID, participants)
	return scanConversation(row)
}

// MergeParticipants unions addresses into the participant set and bumps
// last activity. Addresses are never removed.
func (s *Store) MergeParticipants(ctx context.Context, id string, addresses []string) (*models.ConversationMap, error) {
	if addresses == nil {
		addresses = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversation_maps SET
			participants = `+mergeParticipants("$2")+`,
			last_activity_at = NOW()
		WHERE id = $1
		RETURNING `+conversationColumns,
		id, addresses)
	return scanConversation(row)
}

// SetChatThreadTS records the chat thread root if none is recorded yet and
// returns the pointer that is stored afterwards. A different return value
// means another writer won.
func (s *Store) SetChatThreadTS(ctx context.Context, id, ts string) (string, error) {
	var stored string
	err := s.pool.QueryRow(ctx, `
		UPDATE conversation_maps
		SET chat_thread_ts = $2, last_activity_at = NOW()
		WHERE id = $1 AND chat_thread_ts = ''
		RETURNING chat_thread_ts
	`, id, ts).Scan(&stored)
	if err == nil {
		return stored, nil
	}
	if !isNoRows(err) {
		return "", err
	}

	err = s.pool.QueryRow(ctx, `SELECT chat_thread_ts FROM conversation_maps WHERE id = $1`, id).Scan(&stored)
	if err != nil {
		return "", err
	}
	return stored, nil
}

// SetEmailThreadID records the email thread id if none is recorded yet and
// returns the id stored afterwards.
func (s *Store) SetEmailThreadID(ctx context.Context, id, threadID string) (string, error) {
	var stored *string
	err := s.pool.QueryRow(ctx, `
		UPDATE conversation_maps
		SET email_thread_id = $2, last_activity_at = NOW()
		WHERE id = $1 AND email_thread_id IS NULL
		RETURNING email_thread_id
	`, id, threadID).Scan(&stored)
	if err == nil {
		return derefString(stored), nil
	}
	if !isNoRows(err) {
		return "", err
	}

	err = s.pool.QueryRow(ctx, `SELECT email_thread_id FROM conversation_maps WHERE id = $1`, id).Scan(&stored)
	if err != nil {
		return "", err
	}
	return derefString(stored), nil
}

func scanConversation(row pgx.Row) (*models.ConversationMap, error) {
	var c models.ConversationMap
	var emailThreadID *string
	err := row.Scan(
		&c.ID, &c.AliasID, &c.ChatChannelID, &c.ChatThreadTS, &emailThreadID,
		&c.EmailMessageIDs, &c.Participants, &c.LastActivityAt, &c.CreatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.EmailThreadID = derefString(emailThreadID)
	return &c, nil
}
