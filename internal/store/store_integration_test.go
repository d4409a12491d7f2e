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

//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/testutil"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	alias *models.ChannelAlias
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	pool := testutil.StartPostgres(s.T())
	st, err := NewStore(context.Background(), pool)
	s.Require().NoError(err)
	s.store = st
}

func (s *StoreSuite) SetupTest() {
	ctx := context.Background()
	ws, err := s.store.UpsertWorkspace(ctx, models.Workspace{
		TeamID:      "T-" + time.Now().Format("150405.000000000"),
		TeamName:    "Acme",
		AccessToken: "xoxb-test",
	})
	s.Require().NoError(err)

	alias, err := s.store.CreateAlias(ctx, models.ChannelAlias{
		WorkspaceID:     ws.ID,
		ChatChannelID:   "C-" + ws.ID[:8],
		ChatChannelName: "support",
		EmailAddress:    "Support-" + ws.ID[:8] + "@Bridge.Example",
		Recipients:      []string{"Alice@Example.com"},
	})
	s.Require().NoError(err)
	s.alias = alias
}

func (s *StoreSuite) TestAliasLookups() {
	ctx := context.Background()
	t := s.T()

	byEmail, err := s.store.AliasByEmail(ctx, s.alias.EmailAddress)
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, s.alias.ID, byEmail.ID)
	assert.Equal(t, []string{"alice@example.com"}, byEmail.Recipients)

	byChannel, err := s.store.AliasByChannel(ctx, s.alias.WorkspaceID, s.alias.ChatChannelID)
	require.NoError(t, err)
	require.NotNil(t, byChannel)

	require.NoError(t, s.store.SetAliasStatus(ctx, s.alias.ID, models.AliasPaused))
	paused, err := s.store.AliasByEmail(ctx, s.alias.EmailAddress)
	require.NoError(t, err)
	assert.Nil(t, paused, "paused alias must not route")

	listed, err := s.store.AliasesByWorkspace(ctx, s.alias.WorkspaceID)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

// TestConcurrentCreateYieldsOneRow runs many concurrent inserts for the
// same thread key and expects exactly one winner.
func (s *StoreSuite) TestConcurrentCreateYieldsOneRow() {
	ctx := context.Background()
	t := s.T()

	const n = 8
	var wg sync.WaitGroup
	created := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, ok, err := s.store.InsertConversationIfAbsent(ctx, &models.ConversationMap{
				AliasID:         s.alias.ID,
				ChatChannelID:   s.alias.ChatChannelID,
				EmailThreadID:   "root@mail.example.com",
				EmailMessageIDs: []string{"root@mail.example.com"},
			})
			assert.NoError(t, err)
			if ok {
				created <- conv.ID
			}
		}()
	}
	wg.Wait()
	close(created)

	var winners []string
	for id := range created {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1)

	found, err := s.store.FindConversationByEmailThread(ctx, s.alias.ID, "root@mail.example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, winners[0], found.ID)
}

func (s *StoreSuite) TestWriteBackFirstWriterWins() {
	ctx := context.Background()
	t := s.T()

	conv, ok, err := s.store.InsertConversationIfAbsent(ctx, &models.ConversationMap{
		AliasID:       s.alias.ID,
		ChatChannelID: s.alias.ChatChannelID,
		EmailThreadID: "wb@mail.example.com",
	})
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := s.store.SetChatThreadTS(ctx, conv.ID, "111.000")
	require.NoError(t, err)
	assert.Equal(t, "111.000", stored)

	stored, err = s.store.SetChatThreadTS(ctx, conv.ID, "222.000")
	require.NoError(t, err)
	assert.Equal(t, "111.000", stored, "second write-back must not overwrite")

	stored, err = s.store.SetEmailThreadID(ctx, conv.ID, "other@mail.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wb@mail.example.com", stored)

	byChat, err := s.store.FindConversationByChatThread(ctx, s.alias.ID, "111.000")
	require.NoError(t, err)
	require.NotNil(t, byChat)
	assert.Equal(t, conv.ID, byChat.ID)
}

func (s *StoreSuite) TestHistoryAndParticipantsAreMonotonic() {
	ctx := context.Background()
	t := s.T()

	conv, _, err := s.store.InsertConversationIfAbsent(ctx, &models.ConversationMap{
		AliasID:         s.alias.ID,
		ChatChannelID:   s.alias.ChatChannelID,
		ChatThreadTS:    "333.000",
		EmailMessageIDs: []string{},
		Participants:    []string{"alice@example.com"},
	})
	require.NoError(t, err)

	conv, err = s.store.AppendEmailMessageID(ctx, conv.ID, "out1@bridge.example", []string{"bob@example.com"})
	require.NoError(t, err)
	conv, err = s.store.AppendEmailMessageID(ctx, conv.ID, "out1@bridge.example", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"out1@bridge.example"}, conv.EmailMessageIDs)

	conv, err = s.store.MergeParticipants(ctx, conv.ID, []string{"alice@example.com", "carol@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, conv.Participants)

	// A reply to the outbound message finds the conversation via history.
	found, err := s.store.FindConversationByEmailThread(ctx, s.alias.ID, "out1@bridge.example")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, conv.ID, found.ID)
}

func (s *StoreSuite) TestMessageLogLifecycle() {
	ctx := context.Background()
	t := s.T()
	key := "email:lifecycle-" + s.alias.ID

	failed := &models.MessageLog{
		Direction:    models.DirectionEmailToChat,
		Status:       models.StatusFailed,
		NaturalKey:   key,
		AliasID:      s.alias.ID,
		ErrorMessage: "channel_not_found",
		Attempts:     1,
	}
	require.NoError(t, s.store.RecordMessageLog(ctx, failed))

	n, err := s.store.MarkFailed(ctx, models.DirectionEmailToChat, key, "Permanently failed after 1 attempts: channel_not_found", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "already FAILED")

	ok, err := s.store.ResetForRetry(ctx, failed.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.store.ResetForRetry(ctx, failed.ID)
	require.NoError(t, err)
	assert.False(t, ok, "only FAILED rows can be reset")

	// The retry could not be enqueued.
	n, err = s.store.MarkFailed(ctx, models.DirectionEmailToChat, key, "Retry enqueue failed: redis down", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ok, err = s.store.ResetForRetry(ctx, failed.ID)
	require.NoError(t, err)
	require.True(t, ok)

	delivered := &models.MessageLog{
		Direction:     models.DirectionEmailToChat,
		Status:        models.StatusDelivered,
		NaturalKey:    key,
		ChatMessageTS: "444.000",
	}
	require.NoError(t, s.store.RecordMessageLog(ctx, delivered))
	assert.Equal(t, failed.ID, delivered.ID, "retry outcome updates the row in place")

	got, err := s.store.MessageLogByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.Equal(t, s.alias.ID, got.AliasID)
	assert.Empty(t, got.ErrorMessage)

	logs, total, err := s.store.ListMessageLogs(ctx, MessageFilter{
		Status:  models.StatusDelivered,
		AliasID: s.alias.ID,
		Limit:   10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, logs, 1)

	counts, err := s.store.CountMessageLogs(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, counts)
}

func (s *StoreSuite) TestMessageLogKeepsFailedHistory() {
	ctx := context.Background()
	t := s.T()
	key := "email:history-" + s.alias.ID

	failed := &models.MessageLog{
		Direction:    models.DirectionEmailToChat,
		Status:       models.StatusFailed,
		NaturalKey:   key,
		AliasID:      s.alias.ID,
		ErrorMessage: "channel_not_found",
		Attempts:     5,
	}
	require.NoError(t, s.store.RecordMessageLog(ctx, failed))

	// A fresh delivery of the same key, not an administrative retry.
	delivered := &models.MessageLog{
		Direction:     models.DirectionEmailToChat,
		Status:        models.StatusDelivered,
		NaturalKey:    key,
		AliasID:       s.alias.ID,
		ChatMessageTS: "555.000",
	}
	require.NoError(t, s.store.RecordMessageLog(ctx, delivered))
	assert.NotEqual(t, failed.ID, delivered.ID, "FAILED rows are not overwritten")

	got, err := s.store.MessageLogByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "channel_not_found", got.ErrorMessage)

	logs, total, err := s.store.ListMessageLogs(ctx, MessageFilter{AliasID: s.alias.ID, Limit: 50})
	require.NoError(t, err)
	var forKey int
	for _, l := range logs {
		if l.NaturalKey == key {
			forKey++
		}
	}
	assert.Equal(t, 2, forKey, "of %d rows", total)
}

func (s *StoreSuite) TestAuditAndFiles() {
	ctx := context.Background()
	t := s.T()

	require.NoError(t, s.store.InsertAudit(ctx, models.AuditMessageFailedPermanently, map[string]any{"attempts": 5}))
	entries, err := s.store.AuditByAction(ctx, models.AuditMessageFailedPermanently, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.EqualValues(t, 5, entries[0].Metadata["attempts"])

	f := &models.FileObject{Filename: "a.pdf", MimeType: "application/pdf", Size: 10, ScanStatus: models.ScanClean}
	require.NoError(t, s.store.InsertFileObject(ctx, f))
	assert.NotEmpty(t, f.ID)
	assert.False(t, f.CreatedAt.IsZero())
}
