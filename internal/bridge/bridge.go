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

// Package bridge holds the lane processors: email-in jobs are posted to
// chat, chat-in jobs are sent as email. Each processor runs the same
// sequence of idempotency check, route lookup, thread resolution, content
// conversion, attachment gate, delivery and outcome recording.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatbridge/worker/internal/attachment"
	"github.com/chatbridge/worker/internal/blobstore"
	"github.com/chatbridge/worker/internal/deadletter"
	"github.com/chatbridge/worker/internal/mailer"
	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/queue"
	"github.com/chatbridge/worker/internal/resolver"
	"github.com/chatbridge/worker/internal/slack"
)

// Ledger is the idempotency ledger.
type Ledger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, outcome any, ttl time.Duration) error
}

// Store is the configuration and history persistence the processors use.
type Store interface {
	AliasByEmail(ctx context.Context, address string) (*models.ChannelAlias, error)
	AliasByChannel(ctx context.Context, workspaceID, channelID string) (*models.ChannelAlias, error)
	WorkspaceByID(ctx context.Context, id string) (*models.Workspace, error)
	WorkspaceByTeamID(ctx context.Context, teamID string) (*models.Workspace, error)
	RecordMessageLog(ctx context.Context, l *models.MessageLog) error
}

// Resolver maps messages to conversations.
type Resolver interface {
	ResolveEmail(ctx context.Context, req resolver.EmailRequest) (*resolver.EmailResolution, error)
	PendingError(res *resolver.EmailResolution) error
	RecordChatThread(ctx context.Context, conv *models.ConversationMap, ts string) (string, error)
	ResolveChat(ctx context.Context, req resolver.ChatRequest) (*resolver.ChatResolution, error)
	RecordEmailSent(ctx context.Context, conv *models.ConversationMap, messageID string) error
}

// Chat is the chat delivery adapter.
type Chat interface {
	PostMessage(ctx context.Context, token string, msg slack.PostMessage) (string, error)
	UserInfo(ctx context.Context, token, userID string) (*slack.User, error)
	DownloadFile(ctx context.Context, token, fileURL string, maxBytes int64) ([]byte, error)
}

// Mail is the email delivery adapter.
type Mail interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// Gate is the attachment safety gate.
type Gate interface {
	Evaluate(ctx context.Context, f attachment.File) (attachment.Verdict, error)
	WithinLimit(size int64) bool
	MaxSize() int64
}

// DeadLetters records permanently failed jobs.
type DeadLetters interface {
	Handle(ctx context.Context, f deadletter.Failure) error
}

// Deps are the collaborators shared by both processors.
type Deps struct {
	Ledger      Ledger
	Store       Store
	Resolver    Resolver
	Chat        Chat
	Mail        Mail
	Gate        Gate
	Blobs       blobstore.Store
	DeadLetters DeadLetters
}

// Options tune the processors.
type Options struct {
	// FromAddress is the envelope sender for outbound email. When empty
	// the alias address is used.
	FromAddress string
	// Footer replaces the default outbound email footer.
	Footer string
	// LedgerTTL overrides the ledger's default retention.
	LedgerTTL time.Duration
}

// Processors builds the processor for each lane.
func Processors(deps Deps, opts Options) map[models.Lane]queue.Processor {
	return map[models.Lane]queue.Processor{
		models.LaneEmailIn: NewEmailToChat(deps, opts),
		models.LaneChatIn:  NewChatToEmail(deps, opts),
	}
}

// outcome is what the ledger remembers about a delivered message.
type outcome struct {
	ConversationID string    `json:"conversation_id"`
	ChatTS         string    `json:"chat_ts,omitempty"`
	EmailMessageID string    `json:"email_message_id,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// exhausted writes the FAILED log row and hands the job to the dead-letter
// handler. It is shared by both lanes.
func exhausted(ctx context.Context, deps Deps, d *queue.Delivery, cause error, summary map[string]any) error {
	direction := d.Lane.Direction()
	meta := map[string]any{"trace_id": d.TraceID}
	for k, v := range summary {
		meta[k] = v
	}

	var errList []error
	if d.NaturalKey != "" {
		err := deps.Store.RecordMessageLog(ctx, &models.MessageLog{
			Direction:    direction,
			Status:       models.StatusFailed,
			NaturalKey:   d.NaturalKey,
			ErrorMessage: cause.Error(),
			Attempts:     d.Attempt,
			Metadata:     meta,
		})
		if err != nil {
			errList = append(errList, fmt.Errorf("record failed message log: %w", err))
		}
	}

	err := deps.DeadLetters.Handle(ctx, deadletter.Failure{
		JobID:      d.ID,
		Lane:       d.Lane,
		NaturalKey: d.NaturalKey,
		Attempts:   d.Attempt,
		Reason:     cause.Error(),
		Summary:    summary,
	})
	if err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}
