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

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatbridge/worker/internal/attachment"
	"github.com/chatbridge/worker/internal/blobstore"
	"github.com/chatbridge/worker/internal/dedup"
	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/format"
	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/queue"
	"github.com/chatbridge/worker/internal/resolver"
	"github.com/chatbridge/worker/internal/slack"
)

const noSubject = "(no subject)"

// EmailToChat posts inbound email into the aliased chat channel.
type EmailToChat struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func NewEmailToChat(deps Deps, opts Options) *EmailToChat {
	return &EmailToChat{deps: deps, opts: opts, now: time.Now}
}

// Process delivers one email job.
func (p *EmailToChat) Process(ctx context.Context, d *queue.Delivery) error {
	email, ok := d.Payload.(*models.EmailInbound)
	if !ok {
		return errs.Validation("payload", "email-in job carries %T", d.Payload)
	}
	log := queue.Logger(ctx).With("message_id", email.MessageID)
	log.Info("processing email to chat",
		"from", email.From.Address,
		"recipients", email.Recipients(),
	)

	key := dedup.KeyFor(email.NaturalKey())
	seen, err := p.deps.Ledger.Seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		return &errs.IdempotencyError{Key: key}
	}

	alias, err := p.findAlias(ctx, email)
	if err != nil {
		return err
	}
	ws, err := p.deps.Store.WorkspaceByID(ctx, alias.WorkspaceID)
	if err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}
	if ws == nil {
		return errs.NotFound("workspace", alias.WorkspaceID)
	}
	log = log.With("alias_id", alias.ID, "channel", alias.ChatChannelID)

	res, err := p.deps.Resolver.ResolveEmail(ctx, resolver.EmailRequest{
		Alias:        alias,
		MessageID:    email.MessageID,
		InReplyTo:    email.InReplyTo,
		References:   email.References,
		Participants: append([]string{email.From.Address}, email.Recipients()...),
	})
	if err != nil {
		return err
	}
	if res.Pending {
		log.Info("conversation originator has not posted yet", "conversation_id", res.Conversation.ID)
		return p.deps.Resolver.PendingError(res)
	}
	log.Info("resolved conversation",
		"conversation_id", res.Conversation.ID,
		"thread_ts", res.ThreadTS,
		"new_thread", res.ThreadTS == "",
	)

	uploads, notes, err := p.gateAttachments(ctx, email)
	if err != nil {
		return err
	}

	from := email.From.Name
	if from == "" {
		from = email.From.Address
	}
	subject := strings.TrimSpace(email.Subject)
	if subject == "" {
		subject = noSubject
	}
	body := format.EmailToMrkdwn(email.Text, email.HTML)

	ts, err := p.deps.Chat.PostMessage(ctx, ws.AccessToken, slack.PostMessage{
		Channel:  alias.ChatChannelID,
		Text:     slack.EmailFallbackText(from, subject),
		Blocks:   slack.EmailBlocks(from, subject, body, notes...),
		ThreadTS: res.ThreadTS,
		Files:    uploads,
	})
	if err != nil {
		return fmt.Errorf("post email to chat: %w", err)
	}
	log.Info("posted email to chat", "chat_ts", ts, "files", len(uploads))

	// From here on the message is delivered. Bookkeeping failures are
	// logged, not retried, so a retry cannot post it twice.
	if res.ThreadTS == "" {
		if _, err := p.deps.Resolver.RecordChatThread(ctx, res.Conversation, ts); err != nil {
			log.Error("failed to record chat thread", "conversation_id", res.Conversation.ID, "error", err)
		}
	}

	err = p.deps.Store.RecordMessageLog(ctx, &models.MessageLog{
		Direction:      models.DirectionEmailToChat,
		Status:         models.StatusDelivered,
		NaturalKey:     email.NaturalKey(),
		AliasID:        alias.ID,
		WorkspaceID:    ws.ID,
		ConversationID: res.Conversation.ID,
		EmailMessageID: models.NormalizeMessageID(email.MessageID),
		ChatMessageTS:  ts,
		Attempts:       d.Attempt,
		Metadata: map[string]any{
			"from":     email.From.Address,
			"subject":  email.Subject,
			"trace_id": d.TraceID,
		},
	})
	if err != nil {
		log.Error("failed to record message log", "error", err)
	}

	err = p.deps.Ledger.Mark(ctx, key, outcome{
		ConversationID: res.Conversation.ID,
		ChatTS:         ts,
		ProcessedAt:    p.now().UTC(),
	}, p.opts.LedgerTTL)
	if err != nil {
		log.Warn("failed to mark email delivered", "error", err)
	}
	return nil
}

// findAlias returns the first active alias among the To and then Cc
// addresses.
func (p *EmailToChat) findAlias(ctx context.Context, email *models.EmailInbound) (*models.ChannelAlias, error) {
	recipients := email.Recipients()
	for _, addr := range recipients {
		alias, err := p.deps.Store.AliasByEmail(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("look up alias %s: %w", addr, err)
		}
		if alias != nil {
			return alias, nil
		}
	}
	return nil, errs.NotFound("channel alias", strings.Join(recipients, ","))
}

// gateAttachments runs every regular attachment through the safety gate.
// Allowed files become uploads; withheld ones become notes for the post.
// Inline parts (embedded images) are skipped.
func (p *EmailToChat) gateAttachments(ctx context.Context, email *models.EmailInbound) ([]slack.Upload, []string, error) {
	var uploads []slack.Upload
	var notes []string

	for _, att := range email.Attachments {
		if att.Inline || att.ContentID != "" {
			continue
		}

		f := attachment.File{
			Name:       att.Filename,
			MimeType:   att.ContentType,
			Size:       att.Size,
			Source:     "email",
			StorageURL: att.StoragePath,
		}
		if p.deps.Gate.WithinLimit(att.Size) {
			content, err := p.attachmentContent(att)
			if errors.Is(err, blobstore.ErrNotFound) {
				queue.Logger(ctx).Warn("attachment blob missing", "filename", att.Filename, "path", att.StoragePath)
				notes = append(notes, withheldNote(att.Filename, "the file is no longer available"))
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			f.Content = content
		}

		v, err := p.deps.Gate.Evaluate(ctx, f)
		if err != nil {
			return nil, nil, fmt.Errorf("evaluate attachment %q: %w", att.Filename, err)
		}
		if !v.Allowed {
			queue.Logger(ctx).Warn("attachment withheld",
				"filename", att.Filename,
				"scan_status", v.Status,
				"reason", v.Reason,
			)
			notes = append(notes, withheldNote(att.Filename, v.Reason))
			continue
		}
		uploads = append(uploads, slack.Upload{Filename: att.Filename, Title: att.Filename, Content: f.Content})
	}
	return uploads, notes, nil
}

func (p *EmailToChat) attachmentContent(att models.EmailAttachment) ([]byte, error) {
	if len(att.Content) > 0 || att.StoragePath == "" {
		return att.Content, nil
	}
	if p.deps.Blobs == nil {
		return nil, fmt.Errorf("attachment %q spilled but no blob store configured", att.Filename)
	}
	content, err := blobstore.ReadAll(p.deps.Blobs, att.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("read attachment %q: %w", att.Filename, err)
	}
	return content, nil
}

// Exhausted records the permanent failure of an email job.
func (p *EmailToChat) Exhausted(ctx context.Context, d *queue.Delivery, cause error) error {
	summary := map[string]any{}
	if email, ok := d.Payload.(*models.EmailInbound); ok {
		summary["from"] = email.From.Address
		summary["subject"] = email.Subject
		summary["message_id"] = email.MessageID
	}
	return exhausted(ctx, p.deps, d, cause, summary)
}

func withheldNote(filename, reason string) string {
	return ":warning: Attachment *" + format.EscapeMrkdwn(filename) + "* was withheld: " + format.EscapeMrkdwn(reason)
}
