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
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/chatbridge/worker/internal/attachment"
	"github.com/chatbridge/worker/internal/dedup"
	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/format"
	"github.com/chatbridge/worker/internal/mailer"
	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/queue"
	"github.com/chatbridge/worker/internal/resolver"
	"github.com/chatbridge/worker/internal/slack"
)

// ChatToEmail sends chat messages in an aliased channel to the
// conversation's email participants.
type ChatToEmail struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func NewChatToEmail(deps Deps, opts Options) *ChatToEmail {
	return &ChatToEmail{deps: deps, opts: opts, now: time.Now}
}

// Process delivers one chat job.
func (p *ChatToEmail) Process(ctx context.Context, d *queue.Delivery) error {
	msg, ok := d.Payload.(*models.ChatInbound)
	if !ok {
		return errs.Validation("payload", "chat-in job carries %T", d.Payload)
	}
	log := queue.Logger(ctx).With("channel", msg.Channel, "ts", msg.TS)
	log.Info("processing chat to email", "team_id", msg.TeamID, "user", msg.User)

	key := dedup.ChatKey(msg.Channel, msg.TS)
	seen, err := p.deps.Ledger.Seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		return &errs.IdempotencyError{Key: key}
	}

	ws, err := p.deps.Store.WorkspaceByTeamID(ctx, msg.TeamID)
	if err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}
	if ws == nil {
		return errs.NotFound("workspace", msg.TeamID)
	}
	alias, err := p.deps.Store.AliasByChannel(ctx, ws.ID, msg.Channel)
	if err != nil {
		return fmt.Errorf("look up alias for channel %s: %w", msg.Channel, err)
	}
	if alias == nil {
		return errs.NotFound("channel alias", msg.Channel)
	}
	log = log.With("alias_id", alias.ID)

	var user *slack.User
	if msg.User != "" {
		user, err = p.deps.Chat.UserInfo(ctx, ws.AccessToken, msg.User)
		if err != nil {
			// The message can still go out under a generic name.
			log.Warn("failed to look up chat user", "error", err)
			user = nil
		}
	}
	senderName := user.DisplayName()
	var senderEmail string
	if user != nil {
		senderEmail = models.NormalizeAddress(user.Email)
	}

	res, err := p.deps.Resolver.ResolveChat(ctx, resolver.ChatRequest{
		Alias:       alias,
		TS:          msg.TS,
		ThreadTS:    msg.ThreadTS,
		SenderEmail: senderEmail,
	})
	if err != nil {
		return err
	}
	if len(res.Recipients) == 0 {
		return errs.Validation("recipients", "no recipients configured for alias %s", alias.EmailAddress)
	}
	log.Info("resolved conversation",
		"conversation_id", res.Conversation.ID,
		"email_thread_id", res.EmailThreadID,
		"recipients", res.Recipients,
	)

	attachments, notes, err := p.gateFiles(ctx, ws.AccessToken, msg.Files)
	if err != nil {
		return err
	}

	text := msg.Text
	for _, n := range notes {
		text += "\n\n" + n
	}
	channelName := alias.ChatChannelName
	if channelName == "" {
		channelName = msg.Channel
	}
	html, err := format.RenderEmailHTML(format.EmailPage{
		ChannelName: channelName,
		SenderName:  senderName,
		ContentHTML: format.MrkdwnToHTML(text),
		Footer:      p.opts.Footer,
	})
	if err != nil {
		return errs.Validation("body", "%v", err)
	}

	subject := "Chat message from " + senderName
	if res.EmailThreadID != "" {
		subject = "Re: Chat conversation in #" + channelName
	}

	from := p.opts.FromAddress
	if from == "" {
		from = alias.EmailAddress
	}

	// The sender gets a copy so replies from their mailbox stay in the
	// thread.
	var cc []string
	if senderEmail != "" && senderEmail != models.NormalizeAddress(alias.EmailAddress) && !slices.Contains(res.Recipients, senderEmail) {
		cc = []string{senderEmail}
	}

	messageID, err := p.deps.Mail.Send(ctx, mailer.Message{
		From:        models.EmailAddress{Address: from, Name: senderName + " via Chat"},
		ReplyTo:     alias.EmailAddress,
		To:          res.Recipients,
		Cc:          cc,
		Subject:     subject,
		HTML:        html,
		Text:        format.MrkdwnToText(text),
		InReplyTo:   res.EmailThreadID,
		References:  res.References,
		Attachments: attachments,
	})
	if err != nil {
		return fmt.Errorf("send chat message as email: %w", err)
	}
	log.Info("sent chat message as email", "email_message_id", messageID, "attachments", len(attachments))

	if err := p.deps.Resolver.RecordEmailSent(ctx, res.Conversation, messageID); err != nil {
		log.Error("failed to record sent email", "conversation_id", res.Conversation.ID, "error", err)
	}

	err = p.deps.Store.RecordMessageLog(ctx, &models.MessageLog{
		Direction:      models.DirectionChatToEmail,
		Status:         models.StatusDelivered,
		NaturalKey:     msg.NaturalKey(),
		AliasID:        alias.ID,
		WorkspaceID:    ws.ID,
		ConversationID: res.Conversation.ID,
		EmailMessageID: messageID,
		ChatMessageTS:  msg.TS,
		Attempts:       d.Attempt,
		Metadata: map[string]any{
			"sender":     senderName,
			"recipients": append(slices.Clone(res.Recipients), cc...),
			"trace_id":   d.TraceID,
		},
	})
	if err != nil {
		log.Error("failed to record message log", "error", err)
	}

	err = p.deps.Ledger.Mark(ctx, key, outcome{
		ConversationID: res.Conversation.ID,
		EmailMessageID: messageID,
		ProcessedAt:    p.now().UTC(),
	}, p.opts.LedgerTTL)
	if err != nil {
		log.Warn("failed to mark chat message delivered", "error", err)
	}
	return nil
}

// gateFiles downloads shared files that fit under the size ceiling and
// runs them through the gate. Oversized files are evaluated on their
// declared size alone so the rejection is still recorded.
func (p *ChatToEmail) gateFiles(ctx context.Context, token string, files []models.ChatFile) ([]mailer.Attachment, []string, error) {
	var out []mailer.Attachment
	var notes []string

	for _, cf := range files {
		f := attachment.File{
			Name:       cf.Name,
			MimeType:   cf.MimeType,
			Size:       cf.Size,
			Source:     "chat",
			StorageURL: cf.URLPrivateDownload,
		}

		if p.deps.Gate.WithinLimit(cf.Size) && cf.URLPrivateDownload != "" {
			content, err := p.deps.Chat.DownloadFile(ctx, token, cf.URLPrivateDownload, p.deps.Gate.MaxSize())
			switch {
			case errs.IsValidation(err):
				// Declared size was wrong; let the gate reject on the real limit.
				f.Size = p.deps.Gate.MaxSize() + 1
			case err != nil:
				return nil, nil, fmt.Errorf("download %q: %w", cf.Name, err)
			default:
				f.Content = content
			}
		}

		v, err := p.deps.Gate.Evaluate(ctx, f)
		if err != nil {
			return nil, nil, fmt.Errorf("evaluate attachment %q: %w", cf.Name, err)
		}
		if !v.Allowed {
			queue.Logger(ctx).Warn("attachment withheld",
				"filename", cf.Name,
				"scan_status", v.Status,
				"reason", v.Reason,
			)
			notes = append(notes, "[Attachment withheld] "+format.EscapeMrkdwn(cf.Name)+": "+format.EscapeMrkdwn(v.Reason))
			continue
		}
		if len(f.Content) == 0 {
			notes = append(notes, "[Attachment unavailable] "+format.EscapeMrkdwn(cf.Name))
			continue
		}

		contentType := cf.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		out = append(out, mailer.Attachment{Filename: cf.Name, ContentType: contentType, Content: f.Content})
	}
	return out, notes, nil
}

// Exhausted records the permanent failure of a chat job.
func (p *ChatToEmail) Exhausted(ctx context.Context, d *queue.Delivery, cause error) error {
	summary := map[string]any{}
	if msg, ok := d.Payload.(*models.ChatInbound); ok {
		summary["channel"] = msg.Channel
		summary["user"] = msg.User
		summary["ts"] = msg.TS
		if msg.Text != "" {
			summary["text_preview"] = truncatePreview(msg.Text)
		}
	}
	return exhausted(ctx, p.deps, d, cause, summary)
}

func truncatePreview(s string) string {
	s = strings.TrimSpace(s)
	return format.Truncate(s, 200)
}
