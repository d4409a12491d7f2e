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

// Package resolver maps email threads and chat threads onto the single
// conversation row that links them.
//
// Email side: a message joins the conversation named by its In-Reply-To
// (or first References) header. The message that creates the row is the
// thread originator and posts the top-level chat message; everyone else
// waits for its write-back of the chat thread pointer.
//
// Chat side: a message joins the conversation rooted at its thread_ts.
// Recipients are frozen to the participant set as it was before the
// current sender was added.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/models"
)

const (
	// DefaultClaimTimeout is how long a conversation may sit without a chat
	// thread pointer before a non-originator takes over posting.
	DefaultClaimTimeout = 2 * time.Minute

	// DefaultPendingDelay is the retry hint given to messages waiting for
	// the originator's write-back.
	DefaultPendingDelay = 5 * time.Second
)

// Store is the persistence the resolver needs.
type Store interface {
	FindConversationByEmailThread(ctx context.Context, aliasID, key string) (*models.ConversationMap, error)
	FindConversationByChatThread(ctx context.Context, aliasID, threadTS string) (*models.ConversationMap, error)
	InsertConversationIfAbsent(ctx context.Context, c *models.ConversationMap) (*models.ConversationMap, bool, error)
	AppendEmailMessageID(ctx context.Context, id, messageID string, participants []string) (*models.ConversationMap, error)
	MergeParticipants(ctx context.Context, id string, addresses []string) (*models.ConversationMap, error)
	SetChatThreadTS(ctx context.Context, id, ts string) (string, error)
	SetEmailThreadID(ctx context.Context, id, threadID string) (string, error)
}

// Config tunes originator handling. Zero values select the defaults.
type Config struct {
	ClaimTimeout time.Duration
	PendingDelay time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Resolver resolves inbound messages to conversations.
type Resolver struct {
	store        Store
	claimTimeout time.Duration
	pendingDelay time.Duration
	now          func() time.Time
}

// New creates a Resolver.
func New(store Store, cfg Config) *Resolver {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.PendingDelay <= 0 {
		cfg.PendingDelay = DefaultPendingDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		store:        store,
		claimTimeout: cfg.ClaimTimeout,
		pendingDelay: cfg.PendingDelay,
		now:          cfg.Now,
	}
}

// EmailRequest describes an inbound email to place in a conversation.
type EmailRequest struct {
	Alias      *models.ChannelAlias
	MessageID  string
	InReplyTo  string
	References []string
	// Participants are the external addresses on the email (sender, To,
	// Cc). The alias's own address is filtered out.
	Participants []string
}

// EmailResolution is the outcome of ResolveEmail.
type EmailResolution struct {
	Conversation *models.ConversationMap
	// ThreadTS is the chat thread to reply into. Empty means this message
	// posts the top-level chat message and must call RecordChatThread.
	ThreadTS string
	Created  bool
	// Pending is set when the conversation exists but its originator has
	// not posted yet. The caller should retry later.
	Pending bool
}

// PendingError converts a pending resolution into a retryable error.
func (r *Resolver) PendingError(res *EmailResolution) error {
	return &errs.ThreadPendingError{ConversationID: res.Conversation.ID, RetryAfter: r.pendingDelay}
}

// ThreadKey picks the header that names the thread an email belongs to:
// In-Reply-To, else the first References entry.
func ThreadKey(inReplyTo string, references []string) string {
	if key := models.NormalizeMessageID(inReplyTo); key != "" {
		return key
	}
	for _, ref := range references {
		if key := models.NormalizeMessageID(ref); key != "" {
			return key
		}
	}
	return ""
}

// ResolveEmail finds or creates the conversation for an inbound email.
func (r *Resolver) ResolveEmail(ctx context.Context, req EmailRequest) (*EmailResolution, error) {
	messageID := models.NormalizeMessageID(req.MessageID)
	if messageID == "" {
		return nil, errs.Validation("message_id", "required")
	}
	participants := externalAddresses(req.Alias, req.Participants)

	key := ThreadKey(req.InReplyTo, req.References)
	if key != "" {
		conv, err := r.store.FindConversationByEmailThread(ctx, req.Alias.ID, key)
		if err != nil {
			return nil, fmt.Errorf("find conversation by email thread: %w", err)
		}
		if conv != nil {
			return r.joinEmail(ctx, conv, messageID, participants)
		}
	} else {
		// A new thread is keyed by its own message id.
		key = messageID
	}

	seed := &models.ConversationMap{
		ID:              uuid.NewString(),
		AliasID:         req.Alias.ID,
		ChatChannelID:   req.Alias.ChatChannelID,
		EmailThreadID:   key,
		EmailMessageIDs: []string{messageID},
		Participants:    union(req.Alias.Recipients, participants),
	}
	conv, created, err := r.store.InsertConversationIfAbsent(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	if created {
		slog.Debug("conversation created from email",
			"conversation_id", conv.ID,
			"alias_id", req.Alias.ID,
			"thread_key", key,
		)
		return &EmailResolution{Conversation: conv, Created: true}, nil
	}

	// Lost the insert race, or this is a redelivery of the creating
	// message. Either way the row now exists.
	existing, err := r.store.FindConversationByEmailThread(ctx, req.Alias.ID, key)
	if err != nil {
		return nil, fmt.Errorf("re-read conversation: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("conversation for thread %s vanished after insert conflict", key)
	}
	return r.joinEmail(ctx, existing, messageID, participants)
}

func (r *Resolver) joinEmail(ctx context.Context, conv *models.ConversationMap, messageID string, participants []string) (*EmailResolution, error) {
	updated, err := r.store.AppendEmailMessageID(ctx, conv.ID, messageID, participants)
	if err != nil {
		return nil, fmt.Errorf("append message id: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("conversation %s disappeared", conv.ID)
	}

	res := &EmailResolution{Conversation: updated, ThreadTS: updated.ChatThreadTS}
	if updated.ChatThreadTS != "" || updated.Originator() == messageID {
		return res, nil
	}

	// Someone else owns the top-level post and has not written it back.
	if age := r.now().Sub(updated.CreatedAt); age < r.claimTimeout {
		res.Pending = true
		return res, nil
	}

	slog.Warn("taking over stale conversation without chat thread",
		"conversation_id", updated.ID,
		"originator", updated.Originator(),
		"message_id", messageID,
	)
	return res, nil
}

// RecordChatThread writes back the chat thread root after the top-level
// post. It returns the stored pointer, which differs from ts if another
// writer won.
func (r *Resolver) RecordChatThread(ctx context.Context, conv *models.ConversationMap, ts string) (string, error) {
	stored, err := r.store.SetChatThreadTS(ctx, conv.ID, ts)
	if err != nil {
		return "", fmt.Errorf("write back chat thread: %w", err)
	}
	if stored != ts {
		slog.Warn("chat thread already recorded by another writer",
			"conversation_id", conv.ID,
			"stored_ts", stored,
			"posted_ts", ts,
		)
	}
	conv.ChatThreadTS = stored
	return stored, nil
}

// ChatRequest describes an inbound chat message to place in a conversation.
type ChatRequest struct {
	Alias       *models.ChannelAlias
	TS          string
	ThreadTS    string
	SenderEmail string
}

// ChatResolution is the outcome of ResolveChat.
type ChatResolution struct {
	Conversation *models.ConversationMap
	// Recipients is the frozen recipient list for this outbound email.
	Recipients []string
	// EmailThreadID and References thread the outbound email. Both are
	// empty for the first email of a conversation.
	EmailThreadID string
	References    []string
	Created       bool
}

// ResolveChat finds or creates the conversation for an inbound chat message.
func (r *Resolver) ResolveChat(ctx context.Context, req ChatRequest) (*ChatResolution, error) {
	threadTS := req.ThreadTS
	if threadTS == "" {
		threadTS = req.TS
	}
	if threadTS == "" {
		return nil, errs.Validation("ts", "required")
	}
	sender := models.NormalizeAddress(req.SenderEmail)

	conv, err := r.store.FindConversationByChatThread(ctx, req.Alias.ID, threadTS)
	if err != nil {
		return nil, fmt.Errorf("find conversation by chat thread: %w", err)
	}

	if conv == nil {
		recipients := slices.Clone(req.Alias.Recipients)
		seed := &models.ConversationMap{
			ID:              uuid.NewString(),
			AliasID:         req.Alias.ID,
			ChatChannelID:   req.Alias.ChatChannelID,
			ChatThreadTS:    threadTS,
			EmailMessageIDs: []string{},
			Participants:    union(recipients, nonEmpty(sender)),
		}
		created, ok, err := r.store.InsertConversationIfAbsent(ctx, seed)
		if err != nil {
			return nil, fmt.Errorf("insert conversation: %w", err)
		}
		if ok {
			return &ChatResolution{Conversation: created, Recipients: recipients, Created: true}, nil
		}

		conv, err = r.store.FindConversationByChatThread(ctx, req.Alias.ID, threadTS)
		if err != nil {
			return nil, fmt.Errorf("re-read conversation: %w", err)
		}
		if conv == nil {
			return nil, fmt.Errorf("conversation for chat thread %s vanished after insert conflict", threadTS)
		}
	}

	snapshot := slices.Clone(conv.Participants)
	merged, err := r.store.MergeParticipants(ctx, conv.ID, nonEmpty(sender))
	if err != nil {
		return nil, fmt.Errorf("merge participants: %w", err)
	}
	if merged == nil {
		return nil, fmt.Errorf("conversation %s disappeared", conv.ID)
	}

	return &ChatResolution{
		Conversation:  merged,
		Recipients:    snapshot,
		EmailThreadID: merged.EmailThreadID,
		References:    slices.Clone(merged.EmailMessageIDs),
	}, nil
}

// RecordEmailSent writes back the provider message id of an outbound
// email: it becomes the email thread id if none is set, and joins the
// message history so replies to it find the conversation.
func (r *Resolver) RecordEmailSent(ctx context.Context, conv *models.ConversationMap, messageID string) error {
	messageID = models.NormalizeMessageID(messageID)
	if messageID == "" {
		return nil
	}

	stored, err := r.store.SetEmailThreadID(ctx, conv.ID, messageID)
	if err != nil {
		return fmt.Errorf("write back email thread: %w", err)
	}
	conv.EmailThreadID = stored

	updated, err := r.store.AppendEmailMessageID(ctx, conv.ID, messageID, nil)
	if err != nil {
		return fmt.Errorf("append outbound message id: %w", err)
	}
	if updated != nil {
		conv.EmailMessageIDs = updated.EmailMessageIDs
	}
	return nil
}

// externalAddresses normalizes addrs and drops the alias's own address.
func externalAddresses(alias *models.ChannelAlias, addrs []string) []string {
	self := models.NormalizeAddress(alias.EmailAddress)
	var out []string
	for _, a := range addrs {
		a = models.NormalizeAddress(a)
		if a == "" || a == self || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func union(base []string, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, a := range list {
			a = models.NormalizeAddress(a)
			if a != "" && !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out
}

func nonEmpty(addr string) []string {
	if addr == "" {
		return nil
	}
	return []string{addr}
}
