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

package resolver

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/models"
)

// memStore mirrors the Postgres semantics of the conversation queries,
// including the partial unique indexes.
type memStore struct {
	mu    sync.Mutex
	rows  []*models.ConversationMap
	clock func() time.Time
}

func newMemStore() *memStore {
	return &memStore{clock: time.Now}
}

func (m *memStore) copyOf(c *models.ConversationMap) *models.ConversationMap {
	cp := *c
	cp.EmailMessageIDs = slices.Clone(c.EmailMessageIDs)
	cp.Participants = slices.Clone(c.Participants)
	return &cp
}

func (m *memStore) FindConversationByEmailThread(_ context.Context, aliasID, key string) (*models.ConversationMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.ConversationMap
	for _, c := range m.rows {
		if c.AliasID != aliasID {
			continue
		}
		if c.EmailThreadID == key {
			return m.copyOf(c), nil
		}
		if slices.Contains(c.EmailMessageIDs, key) && (best == nil || c.LastActivityAt.After(best.LastActivityAt)) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	return m.copyOf(best), nil
}

func (m *memStore) FindConversationByChatThread(_ context.Context, aliasID, ts string) (*models.ConversationMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.AliasID == aliasID && c.ChatThreadTS == ts && ts != "" {
			return m.copyOf(c), nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertConversationIfAbsent(_ context.Context, c *models.ConversationMap) (*models.ConversationMap, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.AliasID != c.AliasID {
			continue
		}
		if c.EmailThreadID != "" && row.EmailThreadID == c.EmailThreadID {
			return nil, false, nil
		}
		if c.ChatThreadTS != "" && row.ChatThreadTS == c.ChatThreadTS {
			return nil, false, nil
		}
	}
	row := m.copyOf(c)
	row.CreatedAt = m.clock()
	row.LastActivityAt = row.CreatedAt
	m.rows = append(m.rows, row)
	return m.copyOf(row), true, nil
}

func (m *memStore) byID(id string) *models.ConversationMap {
	for _, c := range m.rows {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *memStore) AppendEmailMessageID(_ context.Context, id, messageID string, participants []string) (*models.ConversationMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byID(id)
	if c == nil {
		return nil, nil
	}
	if !slices.Contains(c.EmailMessageIDs, messageID) {
		c.EmailMessageIDs = append(c.EmailMessageIDs, messageID)
	}
	for _, p := range participants {
		if !slices.Contains(c.Participants, p) {
			c.Participants = append(c.Participants, p)
		}
	}
	c.LastActivityAt = m.clock()
	return m.copyOf(c), nil
}

func (m *memStore) MergeParticipants(_ context.Context, id string, addrs []string) (*models.ConversationMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byID(id)
	if c == nil {
		return nil, nil
	}
	for _, p := range addrs {
		if !slices.Contains(c.Participants, p) {
			c.Participants = append(c.Participants, p)
		}
	}
	c.LastActivityAt = m.clock()
	return m.copyOf(c), nil
}

func (m *memStore) SetChatThreadTS(_ context.Context, id, ts string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byID(id)
	if c == nil {
		return "", errors.New("no rows")
	}
	if c.ChatThreadTS == "" {
		c.ChatThreadTS = ts
	}
	return c.ChatThreadTS, nil
}

func (m *memStore) SetEmailThreadID(_ context.Context, id, threadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byID(id)
	if c == nil {
		return "", errors.New("no rows")
	}
	if c.EmailThreadID == "" {
		c.EmailThreadID = threadID
	}
	return c.EmailThreadID, nil
}

func testAlias() *models.ChannelAlias {
	return &models.ChannelAlias{
		ID:            "alias-1",
		ChatChannelID: "C1",
		EmailAddress:  "support@bridge.example",
		Recipients:    []string{"alice@example.com", "bob@example.com"},
		Status:        models.AliasActive,
	}
}

func TestThreadKey(t *testing.T) {
	tests := []struct {
		name      string
		inReplyTo string
		refs      []string
		want      string
	}{
		{"in-reply-to wins", "<parent@x>", []string{"<root@x>"}, "parent@x"},
		{"first reference", "", []string{"<root@x>", "<parent@x>"}, "root@x"},
		{"skips blank refs", "", []string{" ", "<root@x>"}, "root@x"},
		{"none", "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ThreadKey(tt.inReplyTo, tt.refs); got != tt.want {
				t.Errorf("ThreadKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestResolveEmail_NewThreadThenReply covers the originator path and a
// reply joining the thread after write-back.
func TestResolveEmail_NewThreadThenReply(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, Config{})
	alias := testAlias()

	first, err := r.ResolveEmail(ctx, EmailRequest{
		Alias:        alias,
		MessageID:    "<m1@external.example>",
		Participants: []string{"Carol@External.Example", "support@bridge.example"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Created || first.Pending {
		t.Errorf("first: Created = %v, Pending = %v; want true, false", first.Created, first.Pending)
	}
	if first.ThreadTS != "" {
		t.Errorf("first.ThreadTS = %q, originator posts top-level", first.ThreadTS)
	}
	wantParticipants := []string{"alice@example.com", "bob@example.com", "carol@external.example"}
	if !slices.Equal(first.Conversation.Participants, wantParticipants) {
		t.Errorf("Participants = %v, want %v", first.Conversation.Participants, wantParticipants)
	}

	stored, err := r.RecordChatThread(ctx, first.Conversation, "100.000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored != "100.000" {
		t.Errorf("RecordChatThread() = %q, want 100.000", stored)
	}

	reply, err := r.ResolveEmail(ctx, EmailRequest{
		Alias:      alias,
		MessageID:  "<m2@external.example>",
		InReplyTo:  "<m1@external.example>",
		References: []string{"<m1@external.example>"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Created {
		t.Error("reply created a conversation")
	}
	if reply.ThreadTS != "100.000" {
		t.Errorf("reply.ThreadTS = %q, want 100.000", reply.ThreadTS)
	}
	if reply.Conversation.ID != first.Conversation.ID {
		t.Errorf("reply joined %s, want %s", reply.Conversation.ID, first.Conversation.ID)
	}
	wantIDs := []string{"m1@external.example", "m2@external.example"}
	if !slices.Equal(reply.Conversation.EmailMessageIDs, wantIDs) {
		t.Errorf("EmailMessageIDs = %v, want %v", reply.Conversation.EmailMessageIDs, wantIDs)
	}
}

// TestResolveEmail_RedeliveryIsIdempotent re-resolves the creating message
// before its write-back, as a retry after a failed post would.
func TestResolveEmail_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, Config{})
	alias := testAlias()
	req := EmailRequest{Alias: alias, MessageID: "<m1@x>"}

	first, err := r.ResolveEmail(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again, err := r.ResolveEmail(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Conversation.ID != first.Conversation.ID {
		t.Errorf("conversation = %s, want %s", again.Conversation.ID, first.Conversation.ID)
	}
	if again.Pending {
		t.Error("the originator retrying must not wait on itself")
	}
	if again.ThreadTS != "" {
		t.Errorf("ThreadTS = %q, want empty", again.ThreadTS)
	}
	if !slices.Equal(again.Conversation.EmailMessageIDs, []string{"m1@x"}) {
		t.Errorf("EmailMessageIDs = %v, want [m1@x]", again.Conversation.EmailMessageIDs)
	}
}

// TestResolveEmail_ConcurrentFirstInThread resolves two different messages
// that share an unbridged parent at the same time.
func TestResolveEmail_ConcurrentFirstInThread(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, Config{})
	alias := testAlias()

	var wg sync.WaitGroup
	results := make([]*EmailResolution, 2)
	errList := make([]error, 2)
	for i, id := range []string{"<a@x>", "<b@x>"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errList[i] = r.ResolveEmail(ctx, EmailRequest{Alias: alias, MessageID: id, InReplyTo: "<parent@x>"})
		}(i, id)
	}
	wg.Wait()
	for i, err := range errList {
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}

	if len(store.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(store.rows))
	}
	if results[0].Conversation.ID != results[1].Conversation.ID {
		t.Errorf("messages landed in %s and %s", results[0].Conversation.ID, results[1].Conversation.ID)
	}

	originators := 0
	for _, res := range results {
		if !res.Pending && res.ThreadTS == "" {
			originators++
		}
	}
	if originators != 1 {
		t.Errorf("originators = %d, exactly one message may post the top-level message", originators)
	}
}

// TestResolveEmail_PendingThenTakeover verifies a reply waits on an
// unposted originator until the claim timeout, then takes the post over.
func TestResolveEmail_PendingThenTakeover(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	start := time.Now()
	now := start
	store.clock = func() time.Time { return now }
	r := New(store, Config{ClaimTimeout: time.Minute, PendingDelay: 3 * time.Second, Now: func() time.Time { return now }})
	alias := testAlias()

	if _, err := r.ResolveEmail(ctx, EmailRequest{Alias: alias, MessageID: "<a@x>"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := r.ResolveEmail(ctx, EmailRequest{Alias: alias, MessageID: "<b@x>", InReplyTo: "<a@x>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Pending {
		t.Fatal("reply before the originator posted is not pending")
	}

	pendingErr := r.PendingError(res)
	if !errs.IsRetryable(pendingErr) {
		t.Error("pending error is not retryable")
	}
	if !errors.Is(pendingErr, errs.ErrPending) {
		t.Error("pending error does not match errs.ErrPending")
	}
	if got := errs.RetryAfter(pendingErr); got != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", got)
	}

	now = start.Add(59 * time.Second)
	res, err = r.ResolveEmail(ctx, EmailRequest{Alias: alias, MessageID: "<b@x>", InReplyTo: "<a@x>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Pending {
		t.Error("reply inside the claim timeout is not pending")
	}

	now = start.Add(2 * time.Minute)
	res, err = r.ResolveEmail(ctx, EmailRequest{Alias: alias, MessageID: "<b@x>", InReplyTo: "<a@x>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Pending {
		t.Error("stale conversation was not taken over")
	}
	if res.ThreadTS != "" {
		t.Errorf("ThreadTS = %q, want empty", res.ThreadTS)
	}
}

// TestResolveEmail_ReplyToBridgedOutbound finds the conversation through
// the message history rather than the thread id.
func TestResolveEmail_ReplyToBridgedOutbound(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, Config{})
	alias := testAlias()

	chat, err := r.ResolveChat(ctx, ChatRequest{Alias: alias, TS: "200.000", SenderEmail: "dave@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RecordEmailSent(ctx, chat.Conversation, "<out-1@bridge.example>"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chat2, err := r.ResolveChat(ctx, ChatRequest{Alias: alias, TS: "201.000", ThreadTS: "200.000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RecordEmailSent(ctx, chat2.Conversation, "<out-2@bridge.example>"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply, err := r.ResolveEmail(ctx, EmailRequest{Alias: alias, MessageID: "<r1@external>", InReplyTo: "<out-2@bridge.example>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Conversation.ID != chat.Conversation.ID {
		t.Errorf("reply joined %s, want %s", reply.Conversation.ID, chat.Conversation.ID)
	}
	if reply.ThreadTS != "200.000" {
		t.Errorf("ThreadTS = %q, want 200.000", reply.ThreadTS)
	}
}

// TestResolveChat_FrozenRecipients checks that recipients exclude the
// current sender until the next message.
func TestResolveChat_FrozenRecipients(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, Config{})
	alias := testAlias()

	first, err := r.ResolveChat(ctx, ChatRequest{Alias: alias, TS: "300.000", SenderEmail: "Dave@Example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Created {
		t.Error("first chat message did not create a conversation")
	}
	if want := []string{"alice@example.com", "bob@example.com"}; !slices.Equal(first.Recipients, want) {
		t.Errorf("first.Recipients = %v, want %v", first.Recipients, want)
	}
	if first.EmailThreadID != "" {
		t.Errorf("first.EmailThreadID = %q, want empty", first.EmailThreadID)
	}
	if want := []string{"alice@example.com", "bob@example.com", "dave@example.com"}; !slices.Equal(first.Conversation.Participants, want) {
		t.Errorf("Participants = %v, want %v", first.Conversation.Participants, want)
	}

	if err := r.RecordEmailSent(ctx, first.Conversation, "<out-1@bridge.example>"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := r.ResolveChat(ctx, ChatRequest{Alias: alias, TS: "301.000", ThreadTS: "300.000", SenderEmail: "erin@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Created {
		t.Error("thread reply created a conversation")
	}
	if want := []string{"alice@example.com", "bob@example.com", "dave@example.com"}; !slices.Equal(second.Recipients, want) {
		t.Errorf("second.Recipients = %v, want %v", second.Recipients, want)
	}
	if second.EmailThreadID != "out-1@bridge.example" {
		t.Errorf("EmailThreadID = %q, want out-1@bridge.example", second.EmailThreadID)
	}
	if !slices.Equal(second.References, []string{"out-1@bridge.example"}) {
		t.Errorf("References = %v, want [out-1@bridge.example]", second.References)
	}
	if !slices.Contains(second.Conversation.Participants, "erin@example.com") {
		t.Errorf("Participants = %v, missing erin@example.com", second.Conversation.Participants)
	}

	// Write-back is first-writer-wins.
	if err := r.RecordEmailSent(ctx, second.Conversation, "<out-2@bridge.example>"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Conversation.EmailThreadID != "out-1@bridge.example" {
		t.Errorf("EmailThreadID = %q after second write-back", second.Conversation.EmailThreadID)
	}
}

func TestResolveChat_ConcurrentRoot(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, Config{})
	alias := testAlias()

	var wg sync.WaitGroup
	ids := make([]string, 4)
	errList := make([]error, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.ResolveChat(ctx, ChatRequest{Alias: alias, TS: "400.000"})
			if err != nil {
				errList[i] = err
				return
			}
			ids[i] = res.Conversation.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errList {
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if len(store.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(store.rows))
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Errorf("conversation ids differ: %v", ids)
			break
		}
	}
}

func TestResolveChat_RequiresTS(t *testing.T) {
	r := New(newMemStore(), Config{})
	_, err := r.ResolveChat(context.Background(), ChatRequest{Alias: testAlias()})
	if !errs.IsValidation(err) {
		t.Errorf("err = %v, want a validation error", err)
	}
}
