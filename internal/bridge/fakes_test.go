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
	"sync"
	"time"

	"github.com/chatbridge/worker/internal/attachment"
	"github.com/chatbridge/worker/internal/deadletter"
	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/mailer"
	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/queue"
	"github.com/chatbridge/worker/internal/slack"
)

type fakeLedger struct {
	mu   sync.Mutex
	keys map[string]any
}

func (l *fakeLedger) Seen(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok, nil
}

func (l *fakeLedger) Mark(_ context.Context, key string, outcome any, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keys == nil {
		l.keys = map[string]any{}
	}
	l.keys[key] = outcome
	return nil
}

type fakeStore struct {
	mu         sync.Mutex
	workspaces []models.Workspace
	aliases    []models.ChannelAlias
	logs       []models.MessageLog
}

func (s *fakeStore) AliasByEmail(_ context.Context, address string) (*models.ChannelAlias, error) {
	for _, a := range s.aliases {
		if a.EmailAddress == models.NormalizeAddress(address) && a.Status == models.AliasActive {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) AliasByChannel(_ context.Context, workspaceID, channelID string) (*models.ChannelAlias, error) {
	for _, a := range s.aliases {
		if a.WorkspaceID == workspaceID && a.ChatChannelID == channelID && a.Status == models.AliasActive {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) WorkspaceByID(_ context.Context, id string) (*models.Workspace, error) {
	for _, w := range s.workspaces {
		if w.ID == id {
			cp := w
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) WorkspaceByTeamID(_ context.Context, teamID string) (*models.Workspace, error) {
	for _, w := range s.workspaces {
		if w.TeamID == teamID {
			cp := w
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) RecordMessageLog(_ context.Context, l *models.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *l)
	return nil
}

// memConversations is an in-memory resolver.Store with the same
// uniqueness and first-writer-wins rules as the Postgres store.
type memConversations struct {
	mu   sync.Mutex
	rows []*models.ConversationMap
	now  func() time.Time
}

func (m *memConversations) clone(c *models.ConversationMap) *models.ConversationMap {
	cp := *c
	cp.EmailMessageIDs = slices.Clone(c.EmailMessageIDs)
	cp.Participants = slices.Clone(c.Participants)
	return &cp
}

func (m *memConversations) byID(id string) *models.ConversationMap {
	for _, c := range m.rows {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *memConversations) FindConversationByEmailThread(_ context.Context, aliasID, key string) (*models.ConversationMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.AliasID == aliasID && (c.EmailThreadID == key || slices.Contains(c.EmailMessageIDs, key)) {
			return m.clone(c), nil
		}
	}
	return nil, nil
}

func (m *memConversations) FindConversationByChatThread(_ context.Context, aliasID, ts string) (*models.ConversationMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.AliasID == aliasID && ts != "" && c.ChatThreadTS == ts {
			return m.clone(c), nil
		}
	}
	return nil, nil
}

func (m *memConversations) InsertConversationIfAbsent(_ context.Context, c *models.ConversationMap) (*models.ConversationMap, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.AliasID != c.AliasID {
			continue
		}
		if (c.EmailThreadID != "" && row.EmailThreadID == c.EmailThreadID) ||
			(c.ChatThreadTS != "" && row.ChatThreadTS == c.ChatThreadTS) {
			return nil, false, nil
		}
	}
	row := m.clone(c)
	row.CreatedAt = time.Now()
	if m.now != nil {
		row.CreatedAt = m.now()
	}
	row.LastActivityAt = row.CreatedAt
	m.rows = append(m.rows, row)
	return m.clone(row), true, nil
}

func (m *memConversations) AppendEmailMessageID(_ context.Context, id, messageID string, participants []string) (*models.ConversationMap, error) {
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
	return m.clone(c), nil
}

func (m *memConversations) MergeParticipants(_ context.Context, id string, addrs []string) (*models.ConversationMap, error) {
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
	return m.clone(c), nil
}

func (m *memConversations) SetChatThreadTS(_ context.Context, id, ts string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byID(id)
	if c == nil {
		return "", errs.NotFound("conversation", id)
	}
	if c.ChatThreadTS == "" {
		c.ChatThreadTS = ts
	}
	return c.ChatThreadTS, nil
}

func (m *memConversations) SetEmailThreadID(_ context.Context, id, threadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.byID(id)
	if c == nil {
		return "", errs.NotFound("conversation", id)
	}
	if c.EmailThreadID == "" {
		c.EmailThreadID = threadID
	}
	return c.EmailThreadID, nil
}

type fakeChat struct {
	mu      sync.Mutex
	posts   []slack.PostMessage
	next    int
	postErr error
	users   map[string]*slack.User
	files   map[string][]byte
}

func (c *fakeChat) PostMessage(_ context.Context, _ string, msg slack.PostMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postErr != nil {
		return "", c.postErr
	}
	c.posts = append(c.posts, msg)
	c.next++
	return fmt.Sprintf("1700000000.%06d", c.next), nil
}

func (c *fakeChat) UserInfo(_ context.Context, _, userID string) (*slack.User, error) {
	if u, ok := c.users[userID]; ok {
		return u, nil
	}
	return nil, &errs.DeliveryError{Provider: "chat", Code: "user_not_found"}
}

func (c *fakeChat) DownloadFile(_ context.Context, _, url string, maxBytes int64) ([]byte, error) {
	data, ok := c.files[url]
	if !ok {
		return nil, &errs.DeliveryError{Provider: "chat", Code: "404"}
	}
	if int64(len(data)) > maxBytes {
		return nil, errs.Validation("file", "download exceeds %d bytes", maxBytes)
	}
	return data, nil
}

type fakeMail struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *fakeMail) Send(_ context.Context, msg mailer.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return fmt.Sprintf("out-%d@bridge.example.com", len(m.sent)), nil
}

type fakeGate struct {
	mu        sync.Mutex
	max       int64
	infected  map[string]bool
	evaluated []attachment.File
}

func (g *fakeGate) WithinLimit(size int64) bool { return size <= g.max }
func (g *fakeGate) MaxSize() int64              { return g.max }

func (g *fakeGate) Evaluate(_ context.Context, f attachment.File) (attachment.Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evaluated = append(g.evaluated, f)
	size := max(f.Size, int64(len(f.Content)))
	switch {
	case size > g.max:
		return attachment.Verdict{Status: models.ScanRejected, Reason: fmt.Sprintf("File too large: %d bytes (max: %d)", size, g.max)}, nil
	case g.infected[f.Name]:
		return attachment.Verdict{Status: models.ScanInfected, Reason: "File failed virus scan: 5/70 engines detected malware"}, nil
	}
	return attachment.Verdict{Allowed: true, Status: models.ScanClean}, nil
}

type fakeDeadLetters struct {
	failures []deadletter.Failure
}

func (f *fakeDeadLetters) Handle(_ context.Context, fl deadletter.Failure) error {
	f.failures = append(f.failures, fl)
	return nil
}

// clockedQueue is a queue.Backend that settles in memory and advances its
// clock by every retry delay. Attempts are counted the way the Redis
// lanes count them.
type clockedQueue struct {
	mu       sync.Mutex
	now      time.Time
	attempts int
	ops      []string
	done     bool
}

func (q *clockedQueue) Now() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now
}

func (q *clockedQueue) redeliver(d *queue.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts++
	d.Attempt = q.attempts
}

func (q *clockedQueue) settle(op string, delay time.Duration, refund, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	q.now = q.now.Add(delay)
	if refund {
		q.attempts--
	}
	q.done = q.done || done
}

func (q *clockedQueue) Dequeue(context.Context, models.Lane) (*queue.Delivery, error) {
	return nil, nil
}

func (q *clockedQueue) Ack(context.Context, *queue.Delivery) error {
	q.settle("ack", 0, false, true)
	return nil
}

func (q *clockedQueue) Retry(_ context.Context, _ *queue.Delivery, delay time.Duration, _ error) error {
	q.settle("retry", delay, false, false)
	return nil
}

func (q *clockedQueue) Defer(_ context.Context, _ *queue.Delivery, delay time.Duration, _ error) error {
	q.settle("defer", delay, true, false)
	return nil
}

func (q *clockedQueue) DeadLetter(context.Context, *queue.Delivery, string) error {
	q.settle("dead-letter", 0, false, true)
	return nil
}

func (q *clockedQueue) Release(context.Context, *queue.Delivery) error {
	q.settle("release", 0, true, false)
	return nil
}

func (q *clockedQueue) Extend(context.Context, *queue.Delivery) error     { return nil }
func (q *clockedQueue) Promote(context.Context, models.Lane) (int, error) { return 0, nil }
func (q *clockedQueue) Reclaim(context.Context, models.Lane) (int, error) { return 0, nil }
func (q *clockedQueue) Depth(context.Context, models.Lane) (queue.Depth, error) {
	return queue.Depth{}, nil
}
func (q *clockedQueue) VisibilityTimeout() time.Duration { return time.Minute }
