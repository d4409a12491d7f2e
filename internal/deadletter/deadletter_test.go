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

package deadletter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/notify"
)

type fakeStore struct {
	audits   []map[string]any
	actions  []string
	marked   []string
	auditErr error
	rows     int64
}

func (f *fakeStore) InsertAudit(_ context.Context, action string, metadata map[string]any) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	f.actions = append(f.actions, action)
	f.audits = append(f.audits, metadata)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, d models.Direction, key, reason string, attempts int) (int64, error) {
	f.marked = append(f.marked, string(d)+"|"+key+"|"+reason)
	return f.rows, nil
}

type fakeAlerts struct{ alerts []notify.Alert }

func (f *fakeAlerts) Send(_ context.Context, a notify.Alert) { f.alerts = append(f.alerts, a) }

func TestHandle_EmailLane(t *testing.T) {
	st := &fakeStore{rows: 1}
	al := &fakeAlerts{}
	h := New(st, al)

	err := h.Handle(context.Background(), Failure{
		JobID:      "job-1",
		Lane:       models.LaneEmailIn,
		NaturalKey: "email:m1@example.com",
		Attempts:   5,
		Reason:     "chat delivery failed (internal_error)",
		Summary:    map[string]any{"from": "bob@customer.com", "subject": "Hi"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{models.AuditMessageFailedPermanently}, st.actions)
	meta := st.audits[0]
	assert.Equal(t, "EMAIL_TO_CHAT", meta["direction"])
	assert.Equal(t, 5, meta["attempts"])
	assert.Equal(t, "email:m1@example.com", meta["natural_key"])
	assert.Equal(t, "Hi", meta["subject"])

	require.Len(t, al.alerts, 1)
	assert.Equal(t, notify.SeverityCritical, al.alerts[0].Severity)
	assert.Equal(t, "Email from bob@customer.com failed after 5 attempts", al.alerts[0].Message)

	assert.Equal(t, []string{
		"EMAIL_TO_CHAT|email:m1@example.com|Permanently failed after 5 attempts: chat delivery failed (internal_error)",
	}, st.marked)
}

func TestHandle_ChatLane(t *testing.T) {
	st := &fakeStore{rows: 1}
	al := &fakeAlerts{}

	err := New(st, al).Handle(context.Background(), Failure{
		Lane:       models.LaneChatIn,
		NaturalKey: "chat:C1:1.0",
		Attempts:   1,
		Reason:     "no route",
		Summary:    map[string]any{"channel": "C1", "natural_key": "spoofed"},
	})
	require.NoError(t, err)

	assert.Equal(t, "CHAT_TO_EMAIL", st.audits[0]["direction"])
	assert.Equal(t, "chat:C1:1.0", st.audits[0]["natural_key"], "summary must not override core fields")
	assert.Equal(t, notify.TypeEmailFailed, al.alerts[0].Type)
	assert.Equal(t, "Chat message in channel C1 failed after 1 attempts", al.alerts[0].Message)
}

func TestHandle_AuditFailureStillAlertsAndMarks(t *testing.T) {
	st := &fakeStore{auditErr: errors.New("db down")}
	al := &fakeAlerts{}

	err := New(st, al).Handle(context.Background(), Failure{Lane: models.LaneEmailIn, NaturalKey: "email:x", Attempts: 5})
	require.Error(t, err)
	assert.Len(t, al.alerts, 1)
	assert.Len(t, st.marked, 1)
}
