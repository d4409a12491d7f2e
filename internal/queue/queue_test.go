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

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/models"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt, nil); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_DelayHonoursRetryAfter(t *testing.T) {
	p := DefaultRetryPolicy

	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{"rate limit hint", 1, &errs.RateLimitError{Provider: "chat", RetryAfter: 45 * time.Second}, 45 * time.Second},
		// A hint shorter than the backoff does not shorten it.
		{"short hint", 4, &errs.RateLimitError{Provider: "chat", RetryAfter: time.Second}, 8 * time.Second},
		{"pending thread", 1, &errs.ThreadPendingError{ConversationID: "c1", RetryAfter: 3 * time.Second}, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.attempt, tt.err); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestJobID_Deterministic(t *testing.T) {
	a := JobID("email:m1@example.com")
	b := JobID("email:m1@example.com")
	c := JobID("email:m2@example.com")

	if a != b {
		t.Errorf("JobID not stable: %q != %q", a, b)
	}
	if a == c {
		t.Errorf("distinct keys share id %q", a)
	}
	if len(a) != 36 {
		t.Errorf("len(JobID) = %d, want 36", len(a))
	}
}

func TestEnvelopeSchema(t *testing.T) {
	sch, err := compileEnvelopeSchema()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mk := func(lane models.Lane, payload any) []byte {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data, err := json.Marshal(envelope{
			ID:         "id-1",
			Lane:       lane,
			NaturalKey: "k",
			EnqueuedAt: time.Now(),
			Payload:    raw,
		})
		if err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
		return data
	}

	email := &models.EmailInbound{
		MessageID: "m1@example.com",
		From:      models.EmailAddress{Address: "a@example.com"},
		To:        []models.EmailAddress{{Address: "support@bridge.example"}},
	}
	chat := &models.ChatInbound{TeamID: "T1", Channel: "C1", TS: "1.0"}

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"email lane", mk(models.LaneEmailIn, email), false},
		{"chat lane", mk(models.LaneChatIn, chat), false},
		// Lane and payload shape must agree.
		{"chat payload on email lane", mk(models.LaneEmailIn, chat), true},
		{"email payload on chat lane", mk(models.LaneChatIn, email), true},
		{"unknown lane", mk(models.Lane("other"), chat), true},
		{"missing fields", []byte(`{"id":"x"}`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvelope(sch, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_DefaultOutsideJob(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Error("Logger() = nil outside a job")
	}
}
