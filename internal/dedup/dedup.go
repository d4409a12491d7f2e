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

// Package dedup is the idempotency ledger: a Redis record of which inbound
// events have already been delivered across the bridge. Both ingress
// sources redeliver (SMTP relays retry, chat events are at-least-once),
// so every job checks the ledger before doing any external side effect.
//
// The ledger is advisory. A key is written only after delivery succeeds,
// which leaves a small window where a crash between delivery and Mark
// produces a duplicate on redelivery.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a delivered event. Both sources
	// stop redelivering well within a week.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces ledger keys in Redis.
	keyPrefix = "idempotent:"
)

// EmailKey is the ledger key for an inbound email message id.
func EmailKey(messageID string) string {
	return keyPrefix + "email:" + messageID
}

// ChatKey is the ledger key for a chat message.
func ChatKey(channel, ts string) string {
	return keyPrefix + "chat:" + channel + ":" + ts
}

// KeyFor maps a payload natural key ("email:<id>", "chat:<ch>:<ts>") to
// its ledger key.
func KeyFor(naturalKey string) string {
	return keyPrefix + naturalKey
}

// Ledger tracks which events have already been delivered.
type Ledger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLedger creates an idempotency ledger backed by Redis. A zero ttl
// selects DefaultTTL.
func NewLedger(rdb *redis.Client, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		rdb: rdb,
		ttl: ttl,
	}
}

// Seen reports whether key has been marked as delivered.
func (l *Ledger) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ledger EXISTS: %w", err)
	}
	return n > 0, nil
}

// Mark records key as delivered with an outcome summary. A zero ttl uses
// the ledger default.
func (l *Ledger) Mark(ctx context.Context, key string, outcome any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.ttl
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal ledger outcome: %w", err)
	}

	if err := l.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("ledger SET: %w", err)
	}
	return nil
}

// Outcome returns the summary stored by Mark, or nil if key is unmarked.
func (l *Ledger) Outcome(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := l.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger GET: %w", err)
	}
	return json.RawMessage(data), nil
}
