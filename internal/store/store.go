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

// Package store provides the Postgres-backed persistence for the bridge:
// workspaces, channel aliases, conversation maps, message logs, file
// objects and the audit log.
//
// Lookups that find nothing return (nil, nil); callers decide whether a
// missing row is an error.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx pool with the bridge's queries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by the given Postgres pool.
// It ensures the schema exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure bridge schema: %w", err)
	}
	slog.Info("bridge store initialised")
	return s, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workspaces (
			id           TEXT PRIMARY KEY,
			team_id      TEXT NOT NULL UNIQUE,
			team_name    TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS channel_aliases (
			id                TEXT PRIMARY KEY,
			workspace_id      TEXT NOT NULL REFERENCES workspaces(id),
			chat_channel_id   TEXT NOT NULL,
			chat_channel_name TEXT NOT NULL DEFAULT '',
			email_address     TEXT NOT NULL UNIQUE,
			recipients        TEXT[] NOT NULL DEFAULT '{}',
			status            TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alias_active_channel
			ON channel_aliases(workspace_id, chat_channel_id) WHERE status = 'ACTIVE';

		CREATE TABLE IF NOT EXISTS conversation_maps (
			id                TEXT PRIMARY KEY,
			alias_id          TEXT NOT NULL REFERENCES channel_aliases(id),
			chat_channel_id   TEXT NOT NULL,
			chat_thread_ts    TEXT NOT NULL DEFAULT '',
			email_thread_id   TEXT,
			email_message_ids TEXT[] NOT NULL DEFAULT '{}',
			participants      TEXT[] NOT NULL DEFAULT '{}',
			last_activity_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conv_email_thread
			ON conversation_maps(alias_id, email_thread_id) WHERE email_thread_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conv_chat_thread
			ON conversation_maps(alias_id, chat_thread_ts) WHERE chat_thread_ts <> '';
		CREATE INDEX IF NOT EXISTS idx_conv_message_ids
			ON conversation_maps USING GIN (email_message_ids);

		CREATE TABLE IF NOT EXISTS message_logs (
			id               TEXT PRIMARY KEY,
			direction        TEXT NOT NULL,
			status           TEXT NOT NULL,
			natural_key      TEXT NOT NULL,
			alias_id         TEXT NOT NULL DEFAULT '',
			workspace_id     TEXT NOT NULL DEFAULT '',
			conversation_id  TEXT NOT NULL DEFAULT '',
			email_message_id TEXT NOT NULL DEFAULT '',
			chat_message_ts  TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT '',
			attempts         INT NOT NULL DEFAULT 0,
			metadata         JSONB NOT NULL DEFAULT '{}',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_logs_natural_key ON message_logs(direction, natural_key);
		CREATE INDEX IF NOT EXISTS idx_logs_status ON message_logs(status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_logs_created ON message_logs(created_at DESC);

		CREATE TABLE IF NOT EXISTS file_objects (
			id          TEXT PRIMARY KEY,
			filename    TEXT NOT NULL,
			mime_type   TEXT NOT NULL DEFAULT '',
			size        BIGINT NOT NULL DEFAULT 0,
			sha256      TEXT NOT NULL DEFAULT '',
			scan_status TEXT NOT NULL,
			scan_result TEXT NOT NULL DEFAULT '',
			storage_url TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_files_sha256 ON file_objects(sha256);

		CREATE TABLE IF NOT EXISTS audit_logs (
			id         TEXT PRIMARY KEY,
			action     TEXT NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action, created_at DESC);
	`)
	return err
}

// nullIfEmpty maps "" to SQL NULL.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
