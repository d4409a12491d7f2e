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

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatbridge/worker/internal/models"
)

const aliasColumns = `id, workspace_id, chat_channel_id, chat_channel_name, email_address,
	recipients, status, created_at, updated_at`

const workspaceColumns = `id, team_id, team_name, access_token, created_at, updated_at`

// UpsertWorkspace inserts or updates a workspace keyed on team_id and
// returns the stored row.
func (s *Store) UpsertWorkspace(ctx context.Context, w models.Workspace) (*models.Workspace, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workspaces (id, team_id, team_name, access_token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id) DO UPDATE SET
			team_name    = EXCLUDED.team_name,
			access_token = EXCLUDED.access_token,
			updated_at   = NOW()
		RETURNING `+workspaceColumns,
		w.ID, w.TeamID, w.TeamName, w.AccessToken)
	return scanWorkspace(row)
}

// WorkspaceByTeamID returns the workspace for an external team id.
func (s *Store) WorkspaceByTeamID(ctx context.Context, teamID string) (*models.Workspace, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE team_id = $1`, teamID)
	return scanWorkspace(row)
}

func (s *Store) WorkspaceByID(ctx context.Context, id string) (*models.Workspace, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	return scanWorkspace(row)
}

// CreateAlias inserts a new channel alias. Addresses are stored lower-case.
func (s *Store) CreateAlias(ctx context.Context, a models.ChannelAlias) (*models.ChannelAlias, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AliasActive
	}
	recipients := make([]string, 0, len(a.Recipients))
	for _, r := range a.Recipients {
		recipients = append(recipients, models.NormalizeAddress(r))
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO channel_aliases
			(id, workspace_id, chat_channel_id, chat_channel_name, email_address, recipients, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+aliasColumns,
		a.ID, a.WorkspaceID, a.ChatChannelID, a.ChatChannelName,
		models.NormalizeAddress(a.EmailAddress), recipients, string(a.Status))
	return scanAlias(row)
}

// AliasByEmail returns the ACTIVE alias owning an email address.
func (s *Store) AliasByEmail(ctx context.Context, address string) (*models.ChannelAlias, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+aliasColumns+`
		FROM channel_aliases
		WHERE email_address = $1 AND status = 'ACTIVE'
	`, models.NormalizeAddress(address))
	return scanAlias(row)
}

// AliasByChannel returns the ACTIVE alias bound to a chat channel.
func (s *Store) AliasByChannel(ctx context.Context, workspaceID, channelID string) (*models.ChannelAlias, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+aliasColumns+`
		FROM channel_aliases
		WHERE workspace_id = $1 AND chat_channel_id = $2 AND status = 'ACTIVE'
	`, workspaceID, channelID)
	return scanAlias(row)
}

// AliasesByWorkspace lists every non-deleted alias in a workspace.
func (s *Store) AliasesByWorkspace(ctx context.Context, workspaceID string) ([]models.ChannelAlias, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+aliasColumns+`
		FROM channel_aliases
		WHERE workspace_id = $1 AND status <> 'DELETED'
		ORDER BY chat_channel_name
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChannelAlias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetAliasStatus moves an alias between ACTIVE, PAUSED and DELETED.
func (s *Store) SetAliasStatus(ctx context.Context, id string, status models.AliasStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE channel_aliases SET status = $1, updated_at = NOW() WHERE id = $2
	`, string(status), id)
	return err
}

func scanAlias(row pgx.Row) (*models.ChannelAlias, error) {
	var a models.ChannelAlias
	var status string
	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.ChatChannelID, &a.ChatChannelName, &a.EmailAddress,
		&a.Recipients, &status, &a.CreatedAt, &a.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Status = models.AliasStatus(status)
	return &a, nil
}

func scanWorkspace(row pgx.Row) (*models.Workspace, error) {
	var w models.Workspace
	err := row.Scan(&w.ID, &w.TeamID, &w.TeamName, &w.AccessToken, &w.CreatedAt, &w.UpdatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
