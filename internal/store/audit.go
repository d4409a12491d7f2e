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

	"github.com/chatbridge/worker/internal/models"
)

// InsertFileObject records one attachment evaluation.
func (s *Store) InsertFileObject(ctx context.Context, f *models.FileObject) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO file_objects
			(id, filename, mime_type, size, sha256, scan_status, scan_result, storage_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, f.ID, f.Filename, f.MimeType, f.Size, f.SHA256, string(f.ScanStatus), f.ScanResult, f.StorageURL).
		Scan(&f.CreatedAt)
}

// InsertAudit appends an audit log entry.
func (s *Store) InsertAudit(ctx context.Context, action string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, action, metadata) VALUES ($1, $2, $3)
	`, uuid.NewString(), action, metadata)
	return err
}

// AuditByAction lists the most recent entries for an action.
func (s *Store) AuditByAction(ctx context.Context, action string, limit int) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, metadata, created_at
		FROM audit_logs
		WHERE action = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, action, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
