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

package models

import (
	"time"
)

// Direction is the way a message crosses the bridge.
type Direction string

const (
	DirectionEmailToChat Direction = "EMAIL_TO_CHAT"
	DirectionChatToEmail Direction = "CHAT_TO_EMAIL"
)

// MessageStatus is the delivery state recorded in a MessageLog.
type MessageStatus string

const (
	StatusPending   MessageStatus = "PENDING"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusFailed    MessageStatus = "FAILED"
)

// AliasStatus gates whether an alias routes traffic.
type AliasStatus string

const (
	AliasActive  AliasStatus = "ACTIVE"
	AliasPaused  AliasStatus = "PAUSED"
	AliasDeleted AliasStatus = "DELETED"
)

// ScanStatus is the outcome of the attachment safety gate.
type ScanStatus string

const (
	ScanClean     ScanStatus = "CLEAN"
	ScanInfected  ScanStatus = "INFECTED"
	ScanUnscanned ScanStatus = "UNSCANNED"
	ScanRejected  ScanStatus = "REJECTED"
)

// Workspace is an installed chat workspace and its bot credential.
type Workspace struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"team_id"`
	TeamName    string    `json:"team_name"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChannelAlias binds one chat channel to one email address.
type ChannelAlias struct {
	ID              string      `json:"id"`
	WorkspaceID     string      `json:"workspace_id"`
	ChatChannelID   string      `json:"chat_channel_id"`
	ChatChannelName string      `json:"chat_channel_name"`
	EmailAddress    string      `json:"email_address"`
	Recipients      []string    `json:"recipients"`
	Status          AliasStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ConversationMap pairs one chat thread with one email thread.
//
// EmailMessageIDs[0] is the message that created the row, which makes it
// the thread originator: only that message may post the top-level chat
// message. ChatThreadTS and EmailThreadID are write-once.
type ConversationMap struct {
	ID              string    `json:"id"`
	AliasID         string    `json:"alias_id"`
	ChatChannelID   string    `json:"chat_channel_id"`
	ChatThreadTS    string    `json:"chat_thread_ts"`
	EmailThreadID   string    `json:"email_thread_id"`
	EmailMessageIDs []string  `json:"email_message_ids"`
	Participants    []string  `json:"participants"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Originator returns the message id that created the conversation.
func (c *ConversationMap) Originator() string {
	if len(c.EmailMessageIDs) == 0 {
		return ""
	}
	return c.EmailMessageIDs[0]
}

// MessageLog is the delivery history row for one natural key and attempt
// outcome.
type MessageLog struct {
	ID             string         `json:"id"`
	Direction      Direction      `json:"direction"`
	Status         MessageStatus  `json:"status"`
	NaturalKey     string         `json:"natural_key"`
	AliasID        string         `json:"alias_id,omitempty"`
	WorkspaceID    string         `json:"workspace_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	EmailMessageID string         `json:"email_message_id,omitempty"`
	ChatMessageTS  string         `json:"chat_message_ts,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Attempts       int            `json:"attempts"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// FileObject records one attachment evaluation by the safety gate.
type FileObject struct {
	ID         string     `json:"id"`
	Filename   string     `json:"filename"`
	MimeType   string     `json:"mime_type"`
	Size       int64      `json:"size"`
	SHA256     string     `json:"sha256,omitempty"`
	ScanStatus ScanStatus `json:"scan_status"`
	ScanResult string     `json:"scan_result,omitempty"`
	StorageURL string     `json:"storage_url,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditEntry is an append-only operational record.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit actions.
const (
	AuditMessageFailedPermanently = "MESSAGE_FAILED_PERMANENTLY"
	AuditMessageRetryRequested    = "MESSAGE_RETRY_REQUESTED"
	AuditVirusDetected            = "VIRUS_DETECTED"
)
