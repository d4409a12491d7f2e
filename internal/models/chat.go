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

import "github.com/chatbridge/worker/internal/errs"

// ChatFile is a file shared alongside a chat message.
type ChatFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	MimeType           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivateDownload string `json:"url_private_download"`
}

// ChatInbound is a message event from a bridged chat channel.
type ChatInbound struct {
	TeamID   string     `json:"team_id"`
	Channel  string     `json:"channel"`
	User     string     `json:"user"`
	Text     string     `json:"text"`
	TS       string     `json:"ts"`
	ThreadTS string     `json:"thread_ts,omitempty"`
	Files    []ChatFile `json:"files,omitempty"`
}

func (*ChatInbound) Lane() Lane { return LaneChatIn }

// NaturalKey identifies the chat message across redeliveries.
func (c *ChatInbound) NaturalKey() string {
	return "chat:" + c.Channel + ":" + c.TS
}

func (c *ChatInbound) Validate() error {
	switch {
	case c.TeamID == "":
		return errs.Validation("team_id", "required")
	case c.Channel == "":
		return errs.Validation("channel", "required")
	case c.TS == "":
		return errs.Validation("ts", "required")
	}
	return nil
}

// ThreadKey is the root timestamp of the thread this message belongs to.
func (c *ChatInbound) ThreadKey() string {
	if c.ThreadTS != "" {
		return c.ThreadTS
	}
	return c.TS
}
