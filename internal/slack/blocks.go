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

package slack

import (
	"strings"

	"github.com/chatbridge/worker/internal/format"
)

// Text is a Block Kit text object.
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Block is the subset of Block Kit layout blocks the bridge posts.
type Block struct {
	Type     string `json:"type"`
	Text     *Text  `json:"text,omitempty"`
	Elements []Text `json:"elements,omitempty"`
}

// Section is a mrkdwn section block, truncated to the API limit.
func Section(mrkdwn string) Block {
	return Block{Type: "section", Text: &Text{Type: "mrkdwn", Text: format.Truncate(mrkdwn, format.MaxSectionText)}}
}

// Divider is a horizontal rule.
func Divider() Block { return Block{Type: "divider"} }

// Context is a small grey footer line.
func Context(mrkdwn string) Block {
	return Block{Type: "context", Elements: []Text{{Type: "mrkdwn", Text: mrkdwn}}}
}

// EmailBlocks lays out one bridged email: a header with sender and
// subject, the body, and a provenance footer. notes are appended as
// context lines, e.g. for withheld attachments.
func EmailBlocks(from, subject, body string, notes ...string) []Block {
	blocks := []Block{
		Section("*From:* " + format.EscapeMrkdwn(from) + "\n*Subject:* " + format.EscapeMrkdwn(subject)),
		Divider(),
	}
	if strings.TrimSpace(body) != "" {
		blocks = append(blocks, Section(body))
	}
	for _, n := range notes {
		blocks = append(blocks, Context(n))
	}
	return append(blocks, Context(":email: Via Email Bridge"))
}

// EmailFallbackText is the notification text shown where blocks are not
// rendered.
func EmailFallbackText(from, subject string) string {
	return "Email from " + format.EscapeMrkdwn(from) + ": " + format.EscapeMrkdwn(subject)
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(format.EscapeMrkdwn(s), "|", "¦")
}
