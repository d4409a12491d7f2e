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

// Package format converts message content between email (plain text and
// HTML) and chat mrkdwn.
package format

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jaytaylor/html2text"
)

// MaxSectionText is the chat API's limit for a section block's text.
const MaxSectionText = 3000

var (
	signaturePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\n--\s*\n`),
		regexp.MustCompile(`\n---+\s*\n`),
		regexp.MustCompile(`(?i)\nSent from my (iPhone|iPad|Android)`),
		regexp.MustCompile(`(?i)\nGet Outlook for`),
	}

	quotePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\n\s*On .+ wrote:`),
		regexp.MustCompile(`\n\s*From:.+\n\s*Sent:`),
		regexp.MustCompile(`\n\s*-+\s*Original Message\s*-+`),
		regexp.MustCompile(`\n\s*>`),
	}

	tagPattern       = regexp.MustCompile(`<[^>]+>`)
	blankLinePattern = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText renders an HTML email body as readable plain text.
func HTMLToText(body string) string {
	text, err := html2text.FromString(body, html2text.Options{})
	if err != nil {
		slog.Warn("html2text failed, stripping tags", "error", err)
		return strings.TrimSpace(tagPattern.ReplaceAllString(body, ""))
	}
	return text
}

// StripSignature cuts the text at the first common signature delimiter.
func StripSignature(text string) string {
	return cutAtFirst(text, signaturePatterns)
}

// StripQuoted cuts the text at the first reply-quote marker.
func StripQuoted(text string) string {
	return cutAtFirst(text, quotePatterns)
}

func cutAtFirst(text string, patterns []*regexp.Regexp) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	cut := len(text)
	for _, p := range patterns {
		// Index 0 would leave nothing; a message that is all quote keeps it.
		if loc := p.FindStringIndex(text); loc != nil && loc[0] > 0 && loc[0] < cut {
			cut = loc[0]
		}
	}
	return strings.TrimSpace(text[:cut])
}

// EmailBody picks the best plain-text rendering of an email: the text part
// if present, otherwise the HTML part converted to text. Signatures and
// quoted replies are removed.
func EmailBody(text, html string) string {
	if strings.TrimSpace(text) == "" && html != "" {
		text = HTMLToText(html)
	}
	text = StripQuoted(StripSignature(text))
	return blankLinePattern.ReplaceAllString(text, "\n\n")
}

// EmailToMrkdwn converts an email body to chat mrkdwn, truncated to fit a
// single section block.
func EmailToMrkdwn(text, html string) string {
	return Truncate(EscapeMrkdwn(EmailBody(text, html)), MaxSectionText)
}

// Truncate shortens s to at most max bytes on a rune boundary, marking the
// cut with an ellipsis.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const marker = "…"
	cut := max - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
