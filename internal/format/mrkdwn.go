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

package format

import (
	"html"
	"regexp"
	"strings"
)

var (
	controlSequence = regexp.MustCompile(`<([^<>\n]+)>`)
	boldPattern     = regexp.MustCompile(`(^|[\s(])\*([^*\n]+)\*`)
	italicPattern   = regexp.MustCompile(`(^|[\s(])_([^_\n]+)_`)
	strikePattern   = regexp.MustCompile(`(^|[\s(])~([^~\n]+)~`)

	entityReplacer = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")
	escapeReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
)

// EscapeMrkdwn escapes the three characters chat mrkdwn reserves for
// control sequences.
func EscapeMrkdwn(s string) string {
	return escapeReplacer.Replace(s)
}

// MrkdwnToHTML renders chat mrkdwn as an HTML fragment. All literal text is
// HTML-escaped; only links with http, https or mailto targets become
// anchors.
func MrkdwnToHTML(text string) string {
	var b strings.Builder
	fences := strings.Split(text, "```")
	for i, part := range fences {
		if i%2 == 1 && i < len(fences)-1 {
			b.WriteString("<pre>")
			b.WriteString(html.EscapeString(entityReplacer.Replace(strings.Trim(part, "\n"))))
			b.WriteString("</pre>")
			continue
		}
		if i%2 == 1 {
			// Unterminated fence.
			part = "```" + part
		}
		b.WriteString(inlineHTML(part))
	}
	return b.String()
}

// MrkdwnToText renders chat mrkdwn as plain text for the text/plain part.
func MrkdwnToText(text string) string {
	out := controlSequence.ReplaceAllStringFunc(text, func(m string) string {
		target, label := splitControl(m[1 : len(m)-1])
		switch {
		case strings.HasPrefix(target, "@"), strings.HasPrefix(target, "#"):
			if label != "" {
				return target[:1] + strings.TrimPrefix(label, target[:1])
			}
			return target
		case strings.HasPrefix(target, "!"):
			return specialMention(target, label)
		case label != "" && label != target:
			return label + " (" + strings.TrimPrefix(target, "mailto:") + ")"
		default:
			return strings.TrimPrefix(target, "mailto:")
		}
	})
	return entityReplacer.Replace(out)
}

func inlineHTML(s string) string {
	var b strings.Builder
	last := 0
	for _, m := range controlSequence.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(styledHTML(s[last:m[0]]))
		b.WriteString(controlHTML(s[m[2]:m[3]]))
		last = m[1]
	}
	b.WriteString(styledHTML(s[last:]))
	return strings.ReplaceAll(b.String(), "\n", "<br>")
}

// styledHTML escapes a run of plain mrkdwn and applies inline styles.
// Backtick spans are emitted verbatim inside <code>.
func styledHTML(s string) string {
	var b strings.Builder
	spans := strings.Split(s, "`")
	for i, span := range spans {
		escaped := html.EscapeString(entityReplacer.Replace(span))
		if i%2 == 1 && i < len(spans)-1 {
			b.WriteString("<code>" + escaped + "</code>")
			continue
		}
		if i%2 == 1 {
			escaped = "`" + escaped
		}
		escaped = boldPattern.ReplaceAllString(escaped, "${1}<strong>${2}</strong>")
		escaped = italicPattern.ReplaceAllString(escaped, "${1}<em>${2}</em>")
		escaped = strikePattern.ReplaceAllString(escaped, "${1}<s>${2}</s>")
		b.WriteString(escaped)
	}
	return b.String()
}

func controlHTML(inner string) string {
	target, label := splitControl(inner)
	switch {
	case strings.HasPrefix(target, "@"), strings.HasPrefix(target, "#"):
		text := target
		if label != "" {
			text = target[:1] + strings.TrimPrefix(label, target[:1])
		}
		return html.EscapeString(text)
	case strings.HasPrefix(target, "!"):
		return html.EscapeString(specialMention(target, label))
	}

	if label == "" {
		label = strings.TrimPrefix(target, "mailto:")
	}
	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "mailto:") {
		return html.EscapeString(entityReplacer.Replace(label))
	}
	return `<a href="` + html.EscapeString(entityReplacer.Replace(target)) + `">` +
		html.EscapeString(entityReplacer.Replace(label)) + `</a>`
}

// specialMention renders <!here>, <!channel> and labelled specials such as
// <!subteam^S1|@oncall>.
func specialMention(target, label string) string {
	if label != "" {
		return label
	}
	return "@" + strings.TrimPrefix(target, "!")
}

func splitControl(inner string) (target, label string) {
	target, label, _ = strings.Cut(inner, "|")
	return target, label
}
