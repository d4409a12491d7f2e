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
	"strings"
	"testing"
	"unicode/utf8"
)

func TestStripSignature(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"dash delimiter", "Hello team\n-- \nJane Doe\nACME", "Hello team"},
		{"mobile footer", "Quick note\n\nSent from my iPhone", "Quick note"},
		{"outlook footer", "See attached\nGet Outlook for iOS", "See attached"},
		{"no signature", "Just a body", "Just a body"},
		{"crlf", "Body\r\n--\r\nSig", "Body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripSignature(tt.in); got != tt.want {
				t.Errorf("StripSignature(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripQuoted(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"gmail", "Sounds good\n\nOn Mon, Jan 1, 2026 at 9:00 AM Bob <bob@x.com> wrote:\n> earlier", "Sounds good"},
		{"outlook", "Thanks\nFrom: Bob\nSent: Monday", "Thanks"},
		{"angle quote", "Reply here\n> quoted line", "Reply here"},
		{"original message", "Ack\n----- Original Message -----\nFrom: x", "Ack"},
		{"all quote kept", "> only quoted", "> only quoted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripQuoted(tt.in); got != tt.want {
				t.Errorf("StripQuoted(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestEmailBody_PrefersText verifies the text part wins over HTML and
// runs of blank lines collapse.
func TestEmailBody_PrefersText(t *testing.T) {
	got := EmailBody("Plain body\n\n\n\nSecond para", "<p>HTML body</p>")
	if want := "Plain body\n\nSecond para"; got != want {
		t.Errorf("EmailBody = %q, want %q", got, want)
	}
}

func TestEmailBody_FallsBackToHTML(t *testing.T) {
	got := EmailBody("", "<html><body><p>Hello <b>world</b></p></body></html>")
	if !strings.Contains(got, "Hello") || !strings.Contains(got, "world") {
		t.Errorf("EmailBody = %q, want the HTML text", got)
	}
	if strings.Contains(got, "<p>") {
		t.Errorf("EmailBody = %q, still contains tags", got)
	}
}

func TestEmailToMrkdwn_EscapesControlCharacters(t *testing.T) {
	got := EmailToMrkdwn("if a < b && c > d", "")
	if want := "if a &lt; b &amp;&amp; c &gt; d"; got != want {
		t.Errorf("EmailToMrkdwn = %q, want %q", got, want)
	}
}

// TestTruncate verifies the cut lands on a rune boundary and stays under
// the byte limit.
func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}

	long := strings.Repeat("é", 2000) // 4000 bytes
	got := Truncate(long, MaxSectionText)
	if len(got) > MaxSectionText {
		t.Errorf("len = %d, want <= %d", len(got), MaxSectionText)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated text is not valid UTF-8")
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated text %q has no ellipsis", got[len(got)-8:])
	}
}

func TestMrkdwnToHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "this is *important*", "this is <strong>important</strong>"},
		{"italic", "_really_ now", "<em>really</em> now"},
		{"strike", "~gone~", "<s>gone</s>"},
		{"inline code", "run `make *all*`", "run <code>make *all*</code>"},
		{"code block", "```\nx := <-ch\n```", "<pre>x := &lt;-ch</pre>"},
		{"link with label", "see <https://example.com/a?b=1&amp;c=2|the docs>", `see <a href="https://example.com/a?b=1&amp;c=2">the docs</a>`},
		{"bare link", "<https://example.com>", `<a href="https://example.com">https://example.com</a>`},
		{"mailto", "<mailto:bob@example.com|Bob>", `<a href="mailto:bob@example.com">Bob</a>`},
		{"unsafe scheme", "<javascript:alert(1)|click>", "click"},
		{"user mention", "hi <@U123|alice>", "hi @alice"},
		{"channel mention", "<#C1|general>", "#general"},
		{"here", "<!here> heads up", "@here heads up"},
		{"escaped entities", "a &lt; b", "a &lt; b"},
		{"html stays text", "&lt;b&gt;x&lt;/b&gt; &amp; y", "&lt;b&gt;x&lt;/b&gt; &amp; y"},
		{"newlines", "line1\nline2", "line1<br>line2"},
		{"snake_case untouched", "my_var_name", "my_var_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MrkdwnToHTML(tt.in); got != tt.want {
				t.Errorf("MrkdwnToHTML(%q)\n got  %q\n want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMrkdwnToText(t *testing.T) {
	in := "ping <@U1|alice>: see <https://x.example|docs> &amp; <https://y.example>"
	want := "ping @alice: see docs (https://x.example) & https://y.example"
	if got := MrkdwnToText(in); got != want {
		t.Errorf("MrkdwnToText = %q, want %q", got, want)
	}
}

// TestRenderEmailHTML verifies header fields are escaped while converted
// content is inserted as HTML.
func TestRenderEmailHTML(t *testing.T) {
	out, err := RenderEmailHTML(EmailPage{
		ChannelName: "support",
		SenderName:  "Dave <script>",
		ContentHTML: MrkdwnToHTML("*hello*"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		`<span class="channel">#support</span>`,
		"By Dave &lt;script&gt;",
		"<strong>hello</strong>",
		defaultFooter,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
