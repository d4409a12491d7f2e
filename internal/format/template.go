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
	"bytes"
	"fmt"
	"html/template"
)

const defaultFooter = "Reply to this email to respond in the chat channel."

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
  .header { border-bottom: 2px solid #4A154B; padding-bottom: 10px; margin-bottom: 20px; }
  .channel { color: #4A154B; font-weight: bold; }
  .footer { border-top: 1px solid #ddd; padding-top: 10px; margin-top: 20px; font-size: 12px; color: #666; }
  code, pre { background: #f4f4f4; border-radius: 3px; font-family: monospace; }
  pre { padding: 10px; overflow-x: auto; }
</style>
</head>
<body>
{{- if or .ChannelName .SenderName}}
<div class="header">
  {{- if .ChannelName}}<div>Posted in <span class="channel">#{{.ChannelName}}</span></div>{{end}}
  {{- if .SenderName}}<div>By {{.SenderName}}</div>{{end}}
</div>
{{- end}}
<div class="content">{{.Content}}</div>
<div class="footer">{{.Footer}}</div>
</body>
</html>
`))

// EmailPage is the data for an outbound email body.
type EmailPage struct {
	ChannelName string
	SenderName  string
	// ContentHTML must already be safe HTML, as produced by MrkdwnToHTML.
	ContentHTML string
	Footer      string
}

// RenderEmailHTML wraps converted chat content in the outbound email
// layout.
func RenderEmailHTML(p EmailPage) (string, error) {
	footer := p.Footer
	if footer == "" {
		footer = defaultFooter
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		ChannelName string
		SenderName  string
		Content     template.HTML
		Footer      string
	}{
		ChannelName: p.ChannelName,
		SenderName:  p.SenderName,
		Content:     template.HTML(p.ContentHTML),
		Footer:      footer,
	})
	if err != nil {
		return "", fmt.Errorf("render email html: %w", err)
	}
	return buf.String(), nil
}
