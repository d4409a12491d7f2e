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

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/chatbridge/worker/internal/mailer"
	"github.com/chatbridge/worker/internal/models"
)

var severityColor = map[Severity]string{
	SeverityWarning:  "#FFA500",
	SeverityError:    "#FF0000",
	SeverityCritical: "#8B0000",
}

// WebhookReceiver posts alerts to a chat incoming-webhook URL.
type WebhookReceiver struct {
	httpClient *http.Client
	url        string
}

// NewWebhookReceiver returns nil when url is empty.
func NewWebhookReceiver(httpClient *http.Client, url string) Receiver {
	if url == "" {
		return nil
	}
	return &WebhookReceiver{httpClient: httpClient, url: url}
}

func (w *WebhookReceiver) Name() string { return "webhook" }

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Title  string         `json:"title"`
	Text   string         `json:"text,omitempty"`
	Fields []webhookField `json:"fields"`
	Footer string         `json:"footer"`
	TS     int64          `json:"ts"`
}

func (w *WebhookReceiver) Send(ctx context.Context, a *Alert) error {
	att := webhookAttachment{
		Color: severityColor[a.Severity],
		Title: a.Title,
		Fields: []webhookField{
			{Title: "Type", Value: string(a.Type), Short: true},
			{Title: "Severity", Value: strings.ToUpper(string(a.Severity)), Short: true},
			{Title: "Message", Value: a.Message},
		},
		Footer: "ChatBridge Worker",
		TS:     a.Timestamp.Unix(),
	}
	if len(a.Details) > 0 {
		details, _ := json.MarshalIndent(a.Details, "", "  ")
		att.Text = "```" + string(details) + "```"
	}

	body, err := json.Marshal(map[string]any{"attachments": []webhookAttachment{att}})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// MailSender is the subset of mailer.Sender used for alert email.
type MailSender interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// EmailReceiver mails alerts to an operator address.
type EmailReceiver struct {
	sender MailSender
	from   string
	to     string
}

// NewEmailReceiver returns nil when to is empty.
func NewEmailReceiver(sender MailSender, from, to string) Receiver {
	if to == "" {
		return nil
	}
	return &EmailReceiver{sender: sender, from: from, to: to}
}

func (e *EmailReceiver) Name() string { return "email" }

func (e *EmailReceiver) Send(ctx context.Context, a *Alert) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(a.Title))
	fmt.Fprintf(&b, "<p><strong>Type:</strong> %s</p>", html.EscapeString(string(a.Type)))
	fmt.Fprintf(&b, "<p><strong>Severity:</strong> %s</p>", html.EscapeString(string(a.Severity)))
	fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(a.Message))

	text := fmt.Sprintf("%s\n\nType: %s\nSeverity: %s\n\n%s\n", a.Title, a.Type, a.Severity, a.Message)
	if len(a.Details) > 0 {
		details, _ := json.MarshalIndent(a.Details, "", "  ")
		fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(string(details)))
		text += "\n" + string(details) + "\n"
	}

	_, err := e.sender.Send(ctx, mailer.Message{
		From:    models.EmailAddress{Name: "ChatBridge Alerts", Address: e.from},
		To:      []string{e.to},
		Subject: "[ChatBridge Alert] " + a.Title,
		HTML:    b.String(),
		Text:    text,
	})
	return err
}
