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

// Package mailer submits outbound bridge email over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/chatbridge/worker/internal/config"
	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/models"
)

const (
	defaultTimeout = 30 * time.Second
	provider       = "smtp"
)

// Attachment is a file carried by an outbound message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is one outbound email. From, To and Subject are required.
type Message struct {
	From        models.EmailAddress
	ReplyTo     string
	To          []string
	Cc          []string
	Subject     string
	HTML        string
	Text        string
	InReplyTo   string
	References  []string
	Headers     map[string]string
	Attachments []Attachment
}

// Sender delivers messages through one SMTP submission server.
type Sender struct {
	cfg     config.SMTPConfig
	tokens  oauth2.TokenSource
	timeout time.Duration
	now     func() time.Time
}

// NewSender builds a Sender. When cfg.TokenURL is set the connection
// authenticates with OAUTHBEARER using a client-credentials token,
// otherwise with PLAIN if a username is configured.
func NewSender(ctx context.Context, cfg config.SMTPConfig) *Sender {
	s := &Sender{cfg: cfg, timeout: defaultTimeout, now: time.Now}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		s.tokens = oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
	}
	return s
}

// Send submits msg and returns the Message-ID it was assigned, without
// angle brackets.
func (s *Sender) Send(ctx context.Context, msg Message) (string, error) {
	if msg.From.Address == "" {
		return "", errs.Validation("from", "sender address is required")
	}
	if len(msg.To) == 0 {
		return "", errs.Validation("to", "at least one recipient is required")
	}

	messageID := NewMessageID(msg.From.Address)
	raw, err := buildMessage(msg, messageID, s.now())
	if err != nil {
		return "", errs.Validation("body", "build MIME message: %v", err)
	}

	c, err := s.connect(ctx)
	if err != nil {
		return "", classify(err)
	}
	defer c.Close()

	if err := s.authenticate(c); err != nil {
		return "", classify(err)
	}

	if err := c.Mail(msg.From.Address, nil); err != nil {
		return "", classify(err)
	}
	for _, rcpt := range append(append([]string{}, msg.To...), msg.Cc...) {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return "", classify(fmt.Errorf("rcpt %s: %w", rcpt, err))
		}
	}
	w, err := c.Data()
	if err != nil {
		return "", classify(err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", classify(err)
	}
	if err := w.Close(); err != nil {
		return "", classify(err)
	}

	if err := c.Quit(); err != nil {
		// The message was accepted at end of DATA.
		slog.Debug("smtp quit failed", "error", err)
	}
	return messageID, nil
}

func (s *Sender) connect(ctx context.Context) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("parse smtp addr %q: %w", s.cfg.Addr, err)
	}
	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	dialer := &net.Dialer{Timeout: s.timeout}
	var conn net.Conn
	if s.cfg.TLSMode == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", s.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c := smtp.NewClient(conn)
	c.CommandTimeout = s.timeout
	c.SubmissionTimeout = 2 * s.timeout

	helloName := s.cfg.HelloName
	if helloName == "" {
		helloName = "localhost"
	}
	if err := c.Hello(helloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	if s.cfg.TLSMode == "starttls" {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return c, nil
}

func (s *Sender) authenticate(c *smtp.Client) error {
	switch {
	case s.tokens != nil:
		tok, err := s.tokens.Token()
		if err != nil {
			return fmt.Errorf("fetch smtp oauth token: %w", err)
		}
		return c.Auth(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: s.cfg.Username,
			Token:    tok.AccessToken,
		}))
	case s.cfg.Username != "":
		return c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password))
	}
	return nil
}

// classify maps SMTP failures onto the retry taxonomy: 4xx replies and
// transport errors are transient, 5xx replies are permanent.
func classify(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &errs.DeliveryError{
			Provider:  provider,
			Code:      strconv.Itoa(se.Code),
			Retryable: se.Code < 500,
			Err:       err,
		}
	}
	return &errs.DeliveryError{Provider: provider, Retryable: true, Err: err}
}

// NewMessageID returns a globally unique id in the sender's domain.
func NewMessageID(from string) string {
	return newID() + "@" + domainOf(from)
}
