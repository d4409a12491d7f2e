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

// Package slack is a minimal Web API client for the calls the bridge
// makes: posting messages, uploading files, looking up users and fetching
// private file content.
//
// Every call takes the workspace bot token explicitly, so one Client
// serves all installed workspaces.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/metrics"
)

const (
	// DefaultBaseURL is the root of the Web API.
	DefaultBaseURL = "https://slack.com/api"

	provider = "chat"
)

// API error codes that clear up on their own.
var retryableCodes = map[string]bool{
	"ratelimited":         true,
	"internal_error":      true,
	"service_unavailable": true,
	"timeout":             true,
	"request_timeout":     true,
	"fatal_error":         true,
}

// Client calls the Web API. All calls share one rate limiter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
}

// NewClient creates a client. requestsPerSecond <= 0 disables client-side
// rate limiting.
func NewClient(httpClient *http.Client, baseURL string, requestsPerSecond float64, m *metrics.Metrics) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    m,
	}
}

// Upload is a file to attach to a posted message.
type Upload struct {
	Filename string
	Title    string
	Content  []byte
}

// PostMessage is one chat.postMessage call. Files are uploaded first and
// linked from the message.
type PostMessage struct {
	Channel  string
	Text     string
	Blocks   []Block
	ThreadTS string
	Files    []Upload
}

// User is the subset of users.info the bridge needs.
type User struct {
	ID       string
	Name     string
	RealName string
	Email    string
	IsBot    bool
}

// DisplayName is the best human-readable name for the user.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return "Chat User"
	case u.RealName != "":
		return u.RealName
	case u.Name != "":
		return u.Name
	}
	return "Chat User"
}

type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Warning string `json:"warning"`
}

func (r *apiResponse) envelope() *apiResponse { return r }

type enveloped interface{ envelope() *apiResponse }

// PostMessage uploads msg.Files, then posts the message and returns its ts.
func (c *Client) PostMessage(ctx context.Context, token string, msg PostMessage) (string, error) {
	start := time.Now()
	ts, err := c.postMessage(ctx, token, msg)
	c.metrics.Delivery(provider, err, time.Since(start))
	return ts, err
}

func (c *Client) postMessage(ctx context.Context, token string, msg PostMessage) (string, error) {
	if len(msg.Files) > 0 {
		links := make([]string, 0, len(msg.Files))
		for _, f := range msg.Files {
			permalink, err := c.uploadFile(ctx, token, f)
			if err != nil {
				return "", err
			}
			links = append(links, "<"+permalink+"|"+escapeLabel(f.Filename)+">")
		}
		list := ":paperclip: " + strings.Join(links, "\n:paperclip: ")
		msg.Blocks = append(msg.Blocks, Section(list))
		msg.Text += "\n" + list
	}

	body := map[string]any{
		"channel":      msg.Channel,
		"text":         msg.Text,
		"unfurl_links": false,
	}
	if len(msg.Blocks) > 0 {
		body["blocks"] = msg.Blocks
	}
	if msg.ThreadTS != "" {
		body["thread_ts"] = msg.ThreadTS
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", errs.Validation("blocks", "marshal message: %v", err)
	}

	var out struct {
		apiResponse
		TS string `json:"ts"`
	}
	if err := c.call(ctx, token, "chat.postMessage", "application/json; charset=utf-8", bytes.NewReader(raw), &out); err != nil {
		return "", err
	}
	return out.TS, nil
}

// uploadFile runs the external upload flow and returns the file permalink.
func (c *Client) uploadFile(ctx context.Context, token string, f Upload) (string, error) {
	var ticket struct {
		apiResponse
		UploadURL string `json:"upload_url"`
		FileID    string `json:"file_id"`
	}
	form := url.Values{
		"filename": {f.Filename},
		"length":   {strconv.Itoa(len(f.Content))},
	}
	if err := c.callForm(ctx, token, "files.getUploadURLExternal", form, &ticket); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ticket.UploadURL, bytes.NewReader(f.Content))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(fmt.Errorf("upload %s: %w", f.Filename, err))
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err := statusError(resp); err != nil {
		return "", err
	}

	title := f.Title
	if title == "" {
		title = f.Filename
	}
	files, _ := json.Marshal([]map[string]string{{"id": ticket.FileID, "title": title}})
	var done struct {
		apiResponse
		Files []struct {
			ID        string `json:"id"`
			Permalink string `json:"permalink"`
		} `json:"files"`
	}
	if err := c.callForm(ctx, token, "files.completeUploadExternal", url.Values{"files": {string(files)}}, &done); err != nil {
		return "", err
	}
	if len(done.Files) == 0 || done.Files[0].Permalink == "" {
		return "", &errs.DeliveryError{Provider: provider, Code: "no_permalink", Retryable: true,
			Err: fmt.Errorf("upload of %s completed without a permalink", f.Filename)}
	}
	return done.Files[0].Permalink, nil
}

// UserInfo looks up a user by id.
func (c *Client) UserInfo(ctx context.Context, token, userID string) (*User, error) {
	var out struct {
		apiResponse
		User struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			RealName string `json:"real_name"`
			IsBot    bool   `json:"is_bot"`
			Profile  struct {
				Email string `json:"email"`
			} `json:"profile"`
		} `json:"user"`
	}
	if err := c.callForm(ctx, token, "users.info", url.Values{"user": {userID}}, &out); err != nil {
		return nil, err
	}
	return &User{
		ID:       out.User.ID,
		Name:     out.User.Name,
		RealName: out.User.RealName,
		Email:    out.User.Profile.Email,
		IsBot:    out.User.IsBot,
	}, nil
}

// DownloadFile fetches private file content, reading at most maxBytes.
func (c *Client) DownloadFile(ctx context.Context, token, fileURL string, maxBytes int64) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, errs.Validation("url", "bad file url: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(fmt.Errorf("download file: %w", err))
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, transportError(fmt.Errorf("read file: %w", err))
	}
	if int64(len(data)) > maxBytes {
		return nil, errs.Validation("file", "download exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func (c *Client) callForm(ctx context.Context, token, method string, form url.Values, out enveloped) error {
	return c.call(ctx, token, method, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), out)
}

func (c *Client) call(ctx context.Context, token, method, contentType string, body io.Reader, out enveloped) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportError(fmt.Errorf("%s: decode response: %w", method, err))
	}

	env := out.envelope()
	if env.Warning != "" {
		slog.Debug("chat api warning", "method", method, "warning", env.Warning)
	}
	if !env.OK {
		return apiError(method, env.Error)
	}
	return nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &errs.RateLimitError{Provider: provider, RetryAfter: time.Duration(secs) * time.Second}
	case resp.StatusCode >= 500:
		return &errs.DeliveryError{Provider: provider, Code: strconv.Itoa(resp.StatusCode), Retryable: true}
	case resp.StatusCode != http.StatusOK:
		return &errs.DeliveryError{Provider: provider, Code: strconv.Itoa(resp.StatusCode)}
	}
	return nil
}

func apiError(method, code string) error {
	if code == "ratelimited" {
		return &errs.RateLimitError{Provider: provider}
	}
	return &errs.DeliveryError{
		Provider:  provider,
		Code:      code,
		Retryable: retryableCodes[code],
		Err:       fmt.Errorf("%s returned %s", method, code),
	}
}

func transportError(err error) error {
	return &errs.DeliveryError{Provider: provider, Retryable: true, Err: err}
}
