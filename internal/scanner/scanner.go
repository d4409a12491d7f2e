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

// Package scanner is a client for the VirusTotal v3 file analysis API.
//
// API docs: https://docs.virustotal.com/reference/files-scan
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the root of the v3 API.
const DefaultBaseURL = "https://www.virustotal.com/api/v3"

// Client submits files and fetches analysis results. All calls share one
// rate limiter; the public API tier allows four requests per minute.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// NewClient creates a scanner client. requestsPerMinute <= 0 disables
// client-side rate limiting.
func NewClient(httpClient *http.Client, baseURL, apiKey string, requestsPerMinute int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Stats are the per-engine verdict counts of a completed analysis.
type Stats struct {
	Malicious        int `json:"malicious"`
	Suspicious       int `json:"suspicious"`
	Undetected       int `json:"undetected"`
	Harmless         int `json:"harmless"`
	Timeout          int `json:"timeout"`
	ConfirmedTimeout int `json:"confirmed-timeout"`
	Failure          int `json:"failure"`
	TypeUnsupported  int `json:"type-unsupported"`
}

// Positives is the number of engines that flagged the file.
func (s Stats) Positives() int { return s.Malicious + s.Suspicious }

// Total is the number of engines that reported.
func (s Stats) Total() int {
	return s.Malicious + s.Suspicious + s.Undetected + s.Harmless +
		s.Timeout + s.ConfirmedTimeout + s.Failure + s.TypeUnsupported
}

// Analysis is the state of one submitted file.
type Analysis struct {
	ID        string
	Status    string // "queued", "in-progress" or "completed"
	Stats     Stats
	Permalink string
}

// Completed reports whether the verdict counts are final.
func (a *Analysis) Completed() bool { return a.Status == "completed" }

type analysisResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status string `json:"status"`
			Stats  Stats  `json:"stats"`
		} `json:"attributes"`
		Links struct {
			Self string `json:"self"`
		} `json:"links"`
	} `json:"data"`
}

// Submit uploads file content for analysis and returns the analysis id.
func (c *Client) Submit(ctx context.Context, filename string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out analysisResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("submit file: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("submit file: response carried no analysis id")
	}
	return out.Data.ID, nil
}

// Analysis fetches the current state of an analysis.
func (c *Client) Analysis(ctx context.Context, id string) (*Analysis, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/analyses/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	var out analysisResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", id, err)
	}
	return &Analysis{
		ID:        out.Data.ID,
		Status:    out.Data.Attributes.Status,
		Stats:     out.Data.Attributes.Stats,
		Permalink: out.Data.Links.Self,
	}, nil
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
