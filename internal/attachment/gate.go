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

// Package attachment is the safety gate every bridged file passes through
// before it is forwarded.
//
// The gate fails open: when the scan service is unconfigured, unreachable
// or slow, the file is forwarded as UNSCANNED and a warning is logged. Only
// oversized files and files the scanner flags are withheld.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chatbridge/worker/internal/metrics"
	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/scanner"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxSize      = 10 * 1024 * 1024
	DefaultPollAttempts = 10
	DefaultPollInterval = 3 * time.Second
)

var errNotReady = errors.New("analysis not completed")

// Scanner submits content and reports analysis state.
type Scanner interface {
	Submit(ctx context.Context, filename string, content []byte) (string, error)
	Analysis(ctx context.Context, id string) (*scanner.Analysis, error)
}

// FileRecorder persists one FileObject per evaluation and audits
// malicious content.
type FileRecorder interface {
	InsertFileObject(ctx context.Context, f *models.FileObject) error
	InsertAudit(ctx context.Context, action string, metadata map[string]any) error
}

// Alerter raises the critical alert for malicious content.
type Alerter interface {
	VirusDetected(ctx context.Context, filename, source string, details map[string]any)
}

// Config tunes the gate.
type Config struct {
	MaxSize      int64
	PollAttempts int
	PollInterval time.Duration
}

// File is one attachment to evaluate. Source is "email" or "chat".
type File struct {
	Name       string
	MimeType   string
	Size       int64
	Content    []byte
	Source     string
	StorageURL string
}

// Verdict is the gate's decision for one file.
type Verdict struct {
	Allowed      bool
	Status       models.ScanStatus
	Reason       string
	Positives    int
	Total        int
	Permalink    string
	FileObjectID string
}

// Gate evaluates attachments. The scanner and cache may be nil.
type Gate struct {
	cfg     Config
	scanner Scanner
	cache   *VerdictCache
	files   FileRecorder
	alerts  Alerter
	metrics *metrics.Metrics
}

// NewGate builds a Gate.
func NewGate(cfg Config, sc Scanner, cache *VerdictCache, files FileRecorder, alerts Alerter, m *metrics.Metrics) *Gate {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Gate{cfg: cfg, scanner: sc, cache: cache, files: files, alerts: alerts, metrics: m}
}

// WithinLimit reports whether a file of the given size may be fetched at
// all. Callers use it to skip downloads the gate would reject anyway.
func (g *Gate) WithinLimit(size int64) bool {
	return size <= g.cfg.MaxSize
}

// MaxSize is the configured ceiling in bytes.
func (g *Gate) MaxSize() int64 { return g.cfg.MaxSize }

// Evaluate decides whether f may be forwarded. An error means the
// evaluation itself could not be recorded and the job should retry.
func (g *Gate) Evaluate(ctx context.Context, f File) (Verdict, error) {
	size := f.Size
	if n := int64(len(f.Content)); n > size {
		size = n
	}

	var v Verdict
	var sum string
	if size > g.cfg.MaxSize {
		v = Verdict{
			Status: models.ScanRejected,
			Reason: fmt.Sprintf("File too large: %d bytes (max: %d)", size, g.cfg.MaxSize),
		}
	} else {
		digest := sha256.Sum256(f.Content)
		sum = hex.EncodeToString(digest[:])

		var err error
		v, err = g.scan(ctx, f, sum)
		if err != nil {
			return Verdict{}, err
		}
	}

	obj := &models.FileObject{
		Filename:   f.Name,
		MimeType:   f.MimeType,
		Size:       size,
		SHA256:     sum,
		ScanStatus: v.Status,
		ScanResult: firstNonEmpty(v.Permalink, v.Reason),
		StorageURL: f.StorageURL,
	}
	if err := g.files.InsertFileObject(ctx, obj); err != nil {
		return Verdict{}, fmt.Errorf("record file object: %w", err)
	}
	v.FileObjectID = obj.ID
	g.metrics.AttachmentVerdict(string(v.Status))

	if v.Status == models.ScanInfected {
		err := g.files.InsertAudit(ctx, models.AuditVirusDetected, map[string]any{
			"file_object_id": obj.ID,
			"filename":       f.Name,
			"source":         f.Source,
			"sha256":         sum,
			"positives":      v.Positives,
			"total":          v.Total,
			"permalink":      v.Permalink,
		})
		if err != nil {
			slog.Error("failed to audit malicious attachment", "filename", f.Name, "error", err)
		}
	}

	slog.Info("attachment evaluated",
		"filename", f.Name,
		"source", f.Source,
		"size", size,
		"status", v.Status,
		"allowed", v.Allowed,
		"file_object_id", obj.ID,
	)
	return v, nil
}

func (g *Gate) scan(ctx context.Context, f File, sum string) (Verdict, error) {
	if cached, ok := g.cache.Get(ctx, sum); ok {
		return cached, nil
	}

	if g.scanner == nil {
		slog.Warn("attachment scanner not configured, forwarding unscanned", "filename", f.Name)
		return unscanned("scanner not configured"), nil
	}

	id, err := g.scanner.Submit(ctx, f.Name, f.Content)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		slog.Warn("attachment scan submit failed, forwarding unscanned", "filename", f.Name, "error", err)
		return unscanned("scan submit failed"), nil
	}

	analysis, err := g.poll(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		slog.Warn("attachment scan did not complete, forwarding unscanned",
			"filename", f.Name,
			"analysis_id", id,
			"error", err,
		)
		return unscanned("scan timed out"), nil
	}

	v := Verdict{
		Allowed:   true,
		Status:    models.ScanClean,
		Positives: analysis.Stats.Positives(),
		Total:     analysis.Stats.Total(),
		Permalink: analysis.Permalink,
	}
	if v.Positives > 0 {
		v.Allowed = false
		v.Status = models.ScanInfected
		v.Reason = fmt.Sprintf("File failed virus scan: %d/%d engines detected malware", v.Positives, v.Total)

		slog.Warn("malicious attachment detected",
			"filename", f.Name,
			"source", f.Source,
			"positives", v.Positives,
			"total", v.Total,
		)
		if g.alerts != nil {
			g.alerts.VirusDetected(ctx, f.Name, f.Source, map[string]any{
				"sha256":    sum,
				"positives": v.Positives,
				"total":     v.Total,
				"permalink": v.Permalink,
			})
		}
	}

	g.cache.Set(ctx, sum, v)
	return v, nil
}

// poll waits one interval before each analysis fetch, for at most
// PollAttempts fetches.
func (g *Gate) poll(ctx context.Context, id string) (*scanner.Analysis, error) {
	var result *scanner.Analysis
	op := func() error {
		a, err := g.scanner.Analysis(ctx, id)
		if err != nil {
			return err
		}
		if !a.Completed() {
			return errNotReady
		}
		result = a
		return nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(g.cfg.PollInterval):
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.cfg.PollInterval), uint64(g.cfg.PollAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return result, nil
}

func unscanned(reason string) Verdict {
	return Verdict{Allowed: true, Status: models.ScanUnscanned, Reason: reason}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
