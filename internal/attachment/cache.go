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

package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatbridge/worker/internal/models"
)

const verdictKeyPrefix = "attachment:verdict:"

// VerdictCache remembers final scan verdicts by content digest so that the
// same bytes always get the same decision. A nil cache never hits.
type VerdictCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewVerdictCache creates a Redis-backed cache.
func NewVerdictCache(rdb *redis.Client, ttl time.Duration) *VerdictCache {
	return &VerdictCache{rdb: rdb, ttl: ttl}
}

type cachedVerdict struct {
	Allowed   bool   `json:"allowed"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Positives int    `json:"positives"`
	Total     int    `json:"total"`
	Permalink string `json:"permalink,omitempty"`
}

// Get returns the cached verdict for a digest. Redis errors count as a
// miss.
func (c *VerdictCache) Get(ctx context.Context, sum string) (Verdict, bool) {
	if c == nil {
		return Verdict{}, false
	}
	raw, err := c.rdb.Get(ctx, verdictKeyPrefix+sum).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("verdict cache read failed", "sha256", sum, "error", err)
		}
		return Verdict{}, false
	}
	var cv cachedVerdict
	if err := json.Unmarshal(raw, &cv); err != nil {
		slog.Warn("verdict cache entry corrupt", "sha256", sum, "error", err)
		return Verdict{}, false
	}
	return Verdict{
		Allowed:   cv.Allowed,
		Status:    models.ScanStatus(cv.Status),
		Reason:    cv.Reason,
		Positives: cv.Positives,
		Total:     cv.Total,
		Permalink: cv.Permalink,
	}, true
}

// Set stores a final verdict. Failures are logged only.
func (c *VerdictCache) Set(ctx context.Context, sum string, v Verdict) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(cachedVerdict{
		Allowed:   v.Allowed,
		Status:    string(v.Status),
		Reason:    v.Reason,
		Positives: v.Positives,
		Total:     v.Total,
		Permalink: v.Permalink,
	})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, verdictKeyPrefix+sum, raw, c.ttl).Err(); err != nil {
		slog.Warn("verdict cache write failed", "sha256", sum, "error", err)
	}
}
