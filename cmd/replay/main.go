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

// Chat bridge replay command
//
// Operator CLI over the message log. It lists deliveries, prints
// delivery statistics and re-enqueues FAILED messages from their retained
// payloads. Results are written to stdout as JSON.
//
// Usage:
//
//	go run ./cmd/replay/ [--status FAILED] [--direction EMAIL_TO_CHAT] [--page 1] [--limit 50]
//	go run ./cmd/replay/ --stats [--since 24h]
//	go run ./cmd/replay/ --retry <message-log-id> [--by alice]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chatbridge/worker/internal/admin"
	"github.com/chatbridge/worker/internal/config"
	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/queue"
	"github.com/chatbridge/worker/internal/store"
)

func main() {
	// Logs go to stderr so stdout stays machine-readable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	statusFlag := flag.String("status", "", "Filter by status: PENDING, DELIVERED or FAILED")
	directionFlag := flag.String("direction", "", "Filter by direction: EMAIL_TO_CHAT or CHAT_TO_EMAIL")
	aliasFlag := flag.String("alias", "", "Filter by channel alias ID")
	pageFlag := flag.Int("page", 1, "Page number (1-based)")
	limitFlag := flag.Int("limit", admin.DefaultLimit, "Rows per page (max 100)")
	statsFlag := flag.Bool("stats", false, "Print delivery counts instead of listing messages")
	sinceFlag := flag.Duration("since", 24*time.Hour, "Lookback window for --stats")
	retryFlag := flag.String("retry", "", "Message log ID of a FAILED message to re-enqueue")
	byFlag := flag.String("by", "", "Operator recorded in the audit trail (default: current OS user)")
	flag.Parse()

	if *statsFlag && *retryFlag != "" {
		fmt.Fprintf(os.Stderr, "Error: --stats and --retry are mutually exclusive\n\n")
		flag.Usage()
		os.Exit(2)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	st, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	q, err := queue.New(rdb, queue.Options{
		Prefix:            cfg.Queue.Prefix,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Retention:         cfg.Queue.PayloadRetention,
	})
	if err != nil {
		slog.Error("failed to initialise queue", "error", err)
		os.Exit(1)
	}
	if err := q.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	svc := admin.New(st, q)

	var out any
	switch {
	case *retryFlag != "":
		out, err = svc.Retry(ctx, *retryFlag, operator(*byFlag))
	case *statsFlag:
		out, err = svc.Stats(ctx, time.Now().Add(-*sinceFlag))
	default:
		out, err = svc.ListMessages(ctx, admin.Filter{
			Direction: models.Direction(*directionFlag),
			Status:    models.MessageStatus(*statusFlag),
			AliasID:   *aliasFlag,
			Page:      *pageFlag,
			Limit:     *limitFlag,
		})
	}
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCode(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		slog.Error("failed to write output", "error", err)
		os.Exit(1)
	}
}

func operator(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// exitCode maps caller mistakes to 2 and everything else to 1.
func exitCode(err error) int {
	if errs.IsNotFound(err) || errs.IsValidation(err) {
		return 2
	}
	return 1
}
