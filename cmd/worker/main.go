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

// Chat bridge worker
//
// Entry point for the bridge worker. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Wires the attachment gate, chat client, mailer and alerting
//  4. Runs the email-in and chat-in worker pools
//  5. Serves /health and /metrics
//  6. Drains in-flight jobs on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chatbridge/worker/internal/attachment"
	"github.com/chatbridge/worker/internal/blobstore"
	"github.com/chatbridge/worker/internal/bridge"
	"github.com/chatbridge/worker/internal/config"
	"github.com/chatbridge/worker/internal/deadletter"
	"github.com/chatbridge/worker/internal/dedup"
	"github.com/chatbridge/worker/internal/mailer"
	"github.com/chatbridge/worker/internal/metrics"
	"github.com/chatbridge/worker/internal/models"
	"github.com/chatbridge/worker/internal/notify"
	"github.com/chatbridge/worker/internal/queue"
	"github.com/chatbridge/worker/internal/resolver"
	"github.com/chatbridge/worker/internal/scanner"
	"github.com/chatbridge/worker/internal/slack"
	"github.com/chatbridge/worker/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg))
	slog.Info("starting chat bridge worker",
		"email_workers", cfg.Queue.EmailWorkers,
		"chat_workers", cfg.Queue.ChatWorkers,
		"scanner_enabled", cfg.Scanner.APIKey != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

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
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	m := metrics.New()

	blobs, err := blobstore.NewLocal(cfg.BlobDir)
	if err != nil {
		slog.Error("failed to initialise blob store", "error", err)
		os.Exit(1)
	}

	q, err := queue.New(rdb, queue.Options{
		Prefix:            cfg.Queue.Prefix,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Retention:         cfg.Queue.PayloadRetention,
		Blobs:             blobs,
		Metrics:           m,
	})
	if err != nil {
		slog.Error("failed to initialise queue", "error", err)
		os.Exit(1)
	}
	if err := q.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	httpClient := &http.Client{Timeout: 30 * time.Second}

	// --- Outbound mail and alerting ---
	sender := mailer.NewSender(ctx, cfg.SMTP)

	var receivers []notify.Receiver
	if cfg.AlertWebhook != "" {
		receivers = append(receivers, notify.NewWebhookReceiver(httpClient, cfg.AlertWebhook))
	}
	if cfg.AlertEmail != "" {
		receivers = append(receivers, notify.NewEmailReceiver(sender, cfg.SMTP.From, cfg.AlertEmail))
	}
	alerts := notify.New(receivers...)

	// --- Attachment gate ---
	var sc attachment.Scanner
	if cfg.Scanner.APIKey != "" {
		sc = scanner.NewClient(httpClient, cfg.Scanner.BaseURL, cfg.Scanner.APIKey, cfg.Scanner.RequestsPerMinute)
	} else {
		slog.Warn("SCANNER_API_KEY not set, attachments will be forwarded unscanned")
	}
	gate := attachment.NewGate(attachment.Config{
		MaxSize:      cfg.Scanner.MaxFileSize,
		PollAttempts: cfg.Scanner.PollAttempts,
		PollInterval: cfg.Scanner.PollInterval,
	}, sc, attachment.NewVerdictCache(rdb, cfg.VerdictCacheTTL), st, alerts, m)

	// --- Processors ---
	processors := bridge.Processors(bridge.Deps{
		Ledger: dedup.NewLedger(rdb, cfg.IdempotencyTTL),
		Store:  st,
		Resolver: resolver.New(st, resolver.Config{
			ClaimTimeout: cfg.ThreadClaimTimeout,
			PendingDelay: cfg.ThreadPendingDelay,
		}),
		Chat:        slack.NewClient(httpClient, cfg.ChatAPIURL, cfg.ChatRequestsPerS, m),
		Mail:        sender,
		Gate:        gate,
		Blobs:       blobs,
		DeadLetters: deadletter.New(st, alerts),
	}, bridge.Options{
		FromAddress: cfg.SMTP.From,
		Footer:      cfg.PublicFooter,
		LedgerTTL:   cfg.IdempotencyTTL,
	})

	pool := queue.NewPool(q, queue.PoolConfig{
		Workers: map[models.Lane]int{
			models.LaneEmailIn: cfg.Queue.EmailWorkers,
			models.LaneChatIn:  cfg.Queue.ChatWorkers,
		},
		Policy: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.BaseDelay,
			MaxDelay:    cfg.Queue.MaxDelay,
		},
		MaintenanceTick: cfg.Queue.MaintenanceTick,
		ShutdownTimeout: cfg.ShutdownTimeout,
		// Replies waiting on their thread's first post must outlive the
		// claim timeout, after which they take the post over.
		MaxPendingWait: max(queue.DefaultMaxPendingWait, 2*cfg.ThreadClaimTimeout),
	}, processors, m)

	// --- Health and metrics server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := q.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", m.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("health server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	// Run blocks until the signal context is cancelled and in-flight jobs
	// have drained or the shutdown timeout has passed.
	runErr := pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("worker pool stopped with error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("chat bridge worker stopped")
}

// newLogger builds the JSON logger. With LOG_FILE set, records are also
// written to a size-rotated file.
func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			Compress:   true,
		})
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
