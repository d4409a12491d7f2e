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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/app/config/config.yaml"

// QueueConfig tunes the job lanes and retry policy.
type QueueConfig struct {
	Prefix            string
	EmailWorkers      int
	ChatWorkers       int
	VisibilityTimeout time.Duration
	MaintenanceTick   time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	PayloadRetention  time.Duration
}

// ScannerConfig configures the external malware scan service.
type ScannerConfig struct {
	APIKey            string
	BaseURL           string
	MaxFileSize       int64
	PollAttempts      int
	PollInterval      time.Duration
	RequestsPerMinute int
}

// SMTPConfig configures outbound mail submission.
type SMTPConfig struct {
	Addr      string
	TLSMode   string // "starttls", "tls" or "none"
	Username  string
	Password  string
	From      string
	HelloName string

	// OAuth client credentials; when TokenURL is set, OAUTHBEARER is used
	// instead of PLAIN.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config holds all configuration for the bridge worker.
type Config struct {
	DatabaseURL string
	RedisURL    string

	Queue   QueueConfig
	Scanner ScannerConfig
	SMTP    SMTPConfig

	ChatAPIURL       string
	ChatRequestsPerS float64

	AlertEmail   string
	AlertWebhook string

	IdempotencyTTL     time.Duration
	ThreadClaimTimeout time.Duration
	ThreadPendingDelay time.Duration
	VerdictCacheTTL    time.Duration
	BlobDir            string
	PublicFooter       string
	ShutdownTimeout    time.Duration
	Port               int
	LogLevel           string
	LogFile            string
	LogFileMaxSizeMB   int
	LogFileMaxBackups  int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`
	Workers struct {
		Email int `yaml:"email"`
		Chat  int `yaml:"chat"`
	} `yaml:"workers"`
	Scanner struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"scanner"`
	SMTP struct {
		Addr      string `yaml:"addr"`
		TLS       string `yaml:"tls"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		From      string `yaml:"from"`
		HelloName string `yaml:"hello_name"`
		OAuth     struct {
			TokenURL     string   `yaml:"token_url"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth"`
	} `yaml:"smtp"`
	Chat struct {
		APIURL string `yaml:"api_url"`
	} `yaml:"chat"`
	Alerts struct {
		Email   string `yaml:"email"`
		Webhook string `yaml:"webhook"`
	} `yaml:"alerts"`
	Storage struct {
		BlobDir string `yaml:"blob_dir"`
	} `yaml:"storage"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A .env file in the working
// directory, if present, is loaded first without overriding the real
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	raw, err := readFile()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),

		Queue: QueueConfig{
			Prefix:            firstNonEmpty(raw.Redis.Prefix, envOrDefault("QUEUE_PREFIX", "chatbridge")),
			EmailWorkers:      firstPositive(raw.Workers.Email, envOrDefaultInt("EMAIL_WORKERS", 4)),
			ChatWorkers:       firstPositive(raw.Workers.Chat, envOrDefaultInt("CHAT_WORKERS", 4)),
			VisibilityTimeout: envOrDefaultDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			MaintenanceTick:   envOrDefaultDuration("QUEUE_MAINTENANCE_TICK", time.Second),
			MaxAttempts:       envOrDefaultInt("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:         envOrDefaultDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:          envOrDefaultDuration("RETRY_MAX_DELAY", 30*time.Second),
			PayloadRetention:  envOrDefaultDuration("PAYLOAD_RETENTION", 7*24*time.Hour),
		},

		Scanner: ScannerConfig{
			APIKey:            firstNonEmpty(raw.Scanner.APIKey, os.Getenv("SCANNER_API_KEY")),
			BaseURL:           firstNonEmpty(raw.Scanner.BaseURL, envOrDefault("SCANNER_BASE_URL", "https://www.virustotal.com/api/v3")),
			MaxFileSize:       int64(envOrDefaultInt("MAX_ATTACHMENT_BYTES", 10*1024*1024)),
			PollAttempts:      envOrDefaultInt("SCANNER_POLL_ATTEMPTS", 10),
			PollInterval:      envOrDefaultDuration("SCANNER_POLL_INTERVAL", 3*time.Second),
			RequestsPerMinute: envOrDefaultInt("SCANNER_REQUESTS_PER_MINUTE", 4),
		},

		SMTP: SMTPConfig{
			Addr:         firstNonEmpty(raw.SMTP.Addr, os.Getenv("SMTP_ADDR")),
			TLSMode:      strings.ToLower(firstNonEmpty(raw.SMTP.TLS, envOrDefault("SMTP_TLS", "starttls"))),
			Username:     firstNonEmpty(raw.SMTP.Username, os.Getenv("SMTP_USERNAME")),
			Password:     firstNonEmpty(raw.SMTP.Password, os.Getenv("SMTP_PASSWORD")),
			From:         firstNonEmpty(raw.SMTP.From, os.Getenv("SMTP_FROM")),
			HelloName:    firstNonEmpty(raw.SMTP.HelloName, os.Getenv("SMTP_HELLO_NAME")),
			TokenURL:     firstNonEmpty(raw.SMTP.OAuth.TokenURL, os.Getenv("SMTP_OAUTH_TOKEN_URL")),
			ClientID:     firstNonEmpty(raw.SMTP.OAuth.ClientID, os.Getenv("SMTP_OAUTH_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.SMTP.OAuth.ClientSecret, os.Getenv("SMTP_OAUTH_CLIENT_SECRET")),
			Scopes:       raw.SMTP.OAuth.Scopes,
		},

		ChatAPIURL:       firstNonEmpty(raw.Chat.APIURL, envOrDefault("CHAT_API_URL", "https://slack.com/api")),
		ChatRequestsPerS: envOrDefaultFloat("CHAT_REQUESTS_PER_SECOND", 1),

		AlertEmail:   firstNonEmpty(raw.Alerts.Email, os.Getenv("ALERT_EMAIL")),
		AlertWebhook: firstNonEmpty(raw.Alerts.Webhook, os.Getenv("ALERT_WEBHOOK_URL")),

		IdempotencyTTL:     envOrDefaultDuration("IDEMPOTENCY_TTL", 7*24*time.Hour),
		ThreadClaimTimeout: envOrDefaultDuration("THREAD_CLAIM_TIMEOUT", 2*time.Minute),
		ThreadPendingDelay: envOrDefaultDuration("THREAD_PENDING_DELAY", 5*time.Second),
		VerdictCacheTTL:    envOrDefaultDuration("VERDICT_CACHE_TTL", 30*24*time.Hour),
		BlobDir:            firstNonEmpty(raw.Storage.BlobDir, envOrDefault("BLOB_DIR", "/var/lib/chatbridge/blobs")),
		PublicFooter:       os.Getenv("EMAIL_FOOTER"),
		ShutdownTimeout:    envOrDefaultDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		Port:               envOrDefaultInt("PORT", 8080),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFile:            os.Getenv("LOG_FILE"),
		LogFileMaxSizeMB:   envOrDefaultInt("LOG_FILE_MAX_SIZE_MB", 100),
		LogFileMaxBackups:  envOrDefaultInt("LOG_FILE_MAX_BACKUPS", 5),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile parses the YAML config. The default path may be absent; an
// explicitly configured CONFIG_PATH must exist.
func readFile() (*rawConfig, error) {
	configPath, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || configPath == "" {
		configPath = defaultConfigPath
	}

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return &raw, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return &raw, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.SMTP.Addr == "" {
		problems = append(problems, "SMTP_ADDR is required")
	}
	if c.SMTP.From == "" {
		problems = append(problems, "SMTP_FROM is required")
	}
	switch c.SMTP.TLSMode {
	case "starttls", "tls", "none":
	default:
		problems = append(problems, fmt.Sprintf("SMTP_TLS must be starttls, tls or none (got %q)", c.SMTP.TLSMode))
	}
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
