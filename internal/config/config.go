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

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Server      ServerConfig      `yaml:"server"`
	Vault       VaultConfig       `yaml:"vault"`
	Google      GoogleConfig      `yaml:"google"`
	Microsoft   MicrosoftConfig   `yaml:"microsoft"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Tokens      TokensConfig      `yaml:"tokens"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Documents   DocumentsConfig   `yaml:"documents"`
}

// DatabaseConfig points at the ingestion tables and the CRM tables.
type DatabaseConfig struct {
	URL            string `yaml:"url" validate:"required"`
	CRMURL         string `yaml:"crm_url"` // defaults to URL
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// RedisConfig configures the dedup fast path and the outcome queue.
type RedisConfig struct {
	URL           string        `yaml:"url" validate:"required"`
	OutcomesQueue string        `yaml:"outcomes_queue" validate:"required"`
	DedupTTL      time.Duration `yaml:"dedup_ttl" validate:"gt=0"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	PublicURL      string        `yaml:"public_url" validate:"required,url"`
	ProcessTimeout time.Duration `yaml:"process_timeout" validate:"gt=0"`
	RateLimit      float64       `yaml:"rate_limit" validate:"gt=0"`
	RateBurst      int           `yaml:"rate_burst" validate:"min=1"`
	StateKey       string        `yaml:"-" validate:"min=32"`
	SuccessURL     string        `yaml:"success_url" validate:"omitempty,url"`
}

// VaultConfig holds the token encryption secret.
type VaultConfig struct {
	Key string `yaml:"-" validate:"required,min=32"`
}

// GoogleConfig holds the Gmail OAuth client and Pub/Sub settings.
type GoogleConfig struct {
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"-"`
	RedirectURL        string `yaml:"redirect_url" validate:"omitempty,url"`
	PubSubTopic        string `yaml:"pubsub_topic"`
	PushAudience       string `yaml:"push_audience"`
	PushServiceAccount string `yaml:"push_service_account" validate:"omitempty,email"`
}

// Enabled reports whether Gmail ingestion is configured.
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// MicrosoftConfig holds the Graph OAuth client and webhook settings.
type MicrosoftConfig struct {
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"-"`
	Tenant        string `yaml:"tenant"`
	RedirectURL   string `yaml:"redirect_url" validate:"omitempty,url"`
	WebhookSecret string `yaml:"-"`
	GraphBaseURL  string `yaml:"graph_base_url" validate:"omitempty,url"`
}

// Enabled reports whether Outlook ingestion is configured.
func (m MicrosoftConfig) Enabled() bool {
	return m.ClientID != "" && m.ClientSecret != ""
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	AllowedExtensions          []string      `yaml:"allowed_extensions" validate:"min=1"`
	ActiveCaseStatuses         []string      `yaml:"active_case_statuses" validate:"min=1"`
	MaxMessagesPerNotification int           `yaml:"max_messages_per_notification" validate:"min=1"`
	DocumentTag                string        `yaml:"document_tag" validate:"required"`
	FinalizeTimeout            time.Duration `yaml:"finalize_timeout" validate:"gt=0"`
}

// TokensConfig tunes the token lifecycle.
type TokensConfig struct {
	Margin      time.Duration `yaml:"margin" validate:"gt=0"`
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"gt=0"`
}

// MaintenanceConfig tunes the periodic sweep.
type MaintenanceConfig struct {
	Interval       time.Duration `yaml:"interval" validate:"gt=0"`
	RefreshWindow  time.Duration `yaml:"refresh_window" validate:"gt=0"`
	RenewBuffer    time.Duration `yaml:"renew_buffer" validate:"gt=0"`
	ErrorThreshold int           `yaml:"error_threshold" validate:"min=1"`
}

// DocumentsConfig selects where attachment bytes are written.
type DocumentsConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=local s3"`
	LocalPath string `yaml:"local_path" validate:"required_if=Backend local"`
	S3        struct {
		Bucket          string `yaml:"bucket"`
		Region          string `yaml:"region"`
		EndpointURL     string `yaml:"endpoint_url" validate:"omitempty,url"`
		AccessKeyID     string `yaml:"-"`
		SecretAccessKey string `yaml:"-"`
	} `yaml:"s3"`
}

// Defaults returns the configuration used for anything config.yaml leaves out.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Database: DatabaseConfig{MigrateOnStart: true},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			OutcomesQueue: "lex:ingest:outcomes",
			DedupTTL:      7 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Port:           8080,
			ProcessTimeout: 5 * time.Minute,
			RateLimit:      20,
			RateBurst:      40,
		},
		Microsoft: MicrosoftConfig{Tenant: "common"},
		Ingest: IngestConfig{
			AllowedExtensions:          []string{"pdf", "jpg", "jpeg", "png", "doc", "docx", "txt"},
			ActiveCaseStatuses:         []string{"En cours", "En attente"},
			MaxMessagesPerNotification: 25,
			DocumentTag:                "EMAIL_ATTACHMENT",
			FinalizeTimeout:            10 * time.Second,
		},
		Tokens: TokensConfig{
			Margin:      5 * time.Minute,
			HTTPTimeout: 30 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Interval:       15 * time.Minute,
			RefreshWindow:  15 * time.Minute,
			RenewBuffer:    12 * time.Hour,
			ErrorThreshold: 5,
		},
		Documents: DocumentsConfig{
			Backend:   "local",
			LocalPath: "/app/data/documents",
		},
	}
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for secrets and overrides. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()

	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && os.Getenv("CONFIG_PATH") == "":
		// Env-only deployment.
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands ${VAR} references in data and unmarshals it over cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}
	return nil
}

// Validate checks the struct tags and the cross-field rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.Google.Enabled() && !cfg.Microsoft.Enabled() {
		return fmt.Errorf("invalid configuration: neither Google nor Microsoft OAuth credentials are set")
	}
	if cfg.Documents.Backend == "s3" && cfg.Documents.S3.Bucket == "" {
		return fmt.Errorf("invalid configuration: documents.s3.bucket is required for the s3 backend")
	}
	if cfg.Google.Enabled() && (cfg.Google.PubSubTopic == "" || cfg.Google.PushServiceAccount == "") {
		return fmt.Errorf("invalid configuration: google.pubsub_topic and google.push_service_account are required for Gmail")
	}
	return nil
}

// applyEnv overlays environment variables. Secrets are only read from the
// environment.
func applyEnv(cfg *Config) {
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))

	cfg.Database.URL = envOrDefault("DATABASE_URL", cfg.Database.URL)
	cfg.Database.CRMURL = firstNonEmpty(os.Getenv("CRM_DATABASE_URL"), cfg.Database.CRMURL, cfg.Database.URL)
	cfg.Database.MigrateOnStart = envOrDefaultBool("MIGRATE_ON_START", cfg.Database.MigrateOnStart)

	cfg.Redis.URL = envOrDefault("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.OutcomesQueue = envOrDefault("OUTCOMES_QUEUE", cfg.Redis.OutcomesQueue)

	cfg.Server.Port = envOrDefaultInt("PORT", cfg.Server.Port)
	cfg.Server.PublicURL = strings.TrimRight(envOrDefault("PUBLIC_URL", cfg.Server.PublicURL), "/")
	cfg.Server.StateKey = os.Getenv("OAUTH_STATE_KEY")

	cfg.Vault.Key = os.Getenv("VAULT_KEY")

	cfg.Google.ClientID = envOrDefault("GOOGLE_CLIENT_ID", cfg.Google.ClientID)
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.Google.PubSubTopic = envOrDefault("GOOGLE_PUBSUB_TOPIC", cfg.Google.PubSubTopic)
	cfg.Google.PushServiceAccount = envOrDefault("GOOGLE_PUSH_SERVICE_ACCOUNT", cfg.Google.PushServiceAccount)
	cfg.Google.RedirectURL = firstNonEmpty(cfg.Google.RedirectURL, callbackURL(cfg))
	cfg.Google.PushAudience = firstNonEmpty(cfg.Google.PushAudience, webhookURL(cfg, "gmail"))

	cfg.Microsoft.ClientID = envOrDefault("MICROSOFT_CLIENT_ID", cfg.Microsoft.ClientID)
	cfg.Microsoft.ClientSecret = os.Getenv("MICROSOFT_CLIENT_SECRET")
	cfg.Microsoft.Tenant = envOrDefault("MICROSOFT_TENANT", cfg.Microsoft.Tenant)
	cfg.Microsoft.WebhookSecret = os.Getenv("OUTLOOK_WEBHOOK_SECRET")
	cfg.Microsoft.RedirectURL = firstNonEmpty(cfg.Microsoft.RedirectURL, callbackURL(cfg))

	cfg.Maintenance.Interval = envOrDefaultDuration("MAINTENANCE_INTERVAL", cfg.Maintenance.Interval)

	cfg.Documents.Backend = envOrDefault("DOCUMENTS_BACKEND", cfg.Documents.Backend)
	cfg.Documents.S3.AccessKeyID = os.Getenv("S3_ACCESS_KEY_ID")
	cfg.Documents.S3.SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")
}

func callbackURL(cfg *Config) string {
	if cfg.Server.PublicURL == "" {
		return ""
	}
	return cfg.Server.PublicURL + "/oauth/callback"
}

func webhookURL(cfg *Config, provider string) string {
	if cfg.Server.PublicURL == "" {
		return ""
	}
	return cfg.Server.PublicURL + "/webhooks/" + provider
}

// WebhookURL returns the public URL of a provider's notification endpoint.
func (c *Config) WebhookURL(provider string) string {
	return webhookURL(c, provider)
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

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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
