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

// Lex Bureau email ingestion service
//
// Entry point for the ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Applies database migrations and connects to PostgreSQL and Redis
//  3. Wires the token vault, provider adapters and the ingestion engine
//  4. Serves the webhook, OAuth connect and health endpoints
//  5. Runs the maintenance sweep for tokens and subscriptions
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/lexbureau/ingestion/internal/account"
	"github.com/lexbureau/ingestion/internal/config"
	"github.com/lexbureau/ingestion/internal/connect"
	"github.com/lexbureau/ingestion/internal/crm"
	"github.com/lexbureau/ingestion/internal/dedup"
	"github.com/lexbureau/ingestion/internal/documents"
	"github.com/lexbureau/ingestion/internal/gmail"
	"github.com/lexbureau/ingestion/internal/graph"
	"github.com/lexbureau/ingestion/internal/ingest"
	"github.com/lexbureau/ingestion/internal/maintenance"
	"github.com/lexbureau/ingestion/internal/migrations"
	"github.com/lexbureau/ingestion/internal/models"
	"github.com/lexbureau/ingestion/internal/processing"
	"github.com/lexbureau/ingestion/internal/queue"
	"github.com/lexbureau/ingestion/internal/subscription"
	"github.com/lexbureau/ingestion/internal/tokens"
	"github.com/lexbureau/ingestion/internal/vault"
	"github.com/lexbureau/ingestion/internal/webhook"
)

const googleRevokeURL = "https://oauth2.googleapis.com/revoke"

var graphScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/User.Read",
	"https://graph.microsoft.com/Mail.Read",
}

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting ingestion service",
		"gmail", cfg.Google.Enabled(),
		"outlook", cfg.Microsoft.Enabled(),
		"documents", cfg.Documents.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Migrations ---
	if cfg.Database.MigrateOnStart {
		if err := migrations.Up(cfg.Database.URL); err != nil {
			fatal("failed to apply migrations", err)
		}
		slog.Info("database migrations applied")
	}

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		fatal("failed to create Postgres pool", err)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		fatal("failed to connect to PostgreSQL", err)
	}
	slog.Info("connected to PostgreSQL")

	accounts := account.NewStore(pgPool)
	records := processing.NewStore(pgPool)

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fatal("invalid REDIS_URL", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.Redis.OutcomesQueue)
	if err := publisher.Ping(ctx); err != nil {
		fatal("failed to connect to Redis", err)
	}
	slog.Info("connected to Redis")

	filter := dedup.NewFilter(rdb, cfg.Redis.DedupTTL)

	// --- CRM directory and document storage ---
	crmDB, err := crm.Open(cfg.Database.CRMURL)
	if err != nil {
		fatal("failed to open CRM database", err)
	}
	directory := crm.NewDirectory(crmDB, cfg.Ingest.ActiveCaseStatuses)

	blobs, err := newBlobStore(ctx, cfg.Documents)
	if err != nil {
		fatal("failed to initialise document storage", err)
	}
	docs := documents.NewStore(crmDB, blobs)

	// --- Credential vault and token lifecycle ---
	cipher, err := vault.New(cfg.Vault.Key)
	if err != nil {
		fatal("failed to initialise credential vault", err)
	}

	httpClient := &http.Client{Timeout: cfg.Tokens.HTTPTimeout}

	tokenManager := tokens.NewManager(tokens.ManagerConfig{
		Cipher:     cipher,
		Store:      accounts,
		Providers:  oauthProviders(cfg),
		Margin:     cfg.Tokens.Margin,
		HTTPClient: httpClient,
	})

	// --- Ingestion engine ---
	engine := ingest.NewEngine(ingest.EngineConfig{
		Records:           records,
		Clients:           directory,
		Cases:             directory,
		Documents:         docs,
		Dedup:             filter,
		Notifier:          publisher,
		AllowedExtensions: cfg.Ingest.AllowedExtensions,
		DocumentTag:       cfg.Ingest.DocumentTag,
		FinalizeTimeout:   cfg.Ingest.FinalizeTimeout,
	})

	// --- Provider adapters ---
	subscribers := make(map[models.Provider]subscription.Subscriber)
	hooks := webhook.Config{
		ProcessTimeout: cfg.Server.ProcessTimeout,
		Checks: map[string]webhook.Pinger{
			"postgres": accounts,
			"redis":    publisher,
			"crm":      directory,
		},
		Breakers: make(map[string]webhook.BreakerState),
	}

	if cfg.Google.Enabled() {
		gmailBreaker := gmail.NewBreaker()
		hooks.Breakers["gmail-api"] = gmailBreaker
		hooks.Gmail = gmail.NewAdapter(gmail.Config{
			Accounts:       accounts,
			Tokens:         tokenManager,
			Processor:      engine,
			HTTPClient:     httpClient,
			MaxMessages:    cfg.Ingest.MaxMessagesPerNotification,
			ErrorThreshold: cfg.Maintenance.ErrorThreshold,
			Breaker:        gmailBreaker,
		})
		subscribers[models.ProviderGmail] = gmail.NewWatcher(gmail.WatcherConfig{
			TopicName:  cfg.Google.PubSubTopic,
			LabelIDs:   []string{"INBOX"},
			HTTPClient: httpClient,
			Breaker:    gmailBreaker,
		})

		verifier, err := webhook.NewPubSubVerifier(ctx, cfg.Google.PushAudience, cfg.Google.PushServiceAccount)
		if err != nil {
			fatal("failed to create Pub/Sub push verifier", err)
		}
		hooks.Verifier = verifier
	}

	if cfg.Microsoft.Enabled() {
		graphBreaker := graph.NewBreaker()
		hooks.Breakers["graph-api"] = graphBreaker
		hooks.Outlook = graph.NewAdapter(graph.Config{
			Accounts:       accounts,
			Tokens:         tokenManager,
			Processor:      engine,
			HTTPClient:     httpClient,
			BaseURL:        cfg.Microsoft.GraphBaseURL,
			ErrorThreshold: cfg.Maintenance.ErrorThreshold,
			Breaker:        graphBreaker,
		})
		hooks.OutlookSecret = cfg.Microsoft.WebhookSecret
		subscribers[models.ProviderOutlook] = graph.NewSubscriber(graph.SubscriberConfig{
			NotificationURL: cfg.WebhookURL("outlook"),
			LifecycleURL:    cfg.WebhookURL("outlook/lifecycle"),
			BaseURL:         cfg.Microsoft.GraphBaseURL,
			HTTPClient:      httpClient,
			Breaker:         graphBreaker,
		})
	}

	// --- Subscription manager ---
	subs := subscription.NewManager(subscription.ManagerConfig{
		Store:          accounts,
		Tokens:         tokenManager,
		Subscribers:    subscribers,
		RenewBuffer:    cfg.Maintenance.RenewBuffer,
		ErrorThreshold: cfg.Maintenance.ErrorThreshold,
	})
	hooks.Renewer = subs

	// --- HTTP routes ---
	hooksHandler := webhook.NewHandler(hooks)
	connectHandler, err := connect.NewHandler(connect.Config{
		Accounts:      accounts,
		Tokens:        tokenManager,
		Subscriptions: subs,
		Records:       records,
		StateKey:      cfg.Server.StateKey,
		SuccessURL:    cfg.Server.SuccessURL,
	})
	if err != nil {
		fatal("failed to create connect handler", err)
	}

	mux := http.NewServeMux()
	hooksHandler.Register(mux)
	connectHandler.Register(mux)

	limiter := webhook.NewIPRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)
	go cleanupLimiter(ctx, limiter)

	ready, err := webhook.Serve(ctx, cfg.Server.Port, limiter.Middleware(mux))
	if err != nil {
		fatal("failed to start HTTP server", err)
	}
	<-ready

	// --- Maintenance sweep ---
	sweeper := maintenance.NewSweeper(maintenance.SweeperConfig{
		Store:          accounts,
		Tokens:         tokenManager,
		Subscriptions:  subs,
		Interval:       cfg.Maintenance.Interval,
		RefreshWindow:  cfg.Maintenance.RefreshWindow,
		ErrorThreshold: cfg.Maintenance.ErrorThreshold,
	})
	sweeper.Start(ctx)

	slog.Info("ingestion service ready", "port", cfg.Server.Port, "public_url", cfg.Server.PublicURL)

	// --- Graceful Shutdown ---
	<-ctx.Done()
	slog.Info("received shutdown signal")

	sweeper.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ProcessTimeout)
	defer cancel()
	if err := hooksHandler.Wait(drainCtx); err != nil {
		slog.Warn("background processing still running at shutdown", "error", err)
	}

	slog.Info("ingestion service stopped")
}

func oauthProviders(cfg *config.Config) map[models.Provider]tokens.ProviderConfig {
	providers := make(map[models.Provider]tokens.ProviderConfig)
	if cfg.Google.Enabled() {
		providers[models.ProviderGmail] = tokens.ProviderConfig{
			OAuth: &oauth2.Config{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				Endpoint:     endpoints.Google,
				RedirectURL:  cfg.Google.RedirectURL,
				Scopes:       []string{gmailapi.GmailReadonlyScope},
			},
			RevokeURL: googleRevokeURL,
		}
	}
	if cfg.Microsoft.Enabled() {
		providers[models.ProviderOutlook] = tokens.ProviderConfig{
			OAuth: &oauth2.Config{
				ClientID:     cfg.Microsoft.ClientID,
				ClientSecret: cfg.Microsoft.ClientSecret,
				Endpoint:     endpoints.AzureAD(cfg.Microsoft.Tenant),
				RedirectURL:  cfg.Microsoft.RedirectURL,
				Scopes:       graphScopes,
			},
		}
	}
	return providers
}

func newBlobStore(ctx context.Context, cfg config.DocumentsConfig) (documents.BlobStore, error) {
	if cfg.Backend == "s3" {
		return documents.NewS3Blobs(ctx, documents.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			EndpointURL:     cfg.S3.EndpointURL,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	}
	return documents.NewLocalBlobs(cfg.LocalPath)
}

func cleanupLimiter(ctx context.Context, limiter *webhook.IPRateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup()
		}
	}
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
