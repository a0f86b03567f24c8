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

// Package graph is the Outlook provider adapter. It turns Microsoft Graph
// change notifications into canonical inbound messages by fetching each
// created message with its attachments, and manages Graph subscriptions.
package graph

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lexbureau/ingestion/internal/breaker"
	"github.com/lexbureau/ingestion/internal/models"
	"github.com/lexbureau/ingestion/internal/tokens"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// ErrClientStateMismatch is returned when a notification's clientState does
// not match the one stored for its subscription.
var ErrClientStateMismatch = errors.New("graph clientState mismatch")

// APIError is a non-success response from Graph.
type APIError struct {
	Code int
	Op   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph %s returned HTTP %d", e.Op, e.Code)
}

// AccountStore is the account persistence the adapter needs.
type AccountStore interface {
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*models.MailAccount, error)
	MarkSynced(ctx context.Context, id int64) error
}

// TokenSource supplies access tokens. Implemented by tokens.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context, acct *models.MailAccount) (string, error)
}

// Processor runs canonical processing. Implemented by ingest.Engine.
type Processor interface {
	Process(ctx context.Context, acct *models.MailAccount, channel models.Channel, msg *models.InboundMessage, raw []byte) *models.WebhookRecord
	Fail(ctx context.Context, acct *models.MailAccount, channel models.Channel, messageID string, raw []byte, cause error) *models.WebhookRecord
}

// Config holds the configuration for the Outlook adapter.
type Config struct {
	Accounts       AccountStore
	Tokens         TokenSource
	Processor      Processor
	HTTPClient     *http.Client
	BaseURL        string
	ErrorThreshold int
	Breaker        *breaker.Breaker
}

// Delivery is one verified "created" notification ready for processing.
type Delivery struct {
	Account   *models.MailAccount
	MessageID string
	Raw       []byte
}

// Adapter handles Graph change notifications.
type Adapter struct {
	accounts       AccountStore
	tokens         TokenSource
	processor      Processor
	httpClient     *http.Client
	baseURL        string
	errorThreshold int
	breaker        *breaker.Breaker
}

// NewAdapter creates an Outlook adapter.
func NewAdapter(cfg Config) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	threshold := cfg.ErrorThreshold
	if threshold <= 0 {
		threshold = models.DefaultErrorThreshold
	}
	cb := cfg.Breaker
	if cb == nil {
		cb = NewBreaker()
	}
	return &Adapter{
		accounts:       cfg.Accounts,
		tokens:         cfg.Tokens,
		processor:      cfg.Processor,
		httpClient:     cfg.HTTPClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
		errorThreshold: threshold,
		breaker:        cb,
	}
}

// NewBreaker returns a breaker that trips on Graph server errors,
// throttling and transport failures.
func NewBreaker() *breaker.Breaker {
	return breaker.New("graph-api", func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return breaker.Server5xxOrThrottled(apiErr.Code)
		}
		return true
	})
}

// Prepare matches each "created" notification to its account and verifies
// its clientState. Any mismatch rejects the whole batch. Entries for unknown
// subscriptions and other change types are dropped.
func (a *Adapter) Prepare(ctx context.Context, payload *NotificationPayload, raw []byte) ([]Delivery, error) {
	var deliveries []Delivery
	for i := range payload.Value {
		n := &payload.Value[i]
		if n.LifecycleEvent != "" {
			continue
		}
		if !strings.EqualFold(n.ChangeType, "created") {
			slog.Debug("skipping non-created notification",
				"change_type", n.ChangeType,
				"resource", n.Resource,
			)
			continue
		}

		acct, err := a.resolve(ctx, n)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			continue
		}

		messageID, err := n.messageID()
		if err != nil {
			slog.Warn("failed to parse notification resource",
				"account_id", acct.ID,
				"resource", n.Resource,
				"error", err,
			)
			continue
		}
		deliveries = append(deliveries, Delivery{Account: acct, MessageID: messageID, Raw: raw})
	}
	return deliveries, nil
}

// LifecycleAccounts returns the verified accounts named by lifecycle
// notifications (subscriptionRemoved, reauthorizationRequired, missed).
func (a *Adapter) LifecycleAccounts(ctx context.Context, payload *NotificationPayload) ([]*models.MailAccount, error) {
	var accounts []*models.MailAccount
	for i := range payload.Value {
		n := &payload.Value[i]
		if n.LifecycleEvent == "" {
			continue
		}
		acct, err := a.resolve(ctx, n)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			continue
		}
		slog.Info("graph lifecycle event",
			"account_id", acct.ID,
			"event", n.LifecycleEvent,
			"subscription_id", n.SubscriptionID,
		)
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func (a *Adapter) resolve(ctx context.Context, n *ChangeNotification) (*models.MailAccount, error) {
	acct, err := a.accounts.FindBySubscriptionID(ctx, n.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("resolve subscription %s: %w", n.SubscriptionID, err)
	}
	if acct == nil || acct.Provider != models.ProviderOutlook {
		slog.Debug("notification for unknown subscription", "subscription_id", n.SubscriptionID)
		return nil, nil
	}
	if acct.SubscriptionState == "" ||
		subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(acct.SubscriptionState)) != 1 {
		slog.Warn("clientState mismatch, possible spoofed notification",
			"account_id", acct.ID,
			"subscription_id", n.SubscriptionID,
		)
		return nil, ErrClientStateMismatch
	}
	return acct, nil
}

// Handle fetches and processes each delivery. Messages without any file
// attachment are skipped without a record.
func (a *Adapter) Handle(ctx context.Context, deliveries []Delivery) []*models.WebhookRecord {
	var records []*models.WebhookRecord
	for _, d := range deliveries {
		acct := d.Account
		if !acct.Eligible(a.errorThreshold) {
			slog.Debug("graph notification for ineligible account", "account_id", acct.ID)
			continue
		}

		token, err := a.tokens.AccessToken(ctx, acct)
		if err != nil {
			slog.Warn("no valid graph token, skipping notification",
				"account_id", acct.ID,
				"message_id", d.MessageID,
				"error", err,
			)
			continue
		}

		msg, err := a.FetchMessage(ctx, token, d.MessageID)
		if err != nil {
			slog.Warn("failed to fetch graph message",
				"account_id", acct.ID,
				"message_id", d.MessageID,
				"error", err,
			)
			records = append(records, a.processor.Fail(ctx, acct, models.ChannelOutlook, d.MessageID, d.Raw, err))
			continue
		}
		if msg == nil {
			continue
		}
		if len(msg.Attachments) == 0 {
			slog.Debug("graph message has no file attachments",
				"account_id", acct.ID,
				"message_id", d.MessageID,
			)
			continue
		}

		records = append(records, a.processor.Process(ctx, acct, models.ChannelOutlook, msg, d.Raw))
		if err := a.accounts.MarkSynced(ctx, acct.ID); err != nil {
			slog.Warn("failed to mark graph account synced", "account_id", acct.ID, "error", err)
		}
	}
	return records
}

// FetchMessage retrieves a message of the signed-in mailbox with its
// attachments expanded. A deleted message yields nil, nil.
func (a *Adapter) FetchMessage(ctx context.Context, accessToken, messageID string) (*models.InboundMessage, error) {
	endpoint := fmt.Sprintf("%s/me/messages/%s?$select=id,conversationId,subject,from&$expand=attachments",
		a.baseURL, url.PathEscape(messageID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := tokens.BearerClient(a.httpClient, accessToken)

	var msg *models.InboundMessage
	err = a.breaker.Do(func() error {
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			slog.Warn("message not found (may have been deleted)", "message_id", messageID)
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return &APIError{Code: resp.StatusCode, Op: "get message"}
		}

		msg, err = parseGraphMessage(resp.Body)
		if err != nil {
			return fmt.Errorf("parse message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
