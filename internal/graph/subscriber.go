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

package graph

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lexbureau/ingestion/internal/breaker"
	"github.com/lexbureau/ingestion/internal/models"
	"github.com/lexbureau/ingestion/internal/subscription"
	"github.com/lexbureau/ingestion/internal/tokens"
)

// Maximum subscription lifetime for messages is 4230 minutes (~2.94 days).
const maxSubscriptionMinutes = 4230

const inboxResource = "me/mailFolders('Inbox')/messages"

// SubscriberConfig holds the configuration for the Graph subscriber.
type SubscriberConfig struct {
	NotificationURL string
	LifecycleURL    string
	BaseURL         string
	HTTPClient      *http.Client
	Breaker         *breaker.Breaker
}

// Subscriber manages Graph change-notification subscriptions on the inbox.
type Subscriber struct {
	notificationURL string
	lifecycleURL    string
	baseURL         string
	httpClient      *http.Client
	breaker         *breaker.Breaker
	now             func() time.Time
}

// NewSubscriber creates a Graph subscriber.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cb := cfg.Breaker
	if cb == nil {
		cb = NewBreaker()
	}
	return &Subscriber{
		notificationURL: cfg.NotificationURL,
		lifecycleURL:    cfg.LifecycleURL,
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      cfg.HTTPClient,
		breaker:         cb,
		now:             time.Now,
	}
}

type subscriptionResponse struct {
	ID                 string `json:"id"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// Subscribe creates a subscription for new messages in the inbox.
func (s *Subscriber) Subscribe(ctx context.Context, _ *models.MailAccount, accessToken string) (*subscription.Subscription, error) {
	clientState := generateClientState()
	expiry := s.expiry()

	payload := map[string]interface{}{
		"changeType":         "created",
		"notificationUrl":    s.notificationURL,
		"resource":           inboxResource,
		"expirationDateTime": expiry.Format(time.RFC3339),
		"clientState":        clientState,
	}
	if s.lifecycleURL != "" {
		payload["lifecycleNotificationUrl"] = s.lifecycleURL
	}

	var result subscriptionResponse
	code, err := s.do(ctx, accessToken, http.MethodPost, "/subscriptions", payload, &result)
	if err != nil {
		return nil, err
	}
	if code != http.StatusCreated {
		return nil, &APIError{Code: code, Op: "create subscription"}
	}

	return &subscription.Subscription{
		ID:          result.ID,
		ClientState: clientState,
		ExpiresAt:   parseExpiry(result.ExpirationDateTime, expiry),
	}, nil
}

// Renew extends the account's subscription to the maximum lifetime.
func (s *Subscriber) Renew(ctx context.Context, acct *models.MailAccount, accessToken string) (*subscription.Subscription, error) {
	expiry := s.expiry()
	payload := map[string]string{
		"expirationDateTime": expiry.Format(time.RFC3339),
	}

	var result subscriptionResponse
	code, err := s.do(ctx, accessToken, http.MethodPatch, "/subscriptions/"+url.PathEscape(acct.SubscriptionID), payload, &result)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		return nil, subscription.ErrSubscriptionGone
	}
	if code != http.StatusOK {
		return nil, &APIError{Code: code, Op: "renew subscription"}
	}

	return &subscription.Subscription{
		ID:          acct.SubscriptionID,
		ClientState: acct.SubscriptionState,
		ExpiresAt:   parseExpiry(result.ExpirationDateTime, expiry),
	}, nil
}

// Unsubscribe deletes the account's subscription. An already deleted
// subscription is not an error.
func (s *Subscriber) Unsubscribe(ctx context.Context, acct *models.MailAccount, accessToken string) error {
	code, err := s.do(ctx, accessToken, http.MethodDelete, "/subscriptions/"+url.PathEscape(acct.SubscriptionID), nil, nil)
	if err != nil {
		return err
	}
	if code != http.StatusNoContent && code != http.StatusOK && code != http.StatusNotFound {
		return &APIError{Code: code, Op: "delete subscription"}
	}
	return nil
}

// do sends one JSON request and decodes a 2xx body into out. Non-2xx codes
// are returned for the caller to interpret.
func (s *Subscriber) do(ctx context.Context, accessToken, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal subscription body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build subscription request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := tokens.BearerClient(s.httpClient, accessToken)

	var code int
	err = s.breaker.Do(func() error {
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s subscription: %w", strings.ToLower(method), err)
		}
		defer resp.Body.Close()

		code = resp.StatusCode
		if code >= 300 {
			if breaker.Server5xxOrThrottled(code) {
				return &APIError{Code: code, Op: method + " " + path}
			}
			return nil
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode subscription response: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return code, err
	}
	return code, nil
}

func (s *Subscriber) expiry() time.Time {
	return s.now().UTC().Add(time.Duration(maxSubscriptionMinutes) * time.Minute).Truncate(time.Second)
}

func parseExpiry(value string, fallback time.Time) time.Time {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil || parsed.IsZero() {
		return fallback
	}
	return parsed.UTC()
}

// generateClientState creates a random secret for webhook validation.
func generateClientState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
