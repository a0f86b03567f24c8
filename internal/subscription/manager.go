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

// Package subscription keeps provider push subscriptions alive so that new
// mail keeps producing notifications: a Gmail watch on the mailbox, or a
// time-boxed Microsoft Graph subscription on the inbox.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexbureau/ingestion/internal/models"
)

// ErrSubscriptionGone is returned by Subscriber.Renew when the provider no
// longer knows the subscription. The manager re-creates it.
var ErrSubscriptionGone = errors.New("subscription removed by provider")

// Subscription is a provider-side registration as stored on the account.
type Subscription struct {
	ID          string
	ClientState string // shared secret echoed in notifications, Graph only
	ExpiresAt   time.Time
	Cursor      string // mailbox cursor at registration time, Gmail only
}

// Subscriber talks to one provider's subscription API.
type Subscriber interface {
	Subscribe(ctx context.Context, acct *models.MailAccount, accessToken string) (*Subscription, error)
	Renew(ctx context.Context, acct *models.MailAccount, accessToken string) (*Subscription, error)
	Unsubscribe(ctx context.Context, acct *models.MailAccount, accessToken string) error
}

// TokenSource supplies access tokens. Implemented by tokens.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context, acct *models.MailAccount) (string, error)
}

// AccountStore is the persistence the manager needs. Implemented by account.Store.
type AccountStore interface {
	ListActive(ctx context.Context) ([]models.MailAccount, error)
	SaveSubscription(ctx context.Context, id int64, subscriptionID, clientState string, expiresAt time.Time) error
	ClearSubscription(ctx context.Context, id int64) error
	SaveCursor(ctx context.Context, id int64, cursor string) error
	RecordError(ctx context.Context, id int64, msg string) error
}

// ManagerConfig holds the configuration for the subscription manager.
type ManagerConfig struct {
	Store          AccountStore
	Tokens         TokenSource
	Subscribers    map[models.Provider]Subscriber
	RenewBuffer    time.Duration
	ErrorThreshold int
}

// Manager creates, renews and deletes push subscriptions for mail accounts.
type Manager struct {
	store          AccountStore
	tokens         TokenSource
	subscribers    map[models.Provider]Subscriber
	renewBuffer    time.Duration
	errorThreshold int
	now            func() time.Time
}

// NewManager creates a new subscription manager.
func NewManager(cfg ManagerConfig) *Manager {
	buffer := cfg.RenewBuffer
	if buffer <= 0 {
		buffer = 12 * time.Hour
	}
	threshold := cfg.ErrorThreshold
	if threshold <= 0 {
		threshold = models.DefaultErrorThreshold
	}
	return &Manager{
		store:          cfg.Store,
		tokens:         cfg.Tokens,
		subscribers:    cfg.Subscribers,
		renewBuffer:    buffer,
		errorThreshold: threshold,
		now:            time.Now,
	}
}

// Create registers a push subscription for acct and marks it active.
func (m *Manager) Create(ctx context.Context, acct *models.MailAccount) error {
	sub, err := m.subscriber(acct)
	if err != nil {
		return err
	}
	token, err := m.tokens.AccessToken(ctx, acct)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	s, err := sub.Subscribe(ctx, acct, token)
	if err != nil {
		return fmt.Errorf("create %s subscription: %w", acct.Provider, err)
	}
	if err := m.persist(ctx, acct, s); err != nil {
		return err
	}

	slog.Info("subscription created",
		"account_id", acct.ID,
		"provider", acct.Provider,
		"subscription_id", s.ID,
		"expires_at", s.ExpiresAt,
	)
	return nil
}

// Renew extends the subscription of acct. Accounts without one, or whose
// subscription the provider dropped, get a new subscription.
func (m *Manager) Renew(ctx context.Context, acct *models.MailAccount) error {
	if acct.SubscriptionID == "" {
		return m.Create(ctx, acct)
	}

	sub, err := m.subscriber(acct)
	if err != nil {
		return err
	}
	token, err := m.tokens.AccessToken(ctx, acct)
	if err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}

	s, err := sub.Renew(ctx, acct, token)
	if errors.Is(err, ErrSubscriptionGone) {
		slog.Warn("subscription removed by provider, re-creating",
			"account_id", acct.ID,
			"provider", acct.Provider,
			"subscription_id", acct.SubscriptionID,
		)
		if err := m.clear(ctx, acct); err != nil {
			return err
		}
		return m.Create(ctx, acct)
	}
	if err != nil {
		return fmt.Errorf("renew %s subscription: %w", acct.Provider, err)
	}
	if err := m.persist(ctx, acct, s); err != nil {
		return err
	}

	slog.Info("subscription renewed",
		"account_id", acct.ID,
		"provider", acct.Provider,
		"subscription_id", s.ID,
		"new_expiry", s.ExpiresAt,
	)
	return nil
}

// Delete tears the subscription down at the provider when possible and
// always clears it locally.
func (m *Manager) Delete(ctx context.Context, acct *models.MailAccount) error {
	if acct.SubscriptionID != "" {
		if err := m.unsubscribe(ctx, acct); err != nil {
			slog.Warn("provider subscription teardown failed",
				"account_id", acct.ID,
				"provider", acct.Provider,
				"subscription_id", acct.SubscriptionID,
				"error", err,
			)
		}
	}
	if err := m.clear(ctx, acct); err != nil {
		return err
	}
	slog.Info("subscription deleted", "account_id", acct.ID, "provider", acct.Provider)
	return nil
}

// RenewExpiring renews every eligible account whose subscription is missing
// or expires within the renewal buffer. It returns the number renewed.
func (m *Manager) RenewExpiring(ctx context.Context) (int, error) {
	accounts, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active accounts: %w", err)
	}

	deadline := m.now().Add(m.renewBuffer)
	renewed := 0
	for i := range accounts {
		acct := &accounts[i]
		if !acct.Eligible(m.errorThreshold) || !acct.HasTokens() {
			continue
		}
		if acct.SubscriptionID != "" && acct.SubscriptionExpiresAt != nil && acct.SubscriptionExpiresAt.After(deadline) {
			continue
		}

		if err := m.Renew(ctx, acct); err != nil {
			slog.Error("subscription renewal failed",
				"account_id", acct.ID,
				"provider", acct.Provider,
				"error", err,
			)
			if rerr := m.store.RecordError(ctx, acct.ID, err.Error()); rerr != nil {
				slog.Error("failed to record renewal error", "account_id", acct.ID, "error", rerr)
			}
			continue
		}
		renewed++
	}
	return renewed, nil
}

func (m *Manager) unsubscribe(ctx context.Context, acct *models.MailAccount) error {
	sub, err := m.subscriber(acct)
	if err != nil {
		return err
	}
	token, err := m.tokens.AccessToken(ctx, acct)
	if err != nil {
		return err
	}
	return sub.Unsubscribe(ctx, acct, token)
}

func (m *Manager) persist(ctx context.Context, acct *models.MailAccount, s *Subscription) error {
	if err := m.store.SaveSubscription(ctx, acct.ID, s.ID, s.ClientState, s.ExpiresAt); err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}
	expiresAt := s.ExpiresAt
	acct.SubscriptionID = s.ID
	acct.SubscriptionState = s.ClientState
	acct.SubscriptionExpiresAt = &expiresAt
	acct.Active = true

	if s.Cursor != "" && acct.HistoryCursor == "" {
		if err := m.store.SaveCursor(ctx, acct.ID, s.Cursor); err != nil {
			return fmt.Errorf("persist initial cursor: %w", err)
		}
		acct.HistoryCursor = s.Cursor
	}
	return nil
}

func (m *Manager) clear(ctx context.Context, acct *models.MailAccount) error {
	if err := m.store.ClearSubscription(ctx, acct.ID); err != nil {
		return fmt.Errorf("clear subscription: %w", err)
	}
	acct.SubscriptionID = ""
	acct.SubscriptionState = ""
	acct.SubscriptionExpiresAt = nil
	return nil
}

func (m *Manager) subscriber(acct *models.MailAccount) (Subscriber, error) {
	sub, ok := m.subscribers[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("no subscriber for provider %s", acct.Provider)
	}
	return sub, nil
}
