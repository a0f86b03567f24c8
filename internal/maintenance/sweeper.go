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

// Package maintenance runs the periodic sweep that keeps connected mailboxes
// healthy: tokens are refreshed before they expire, push subscriptions are
// renewed before they lapse, and accounts that keep failing are switched off.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lexbureau/ingestion/internal/models"
)

const (
	DefaultInterval      = 15 * time.Minute
	DefaultRefreshWindow = 15 * time.Minute
)

// AccountStore is implemented by account.Store.
type AccountStore interface {
	ListActive(ctx context.Context) ([]models.MailAccount, error)
	Deactivate(ctx context.Context, id int64, reason string) error
}

// TokenRefresher is implemented by tokens.Manager.
type TokenRefresher interface {
	Refresh(ctx context.Context, acct *models.MailAccount) bool
}

// SubscriptionRenewer is implemented by subscription.Manager.
type SubscriptionRenewer interface {
	RenewExpiring(ctx context.Context) (int, error)
}

// SweeperConfig holds the configuration for the maintenance sweeper.
type SweeperConfig struct {
	Store          AccountStore
	Tokens         TokenRefresher
	Subscriptions  SubscriptionRenewer
	Interval       time.Duration
	RefreshWindow  time.Duration
	ErrorThreshold int
}

// Result summarises one sweep.
type Result struct {
	Refreshed   int
	Failed      int
	Deactivated int
	Renewed     int
}

// Sweeper runs the maintenance sweep.
type Sweeper struct {
	store          AccountStore
	tokens         TokenRefresher
	subscriptions  SubscriptionRenewer
	interval       time.Duration
	refreshWindow  time.Duration
	errorThreshold int
	now            func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a maintenance sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	window := cfg.RefreshWindow
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	threshold := cfg.ErrorThreshold
	if threshold <= 0 {
		threshold = models.DefaultErrorThreshold
	}
	return &Sweeper{
		store:          cfg.Store,
		tokens:         cfg.Tokens,
		subscriptions:  cfg.Subscriptions,
		interval:       interval,
		refreshWindow:  window,
		errorThreshold: threshold,
		now:            time.Now,
	}
}

// RunOnce performs a single sweep over every active account.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	accounts, err := s.store.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("list active accounts: %w", err)
	}

	deadline := s.now().Add(s.refreshWindow)
	for i := range accounts {
		acct := &accounts[i]

		if acct.SyncErrorsCount >= s.errorThreshold {
			reason := fmt.Sprintf("deactivated after %d consecutive errors: %s", acct.SyncErrorsCount, acct.LastError)
			if err := s.store.Deactivate(ctx, acct.ID, reason); err != nil {
				slog.Error("failed to deactivate account", "account_id", acct.ID, "error", err)
				continue
			}
			slog.Warn("account deactivated",
				"account_id", acct.ID,
				"provider", acct.Provider,
				"sync_errors", acct.SyncErrorsCount,
			)
			res.Deactivated++
			continue
		}

		if !acct.HasTokens() || acct.TokenExpiresAt == nil || acct.TokenExpiresAt.After(deadline) {
			continue
		}
		if s.tokens.Refresh(ctx, acct) {
			res.Refreshed++
		} else {
			res.Failed++
		}
	}

	if s.subscriptions != nil {
		renewed, err := s.subscriptions.RenewExpiring(ctx)
		if err != nil {
			return res, fmt.Errorf("renew subscriptions: %w", err)
		}
		res.Renewed = renewed
	}

	return res, nil
}

// Start runs the sweep immediately and then at the configured interval
// until ctx ends or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			s.sweep(loopCtx)
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	slog.Info("maintenance sweep started", "interval", s.interval)
}

// Stop shuts down the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := s.now()
	res, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("maintenance sweep failed", "error", err)
	}
	slog.Info("maintenance sweep complete",
		"refreshed", res.Refreshed,
		"refresh_failed", res.Failed,
		"deactivated", res.Deactivated,
		"renewed", res.Renewed,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
}
