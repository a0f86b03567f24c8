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

// Package account provides a Postgres-backed store for connected mailboxes
// and their OAuth, cursor and push-subscription state.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexbureau/ingestion/internal/models"
)

const accountColumns = `
	id, user_id, email, provider, active, access_token_enc, refresh_token_enc,
	token_expires_at, history_cursor, subscription_id, subscription_state,
	subscription_expires_at, sync_errors_count, last_error, last_sync_at,
	created_at, updated_at`

// Store provides CRUD operations for mail accounts in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an account store backed by the given Postgres pool.
// The schema is owned by the migrations package.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new account, or returns the existing one for the same
// (user, email, provider).
func (s *Store) Create(ctx context.Context, userID int64, email string, provider models.Provider) (*models.MailAccount, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO mail_accounts (user_id, email, provider)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, email, provider) DO UPDATE SET updated_at = NOW()
		RETURNING`+accountColumns,
		userID, strings.ToLower(strings.TrimSpace(email)), string(provider))
	return scanAccount(row)
}

// Get retrieves an account by id.
func (s *Store) Get(ctx context.Context, id int64) (*models.MailAccount, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+accountColumns+` FROM mail_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// FindActiveByEmail returns the active account for a mailbox address.
func (s *Store) FindActiveByEmail(ctx context.Context, provider models.Provider, email string) (*models.MailAccount, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+accountColumns+`
		FROM mail_accounts
		WHERE LOWER(email) = LOWER($1) AND provider = $2 AND active
		ORDER BY updated_at DESC
		LIMIT 1
	`, strings.TrimSpace(email), string(provider))
	return scanAccount(row)
}

// FindBySubscriptionID returns the account owning a provider subscription.
func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*models.MailAccount, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx, `SELECT`+accountColumns+` FROM mail_accounts WHERE subscription_id = $1`, subscriptionID)
	return scanAccount(row)
}

// ListActive returns every active account.
func (s *Store) ListActive(ctx context.Context) ([]models.MailAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT`+accountColumns+` FROM mail_accounts WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// SaveTokens stores freshly issued encrypted tokens and resets the error counter.
func (s *Store) SaveTokens(ctx context.Context, id int64, accessEnc, refreshEnc string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts
		SET access_token_enc = $1, refresh_token_enc = $2, token_expires_at = $3,
		    sync_errors_count = 0, last_error = '', updated_at = NOW()
		WHERE id = $4
	`, accessEnc, refreshEnc, expiresAt, id)
	return err
}

// ClearTokens removes all token material. When countError is set the
// consecutive error counter is incremented and reason recorded.
func (s *Store) ClearTokens(ctx context.Context, id int64, reason string, countError bool) error {
	inc := 0
	if countError {
		inc = 1
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts
		SET access_token_enc = '', refresh_token_enc = '', token_expires_at = NULL,
		    sync_errors_count = sync_errors_count + $1,
		    last_error = CASE WHEN $2 = '' THEN last_error ELSE $2 END,
		    updated_at = NOW()
		WHERE id = $3
	`, inc, reason, id)
	return err
}

// RecordError increments the error counter and stores the message.
func (s *Store) RecordError(ctx context.Context, id int64, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts
		SET sync_errors_count = sync_errors_count + 1, last_error = $1, updated_at = NOW()
		WHERE id = $2
	`, msg, id)
	return err
}

// SaveCursor persists the last processed history cursor. A numeric cursor
// only ever moves forward, so an overlapping older notification that
// finishes last cannot rewind the mailbox.
func (s *Store) SaveCursor(ctx context.Context, id int64, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts SET history_cursor = $1, updated_at = NOW()
		WHERE id = $2
		  AND (history_cursor !~ '^[0-9]+$'
		       OR $1 !~ '^[0-9]+$'
		       OR length(history_cursor) < length($1)
		       OR (length(history_cursor) = length($1) AND history_cursor COLLATE "C" < $1 COLLATE "C"))
	`, cursor, id)
	return err
}

// MarkSynced records a successful sync.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts SET last_sync_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// SaveSubscription stores a push subscription and marks the account active.
func (s *Store) SaveSubscription(ctx context.Context, id int64, subscriptionID, clientState string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts
		SET subscription_id = $1, subscription_state = $2, subscription_expires_at = $3,
		    active = TRUE, updated_at = NOW()
		WHERE id = $4
	`, subscriptionID, clientState, expiresAt, id)
	return err
}

// ClearSubscription drops the subscription id and expiry.
func (s *Store) ClearSubscription(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts
		SET subscription_id = '', subscription_state = '', subscription_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// Deactivate turns an account off without deleting it.
func (s *Store) Deactivate(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts SET active = FALSE, last_error = $1, updated_at = NOW() WHERE id = $2
	`, reason, id)
	return err
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanAccount(row pgx.Row) (*models.MailAccount, error) {
	var a models.MailAccount
	var provider string
	err := row.Scan(
		&a.ID, &a.UserID, &a.Email, &provider, &a.Active, &a.AccessTokenEnc, &a.RefreshTokenEnc,
		&a.TokenExpiresAt, &a.HistoryCursor, &a.SubscriptionID, &a.SubscriptionState,
		&a.SubscriptionExpiresAt, &a.SyncErrorsCount, &a.LastError, &a.LastSyncAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan mail account: %w", err)
	}
	a.Provider = models.Provider(provider)
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}
