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

// Package tokens obtains, validates, refreshes and revokes per-account OAuth
// tokens for the Gmail and Outlook integrations. Tokens are stored encrypted.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/lexbureau/ingestion/internal/models"
)

// ErrNoValidToken means the account has no usable access token and must be
// re-authorised. Callers abort the unit of work for that account.
var ErrNoValidToken = errors.New("no valid access token")

// DefaultMargin is subtracted from provider expiries before they are stored.
const DefaultMargin = 5 * time.Minute

// defaultLifetime is assumed when a token response carries no expiry.
const defaultLifetime = time.Hour

// Cipher encrypts tokens at rest. Implemented by vault.Vault.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AccountStore is the persistence the manager needs. Implemented by account.Store.
type AccountStore interface {
	SaveTokens(ctx context.Context, id int64, accessEnc, refreshEnc string, expiresAt time.Time) error
	ClearTokens(ctx context.Context, id int64, reason string, countError bool) error
}

// ProviderConfig holds the OAuth client for one provider.
type ProviderConfig struct {
	OAuth     *oauth2.Config
	RevokeURL string // empty when the provider has no token revocation endpoint
}

// ManagerConfig holds the configuration for the token manager.
type ManagerConfig struct {
	Cipher     Cipher
	Store      AccountStore
	Providers  map[models.Provider]ProviderConfig
	Margin     time.Duration
	HTTPClient *http.Client
}

// issued is a token set as stored on the account.
type issued struct {
	access     string
	accessEnc  string
	refreshEnc string
	expiresAt  time.Time
}

// Manager handles the token lifecycle of mail accounts.
type Manager struct {
	cipher     Cipher
	store      AccountStore
	providers  map[models.Provider]ProviderConfig
	margin     time.Duration
	httpClient *http.Client
	now        func() time.Time

	group singleflight.Group

	// recent holds the last refresh result per account so callers holding a
	// stale copy of the account do not spend the refresh token a second time.
	mu     sync.Mutex
	recent map[int64]issued
}

// NewManager creates a token manager.
func NewManager(cfg ManagerConfig) *Manager {
	margin := cfg.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		cipher:     cfg.Cipher,
		store:      cfg.Store,
		providers:  cfg.Providers,
		margin:     margin,
		httpClient: client,
		now:        time.Now,
		recent:     make(map[int64]issued),
	}
}

// AuthCodeURL returns the consent URL for a provider, requesting offline access.
func (m *Manager) AuthCodeURL(provider models.Provider, state string) (string, error) {
	pc, ok := m.providers[provider]
	if !ok {
		return "", fmt.Errorf("no OAuth client configured for %s", provider)
	}
	return pc.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ExchangeAuthorizationCode trades an authorisation code for tokens and stores
// them encrypted. It never returns an error; failures are logged.
func (m *Manager) ExchangeAuthorizationCode(ctx context.Context, acct *models.MailAccount, provider models.Provider, code string) bool {
	pc, ok := m.providers[provider]
	if !ok || acct.Provider != provider {
		slog.Error("token exchange for unsupported provider",
			"account_id", acct.ID,
			"provider", provider,
		)
		return false
	}

	tok, err := pc.OAuth.Exchange(m.clientContext(ctx), code)
	if err != nil {
		slog.Error("authorization code exchange failed",
			"account_id", acct.ID,
			"provider", provider,
			"error", err,
		)
		return false
	}
	if tok.RefreshToken == "" {
		slog.Error("provider did not issue a refresh token",
			"account_id", acct.ID,
			"provider", provider,
		)
		return false
	}

	is, err := m.persist(ctx, acct, tok, "")
	if err != nil {
		slog.Error("failed to store exchanged tokens",
			"account_id", acct.ID,
			"error", err,
		)
		return false
	}
	m.forget(acct.ID)
	apply(acct, is)
	acct.SyncErrorsCount = 0
	acct.LastError = ""

	slog.Info("mail account authorised",
		"account_id", acct.ID,
		"provider", provider,
		"expires_at", is.expiresAt,
	)
	return true
}

// AccessToken returns a decrypted access token with at least the configured
// margin of lifetime left, refreshing once if needed. ErrNoValidToken is
// returned when the account must be re-authorised.
func (m *Manager) AccessToken(ctx context.Context, acct *models.MailAccount) (string, error) {
	if !acct.HasTokens() {
		return "", ErrNoValidToken
	}

	if acct.TokenExpiresAt != nil && m.now().Before(*acct.TokenExpiresAt) {
		access, err := m.cipher.Decrypt(acct.AccessTokenEnc)
		if err == nil {
			return access, nil
		}
		slog.Error("stored access token unreadable, clearing",
			"account_id", acct.ID,
			"error", err,
		)
		m.clear(ctx, acct, "stored token unreadable", true)
		return "", ErrNoValidToken
	}

	if is, ok := m.recentFor(acct.ID); ok {
		apply(acct, is)
		return is.access, nil
	}

	is, err := m.refreshShared(ctx, acct)
	if err != nil {
		return "", ErrNoValidToken
	}
	apply(acct, is)
	return is.access, nil
}

// Refresh runs the provider refresh-token grant. On failure the refresh token
// is presumed revoked and all tokens are cleared to force re-authorisation.
func (m *Manager) Refresh(ctx context.Context, acct *models.MailAccount) bool {
	is, err := m.refreshShared(ctx, acct)
	if err != nil {
		return false
	}
	apply(acct, is)
	return true
}

// Revoke asks the provider to revoke the grant, then clears local tokens
// whatever the provider answered.
func (m *Manager) Revoke(ctx context.Context, acct *models.MailAccount) {
	pc := m.providers[acct.Provider]
	if pc.RevokeURL != "" && acct.HasTokens() {
		if err := m.revokeRemote(ctx, pc.RevokeURL, acct); err != nil {
			slog.Warn("provider token revocation failed",
				"account_id", acct.ID,
				"provider", acct.Provider,
				"error", err,
			)
		}
	}

	m.forget(acct.ID)
	if err := m.store.ClearTokens(ctx, acct.ID, "", false); err != nil {
		slog.Error("failed to clear revoked tokens", "account_id", acct.ID, "error", err)
	}
	acct.ClearTokens()
	slog.Info("mail account tokens revoked", "account_id", acct.ID)
}

// refreshShared serialises refreshes per account.
func (m *Manager) refreshShared(ctx context.Context, acct *models.MailAccount) (issued, error) {
	snapshot := *acct
	v, err, _ := m.group.Do(strconv.FormatInt(acct.ID, 10), func() (interface{}, error) {
		if is, ok := m.recentFor(snapshot.ID); ok {
			return is, nil
		}
		return m.refresh(ctx, &snapshot)
	})
	if err != nil {
		acct.ClearTokens()
		return issued{}, err
	}
	return v.(issued), nil
}

func (m *Manager) refresh(ctx context.Context, acct *models.MailAccount) (issued, error) {
	pc, ok := m.providers[acct.Provider]
	if !ok {
		return issued{}, fmt.Errorf("no OAuth client configured for %s", acct.Provider)
	}
	if acct.RefreshTokenEnc == "" {
		return issued{}, ErrNoValidToken
	}

	refreshToken, err := m.cipher.Decrypt(acct.RefreshTokenEnc)
	if err != nil {
		slog.Error("stored refresh token unreadable", "account_id", acct.ID, "error", err)
		m.clear(ctx, acct, "stored refresh token unreadable", true)
		return issued{}, err
	}

	src := pc.OAuth.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		slog.Warn("token refresh failed, re-authorization required",
			"account_id", acct.ID,
			"provider", acct.Provider,
			"error", err,
		)
		m.clear(ctx, acct, "token refresh failed: "+err.Error(), true)
		return issued{}, err
	}

	is, err := m.persist(ctx, acct, tok, refreshToken)
	if err != nil {
		slog.Error("failed to store refreshed tokens", "account_id", acct.ID, "error", err)
		return issued{}, err
	}

	m.mu.Lock()
	m.recent[acct.ID] = is
	m.mu.Unlock()

	slog.Debug("access token refreshed", "account_id", acct.ID, "expires_at", is.expiresAt)
	return is, nil
}

// persist encrypts and stores tok. Providers that do not rotate refresh
// tokens return none on refresh, so the previous one is kept.
func (m *Manager) persist(ctx context.Context, acct *models.MailAccount, tok *oauth2.Token, previousRefresh string) (issued, error) {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}

	accessEnc, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return issued{}, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := m.cipher.Encrypt(refresh)
	if err != nil {
		return issued{}, fmt.Errorf("encrypt refresh token: %w", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultLifetime)
	}
	is := issued{
		access:     tok.AccessToken,
		accessEnc:  accessEnc,
		refreshEnc: refreshEnc,
		expiresAt:  expiry.Add(-m.margin),
	}

	if err := m.store.SaveTokens(ctx, acct.ID, is.accessEnc, is.refreshEnc, is.expiresAt); err != nil {
		return issued{}, fmt.Errorf("save tokens: %w", err)
	}
	return is, nil
}

func (m *Manager) clear(ctx context.Context, acct *models.MailAccount, reason string, countError bool) {
	m.forget(acct.ID)
	if err := m.store.ClearTokens(ctx, acct.ID, reason, countError); err != nil {
		slog.Error("failed to clear tokens", "account_id", acct.ID, "error", err)
	}
	acct.ClearTokens()
	if countError {
		acct.SyncErrorsCount++
		acct.LastError = reason
	}
}

func (m *Manager) revokeRemote(ctx context.Context, revokeURL string, acct *models.MailAccount) error {
	token, err := m.cipher.Decrypt(acct.RefreshTokenEnc)
	if err != nil {
		return err
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) recentFor(id int64) (issued, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.recent[id]
	if !ok || !m.now().Before(is.expiresAt) {
		return issued{}, false
	}
	return is, true
}

func (m *Manager) forget(id int64) {
	m.mu.Lock()
	delete(m.recent, id)
	m.mu.Unlock()
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func apply(acct *models.MailAccount, is issued) {
	acct.AccessTokenEnc = is.accessEnc
	acct.RefreshTokenEnc = is.refreshEnc
	expiry := is.expiresAt
	acct.TokenExpiresAt = &expiry
}

// BearerClient returns a client that sends accessToken on every request,
// keeping base's timeout and transport.
func BearerClient(base *http.Client, accessToken string) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	return &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   base.Transport,
		},
	}
}
