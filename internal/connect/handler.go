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

// Package connect runs the OAuth consent flow that connects a mailbox to
// the ingestion service, and disconnects it again.
//
// The routes trust the user_id they are given; they are meant to be mounted
// behind the platform's authentication layer.
package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/lexbureau/ingestion/internal/models"
)

const (
	stateName   = "oauth_state"
	stateMaxAge = 10 * time.Minute
)

// ErrInvalidState is returned for OAuth state values that fail verification.
var ErrInvalidState = errors.New("invalid oauth state")

// AccountStore is the account persistence the flow needs. Implemented by account.Store.
type AccountStore interface {
	Create(ctx context.Context, userID int64, email string, provider models.Provider) (*models.MailAccount, error)
	Get(ctx context.Context, id int64) (*models.MailAccount, error)
	Deactivate(ctx context.Context, id int64, reason string) error
}

// TokenManager is implemented by tokens.Manager.
type TokenManager interface {
	AuthCodeURL(provider models.Provider, state string) (string, error)
	ExchangeAuthorizationCode(ctx context.Context, acct *models.MailAccount, provider models.Provider, code string) bool
	Revoke(ctx context.Context, acct *models.MailAccount)
}

// Subscriptions is implemented by subscription.Manager.
type Subscriptions interface {
	Create(ctx context.Context, acct *models.MailAccount) error
	Delete(ctx context.Context, acct *models.MailAccount) error
}

// Config holds the configuration for the connect handler.
type Config struct {
	Accounts      AccountStore
	Tokens        TokenManager
	Subscriptions Subscriptions
	Records       RecordReader // optional, enables the processing log routes
	StateKey      string       // HMAC key for the OAuth state, at least 32 bytes
	SuccessURL    string       // where the browser lands after a successful connection
}

// Handler serves the connection routes.
type Handler struct {
	accounts      AccountStore
	tokens        TokenManager
	subscriptions Subscriptions
	records       RecordReader
	state         *securecookie.SecureCookie
	successURL    string
}

// NewHandler creates a connect handler.
func NewHandler(cfg Config) (*Handler, error) {
	if len(cfg.StateKey) < 32 {
		return nil, fmt.Errorf("oauth state key must be at least 32 bytes, got %d", len(cfg.StateKey))
	}
	sc := securecookie.New([]byte(cfg.StateKey), nil)
	sc.MaxAge(int(stateMaxAge / time.Second))

	return &Handler{
		accounts:      cfg.Accounts,
		tokens:        cfg.Tokens,
		subscriptions: cfg.Subscriptions,
		records:       cfg.Records,
		state:         sc,
		successURL:    cfg.SuccessURL,
	}, nil
}

// Register adds the connection routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /connect/{provider}", h.ServeConnect)
	mux.HandleFunc("GET /oauth/callback", h.ServeCallback)
	mux.HandleFunc("POST /connect/{id}/disconnect", h.ServeDisconnect)
	if h.records != nil {
		mux.HandleFunc("GET /accounts/{id}/records", h.ServeAccountRecords)
		mux.HandleFunc("GET /records/{id}", h.ServeRecord)
	}
}

// ServeConnect creates or reuses the mail account and redirects the browser
// to the provider's consent screen.
func (h *Handler) ServeConnect(w http.ResponseWriter, r *http.Request) {
	provider, ok := parseProvider(r.PathValue("provider"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}

	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	addr, err := mail.ParseAddress(q.Get("email"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a valid email is required"})
		return
	}

	acct, err := h.accounts.Create(r.Context(), userID, addr.Address, provider)
	if err != nil {
		slog.Error("failed to create mail account", "user_id", userID, "provider", provider, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not create account"})
		return
	}

	state, err := h.encodeState(acct.ID)
	if err != nil {
		slog.Error("failed to sign oauth state", "account_id", acct.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not start authorization"})
		return
	}
	consentURL, err := h.tokens.AuthCodeURL(provider, state)
	if err != nil {
		slog.Error("no oauth client for provider", "provider", provider, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "provider not configured"})
		return
	}

	slog.Info("starting mailbox connection", "account_id", acct.ID, "provider", provider)
	http.Redirect(w, r, consentURL, http.StatusFound)
}

// ServeCallback completes the consent flow: it exchanges the code for
// tokens and registers the push subscription.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		slog.Warn("oauth consent refused", "error", e, "description", q.Get("error_description"))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization refused: " + e})
		return
	}

	id, err := h.decodeState(q.Get("state"))
	if err != nil {
		slog.Warn("rejected oauth callback", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid state"})
		return
	}
	code := q.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}

	acct, ok := h.account(w, r, id)
	if !ok {
		return
	}

	if !h.tokens.ExchangeAuthorizationCode(r.Context(), acct, acct.Provider, code) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "token exchange failed"})
		return
	}
	if err := h.subscriptions.Create(r.Context(), acct); err != nil {
		slog.Error("failed to subscribe connected mailbox", "account_id", acct.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "push subscription failed"})
		return
	}

	slog.Info("mailbox connected", "account_id", acct.ID, "provider", acct.Provider)
	if h.successURL != "" {
		http.Redirect(w, r, h.successURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "connected", "account_id": acct.ID})
}

// ServeDisconnect removes the subscription, revokes the tokens and
// deactivates the account.
func (h *Handler) ServeDisconnect(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return
	}
	acct, ok := h.account(w, r, id)
	if !ok {
		return
	}

	if err := h.subscriptions.Delete(r.Context(), acct); err != nil {
		slog.Warn("failed to clear subscription on disconnect", "account_id", acct.ID, "error", err)
	}
	h.tokens.Revoke(r.Context(), acct)
	if err := h.accounts.Deactivate(r.Context(), acct.ID, "disconnected by user"); err != nil {
		slog.Error("failed to deactivate account", "account_id", acct.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not deactivate account"})
		return
	}

	slog.Info("mailbox disconnected", "account_id", acct.ID, "provider", acct.Provider)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request, id int64) (*models.MailAccount, bool) {
	acct, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		slog.Error("failed to load account", "account_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load account"})
		return nil, false
	}
	if acct == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return nil, false
	}
	return acct, true
}

func (h *Handler) encodeState(accountID int64) (string, error) {
	return h.state.Encode(stateName, accountID)
}

func (h *Handler) decodeState(value string) (int64, error) {
	if value == "" {
		return 0, ErrInvalidState
	}
	var id int64
	if err := h.state.Decode(stateName, value, &id); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return id, nil
}

func parseProvider(name string) (models.Provider, bool) {
	switch strings.ToLower(name) {
	case "gmail":
		return models.ProviderGmail, true
	case "outlook":
		return models.ProviderOutlook, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "status", code, "error", err)
	}
}
