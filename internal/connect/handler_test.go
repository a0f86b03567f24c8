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

package connect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbureau/ingestion/internal/models"
)

const testStateKey = "0123456789abcdef0123456789abcdef"

type memAccounts struct {
	accounts    map[int64]*models.MailAccount
	nextID      int64
	deactivated []int64
}

func (m *memAccounts) Create(_ context.Context, userID int64, email string, provider models.Provider) (*models.MailAccount, error) {
	for _, a := range m.accounts {
		if a.UserID == userID && a.Email == email && a.Provider == provider {
			return a, nil
		}
	}
	m.nextID++
	a := &models.MailAccount{ID: m.nextID, UserID: userID, Email: email, Provider: provider}
	m.accounts[a.ID] = a
	return a, nil
}

func (m *memAccounts) Get(_ context.Context, id int64) (*models.MailAccount, error) {
	return m.accounts[id], nil
}

func (m *memAccounts) Deactivate(_ context.Context, id int64, _ string) error {
	m.deactivated = append(m.deactivated, id)
	return nil
}

type fakeTokens struct {
	exchangeOK bool
	codes      []string
	revoked    []int64
}

func (f *fakeTokens) AuthCodeURL(provider models.Provider, state string) (string, error) {
	if provider == models.ProviderOther {
		return "", errors.New("not configured")
	}
	return "https://consent.example/" + strings.ToLower(string(provider)) + "?state=" + url.QueryEscape(state), nil
}

func (f *fakeTokens) ExchangeAuthorizationCode(_ context.Context, _ *models.MailAccount, _ models.Provider, code string) bool {
	f.codes = append(f.codes, code)
	return f.exchangeOK
}

func (f *fakeTokens) Revoke(_ context.Context, acct *models.MailAccount) {
	f.revoked = append(f.revoked, acct.ID)
}

type fakeSubscriptions struct {
	createErr error
	created   []int64
	deleted   []int64
}

func (f *fakeSubscriptions) Create(_ context.Context, acct *models.MailAccount) error {
	f.created = append(f.created, acct.ID)
	return f.createErr
}

func (f *fakeSubscriptions) Delete(_ context.Context, acct *models.MailAccount) error {
	f.deleted = append(f.deleted, acct.ID)
	return errors.New("provider unreachable")
}

type harness struct {
	accounts *memAccounts
	tokens   *fakeTokens
	subs     *fakeSubscriptions
	records  *memRecords
	handler  *Handler
	mux      *http.ServeMux
}

func newHarness(t *testing.T, successURL string) *harness {
	h := &harness{
		accounts: &memAccounts{accounts: map[int64]*models.MailAccount{}},
		tokens:   &fakeTokens{exchangeOK: true},
		subs:     &fakeSubscriptions{},
		records:  &memRecords{byID: map[int64]*models.WebhookRecord{}},
		mux:      http.NewServeMux(),
	}
	handler, err := NewHandler(Config{
		Accounts:      h.accounts,
		Tokens:        h.tokens,
		Subscriptions: h.subs,
		Records:       h.records,
		StateKey:      testStateKey,
		SuccessURL:    successURL,
	})
	require.NoError(t, err)
	h.handler = handler
	handler.Register(h.mux)
	return h
}

func (h *harness) do(method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func (h *harness) connect(t *testing.T, provider string) string {
	t.Helper()
	rr := h.do(http.MethodGet, "/connect/"+provider+"?user_id=42&email=Inbox%40law.test")
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("state")
}

func TestNewHandler_ShortKey(t *testing.T) {
	_, err := NewHandler(Config{StateKey: "short"})
	assert.Error(t, err)
}

func TestConnect_RedirectsToConsent(t *testing.T) {
	h := newHarness(t, "")

	rr := h.do(http.MethodGet, "/connect/gmail?user_id=42&email=Inbox%40law.test")
	require.Equal(t, http.StatusFound, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), "https://consent.example/gmail?state="))

	require.Len(t, h.accounts.accounts, 1)
	acct := h.accounts.accounts[1]
	assert.Equal(t, models.ProviderGmail, acct.Provider)
	assert.Equal(t, int64(42), acct.UserID)

	h.connect(t, "gmail")
	assert.Len(t, h.accounts.accounts, 1, "reconnecting reuses the account")
}

func TestConnect_BadRequests(t *testing.T) {
	h := newHarness(t, "")

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/connect/yahoo?user_id=1&email=a%40b.c").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/connect/gmail?email=a%40b.c").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/connect/gmail?user_id=-1&email=a%40b.c").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/connect/outlook?user_id=1&email=not-an-address").Code)
	assert.Empty(t, h.accounts.accounts)
}

func TestCallback_ConnectsMailbox(t *testing.T) {
	h := newHarness(t, "")
	state := h.connect(t, "outlook")

	rr := h.do(http.MethodGet, "/oauth/callback?code=abc&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"connected","account_id":1}`, rr.Body.String())
	assert.Equal(t, []string{"abc"}, h.tokens.codes)
	assert.Equal(t, []int64{1}, h.subs.created)
}

func TestCallback_RedirectsOnSuccess(t *testing.T) {
	h := newHarness(t, "https://app.law.test/settings/mail")
	state := h.connect(t, "gmail")

	rr := h.do(http.MethodGet, "/oauth/callback?code=abc&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://app.law.test/settings/mail", rr.Header().Get("Location"))
}

func TestCallback_RejectsBadState(t *testing.T) {
	h := newHarness(t, "")
	state := h.connect(t, "gmail")

	other, err := NewHandler(Config{StateKey: "ffffffffffffffffffffffffffffffff"})
	require.NoError(t, err)
	forged, err := other.encodeState(1)
	require.NoError(t, err)

	for _, s := range []string{"", "garbage", forged, state[:len(state)-2]} {
		rr := h.do(http.MethodGet, "/oauth/callback?code=abc&state="+url.QueryEscape(s))
		assert.Equal(t, http.StatusBadRequest, rr.Code, "state %q", s)
	}
	assert.Empty(t, h.tokens.codes)
}

func TestCallback_Failures(t *testing.T) {
	h := newHarness(t, "")
	state := url.QueryEscape(h.connect(t, "gmail"))

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/oauth/callback?error=access_denied&state="+state).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/oauth/callback?state="+state).Code)

	h.tokens.exchangeOK = false
	assert.Equal(t, http.StatusBadGateway, h.do(http.MethodGet, "/oauth/callback?code=abc&state="+state).Code)
	assert.Empty(t, h.subs.created)

	h.tokens.exchangeOK = true
	h.subs.createErr = errors.New("watch failed")
	assert.Equal(t, http.StatusBadGateway, h.do(http.MethodGet, "/oauth/callback?code=abc&state="+state).Code)
}

func TestCallback_UnknownAccount(t *testing.T) {
	h := newHarness(t, "")
	state, err := h.handler.encodeState(99)
	require.NoError(t, err)

	rr := h.do(http.MethodGet, "/oauth/callback?code=abc&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t, "gmail")

	rr := h.do(http.MethodPost, "/connect/1/disconnect")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []int64{1}, h.subs.deleted)
	assert.Equal(t, []int64{1}, h.tokens.revoked, "tokens are revoked even when teardown fails")
	assert.Equal(t, []int64{1}, h.accounts.deactivated)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/connect/7/disconnect").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/connect/abc/disconnect").Code)
}
