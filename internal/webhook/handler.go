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

// Package webhook receives provider push notifications. Gmail delivers
// Pub/Sub push envelopes; Microsoft Graph delivers change notifications and
// lifecycle events. Requests are authenticated and decoded synchronously,
// acknowledged, and then processed in the background.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lexbureau/ingestion/internal/gmail"
	"github.com/lexbureau/ingestion/internal/graph"
	"github.com/lexbureau/ingestion/internal/models"
)

const (
	// DefaultProcessTimeout bounds the background processing of one notification.
	DefaultProcessTimeout = 5 * time.Minute
	// DefaultMaxBodyBytes caps notification bodies.
	DefaultMaxBodyBytes = 1 << 20

	signatureHeader = "X-Webhook-Signature"
)

// GmailHandler processes a decoded Gmail push. Implemented by gmail.Adapter.
type GmailHandler interface {
	Handle(ctx context.Context, n *gmail.Notification, raw []byte) ([]*models.WebhookRecord, error)
}

// OutlookHandler verifies and processes Graph notifications. Implemented by graph.Adapter.
type OutlookHandler interface {
	Prepare(ctx context.Context, payload *graph.NotificationPayload, raw []byte) ([]graph.Delivery, error)
	LifecycleAccounts(ctx context.Context, payload *graph.NotificationPayload) ([]*models.MailAccount, error)
	Handle(ctx context.Context, deliveries []graph.Delivery) []*models.WebhookRecord
}

// Renewer renews an account's subscription. Implemented by subscription.Manager.
type Renewer interface {
	Renew(ctx context.Context, acct *models.MailAccount) error
}

// PushVerifier authenticates a Pub/Sub push from its Authorization header.
type PushVerifier interface {
	Verify(ctx context.Context, authorization string) error
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerState reports the state of a provider circuit breaker.
type BreakerState interface {
	State() string
}

// Config holds the configuration for the webhook handler.
type Config struct {
	Gmail          GmailHandler
	Outlook        OutlookHandler
	Renewer        Renewer
	Verifier       PushVerifier
	OutlookSecret  string
	ProcessTimeout time.Duration
	MaxBodyBytes   int64
	Checks         map[string]Pinger
	Breakers       map[string]BreakerState // reported by /health, never fail it
}

// Handler serves the webhook endpoints.
type Handler struct {
	gmail          GmailHandler
	outlook        OutlookHandler
	renewer        Renewer
	verifier       PushVerifier
	outlookSecret  []byte
	processTimeout time.Duration
	maxBodyBytes   int64
	checks         map[string]Pinger
	breakers       map[string]BreakerState

	wg  sync.WaitGroup
	run func(func())
}

// NewHandler creates a webhook handler.
func NewHandler(cfg Config) *Handler {
	timeout := cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = DefaultProcessTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	h := &Handler{
		gmail:          cfg.Gmail,
		outlook:        cfg.Outlook,
		renewer:        cfg.Renewer,
		verifier:       cfg.Verifier,
		processTimeout: timeout,
		maxBodyBytes:   maxBody,
		checks:         cfg.Checks,
		breakers:       cfg.Breakers,
	}
	if cfg.OutlookSecret != "" {
		h.outlookSecret = []byte(cfg.OutlookSecret)
	}
	h.run = func(fn func()) { go fn() }
	return h
}

// Register adds the webhook and health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/gmail", h.ServeGmail)
	mux.HandleFunc("/webhooks/outlook", h.ServeOutlook)
	mux.HandleFunc("/webhooks/outlook/lifecycle", h.ServeOutlookLifecycle)
	mux.HandleFunc("GET /health", h.ServeHealth)
}

// ServeGmail handles Pub/Sub push deliveries for Gmail mailboxes.
func (h *Handler) ServeGmail(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		slog.Error("gmail push received but no verifier is configured")
		writeError(w, http.StatusUnauthorized, "push authentication unavailable")
		return
	}
	if err := h.verifier.Verify(r.Context(), r.Header.Get("Authorization")); err != nil {
		slog.Warn("rejected gmail push", "remote_addr", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid push token")
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	n, err := gmail.DecodePush(body)
	if err != nil {
		slog.Warn("malformed gmail push", "error", err)
		writeError(w, http.StatusBadRequest, "malformed push envelope")
		return
	}

	writeAccepted(w)

	h.background("gmail", func(ctx context.Context) {
		records, err := h.gmail.Handle(ctx, n, body)
		if err != nil {
			slog.Error("gmail notification failed",
				"email", n.EmailAddress,
				"history_id", n.HistoryID,
				"error", err,
			)
			return
		}
		logOutcome("gmail", records)
	})
}

// ServeOutlook handles Graph change notifications.
//
// Graph API validation flow:
//   - When creating a subscription, Graph sends a POST with ?validationToken=<token>
//   - We must respond 200 OK with the token in plain text
func (h *Handler) ServeOutlook(w http.ResponseWriter, r *http.Request) {
	if echoValidation(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.outlook == nil {
		writeError(w, http.StatusNotFound, "outlook ingestion is not configured")
		return
	}

	body, payload, ok := h.readNotifications(w, r)
	if !ok {
		return
	}

	deliveries, err := h.outlook.Prepare(r.Context(), payload, body)
	if errors.Is(err, graph.ErrClientStateMismatch) {
		writeError(w, http.StatusForbidden, "clientState mismatch")
		return
	}
	if err != nil {
		slog.Error("failed to resolve graph notifications", "error", err)
		writeAccepted(w)
		return
	}

	writeAccepted(w)
	if len(deliveries) == 0 {
		return
	}

	h.background("outlook", func(ctx context.Context) {
		logOutcome("outlook", h.outlook.Handle(ctx, deliveries))
	})
}

// ServeOutlookLifecycle handles Graph lifecycle notifications by renewing
// the affected subscriptions.
func (h *Handler) ServeOutlookLifecycle(w http.ResponseWriter, r *http.Request) {
	if echoValidation(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.outlook == nil {
		writeError(w, http.StatusNotFound, "outlook ingestion is not configured")
		return
	}

	_, payload, ok := h.readNotifications(w, r)
	if !ok {
		return
	}

	accounts, err := h.outlook.LifecycleAccounts(r.Context(), payload)
	if errors.Is(err, graph.ErrClientStateMismatch) {
		writeError(w, http.StatusForbidden, "clientState mismatch")
		return
	}
	if err != nil {
		slog.Error("failed to resolve graph lifecycle notifications", "error", err)
	}

	writeAccepted(w)
	if len(accounts) == 0 || h.renewer == nil {
		return
	}

	h.background("outlook-lifecycle", func(ctx context.Context) {
		for _, acct := range accounts {
			if err := h.renewer.Renew(ctx, acct); err != nil {
				slog.Error("lifecycle renewal failed", "account_id", acct.ID, "error", err)
			}
		}
	})
}

// ServeHealth reports whether every configured dependency answers, along
// with the state of each provider circuit breaker.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	body := map[string]interface{}{"status": "ok"}
	if len(h.breakers) > 0 {
		states := make(map[string]string, len(h.breakers))
		for name, b := range h.breakers {
			states[name] = b.State()
		}
		body["breakers"] = states
	}

	code := http.StatusOK
	if len(failures) > 0 {
		code = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["failures"] = failures
	}
	writeJSON(w, code, body)
}

// Wait blocks until background processing finishes or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// background runs fn detached from the request, bounded by the processing timeout.
func (h *Handler) background(source string, fn func(ctx context.Context)) {
	h.wg.Add(1)
	h.run(func() {
		defer h.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("webhook processing panicked", "source", source, "panic", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), h.processTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		slog.Warn("failed to read notification body", "error", err)
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	return body, true
}

// readNotifications reads, authenticates and decodes a Graph POST body.
func (h *Handler) readNotifications(w http.ResponseWriter, r *http.Request) ([]byte, *graph.NotificationPayload, bool) {
	body, ok := h.readBody(w, r)
	if !ok {
		return nil, nil, false
	}
	if h.outlookSecret != nil && !VerifySignature(h.outlookSecret, body, r.Header.Get(signatureHeader)) {
		slog.Warn("rejected graph notification with bad signature", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return nil, nil, false
	}
	payload, err := graph.DecodeNotifications(body)
	if err != nil {
		slog.Warn("malformed graph notification", "body_len", len(body), "error", err)
		writeError(w, http.StatusBadRequest, "malformed notification")
		return nil, nil, false
	}
	return body, payload, true
}

func echoValidation(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("validationToken")
	if token == "" {
		return false
	}
	slog.Info("subscription validation probe received", "path", r.URL.Path)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(token))
	return true
}

func logOutcome(source string, records []*models.WebhookRecord) {
	for _, r := range records {
		slog.Info("notification processed",
			"source", source,
			"record_id", r.ID,
			"account_id", r.AccountID,
			"message_id", r.MessageID,
			"status", r.Status,
		)
	}
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"accepted"}`)); err != nil {
		slog.Debug("failed to write response", "status", http.StatusOK, "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "status", code, "error", err)
	}
}
