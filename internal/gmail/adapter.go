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

// Package gmail is the Gmail provider adapter. It turns Pub/Sub push
// notifications into canonical inbound messages by walking the mailbox
// history from the account's persisted cursor, and manages the mailbox watch.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lexbureau/ingestion/internal/breaker"
	"github.com/lexbureau/ingestion/internal/models"
	"github.com/lexbureau/ingestion/internal/tokens"
)

// DefaultMaxMessages bounds the messages processed for one notification.
const DefaultMaxMessages = 25

// AccountStore is the account persistence the adapter needs. SaveCursor must
// ignore a cursor lower than the stored one, since notifications for one
// mailbox may finish out of order.
type AccountStore interface {
	FindActiveByEmail(ctx context.Context, provider models.Provider, email string) (*models.MailAccount, error)
	SaveCursor(ctx context.Context, id int64, cursor string) error
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

// Config holds the configuration for the Gmail adapter.
type Config struct {
	Accounts       AccountStore
	Tokens         TokenSource
	Processor      Processor
	HTTPClient     *http.Client
	Endpoint       string // Gmail API base URL override
	MaxMessages    int
	ErrorThreshold int
	Breaker        *breaker.Breaker
}

// Adapter handles Gmail push notifications.
type Adapter struct {
	accounts       AccountStore
	tokens         TokenSource
	processor      Processor
	httpClient     *http.Client
	endpoint       string
	maxMessages    int
	errorThreshold int
	breaker        *breaker.Breaker
}

// NewAdapter creates a Gmail adapter.
func NewAdapter(cfg Config) *Adapter {
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
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
		endpoint:       cfg.Endpoint,
		maxMessages:    maxMessages,
		errorThreshold: threshold,
		breaker:        cb,
	}
}

// NewBreaker returns a breaker that trips on Gmail server errors and
// throttling only.
func NewBreaker() *breaker.Breaker {
	return breaker.New("gmail-api", func(err error) bool {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return breaker.Server5xxOrThrottled(apiErr.Code)
		}
		return true
	})
}

// Handle processes every message added to the mailbox since the account's
// cursor, up to the configured maximum. The cursor is advanced to the
// notification's history id whatever the outcome, so a failing message is
// not retried by later notifications.
func (a *Adapter) Handle(ctx context.Context, n *Notification, raw []byte) ([]*models.WebhookRecord, error) {
	acct, err := a.accounts.FindActiveByEmail(ctx, models.ProviderGmail, n.EmailAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve gmail account: %w", err)
	}
	if acct == nil {
		slog.Debug("gmail notification for unknown mailbox", "email", n.EmailAddress)
		return nil, nil
	}
	if !acct.Eligible(a.errorThreshold) {
		slog.Debug("gmail notification for ineligible account", "account_id", acct.ID)
		return nil, nil
	}

	start := n.HistoryID
	if c, err := strconv.ParseUint(acct.HistoryCursor, 10, 64); err == nil && c > 0 {
		start = c
	}
	defer a.advance(ctx, acct, n.HistoryID)

	token, err := a.tokens.AccessToken(ctx, acct)
	if err != nil {
		slog.Warn("no valid gmail token, skipping notification",
			"account_id", acct.ID,
			"error", err,
		)
		return nil, nil
	}

	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}

	ids, err := a.addedMessages(ctx, svc, start)
	if isNotFound(err) {
		slog.Warn("gmail history cursor expired, resuming from notification",
			"account_id", acct.ID,
			"cursor", start,
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list gmail history: %w", err)
	}

	records := make([]*models.WebhookRecord, 0, len(ids))
	for _, id := range ids {
		msg, err := a.fetch(ctx, svc, id)
		if isNotFound(err) {
			slog.Debug("gmail message gone before fetch", "account_id", acct.ID, "message_id", id)
			continue
		}
		if err != nil {
			slog.Warn("failed to fetch gmail message",
				"account_id", acct.ID,
				"message_id", id,
				"error", err,
			)
			records = append(records, a.processor.Fail(ctx, acct, models.ChannelGmail, id, raw, err))
			continue
		}
		records = append(records, a.processor.Process(ctx, acct, models.ChannelGmail, msg, raw))
	}

	if err := a.accounts.MarkSynced(ctx, acct.ID); err != nil {
		slog.Warn("failed to mark gmail account synced", "account_id", acct.ID, "error", err)
	}
	return records, nil
}

// advance moves the persisted cursor forward to historyID. It never moves
// backwards when notifications arrive out of order.
func (a *Adapter) advance(ctx context.Context, acct *models.MailAccount, historyID uint64) {
	if c, err := strconv.ParseUint(acct.HistoryCursor, 10, 64); err == nil && c >= historyID {
		return
	}
	cursor := strconv.FormatUint(historyID, 10)
	if err := a.accounts.SaveCursor(context.WithoutCancel(ctx), acct.ID, cursor); err != nil {
		slog.Error("failed to save gmail history cursor",
			"account_id", acct.ID,
			"cursor", cursor,
			"error", err,
		)
		return
	}
	acct.HistoryCursor = cursor
}

// addedMessages lists ids of messages added after start, oldest first.
func (a *Adapter) addedMessages(ctx context.Context, svc *gmailapi.Service, start uint64) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	pageToken := ""

	for {
		call := svc.Users.History.List("me").
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmailapi.ListHistoryResponse
		err := a.breaker.Do(func() error {
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if err != nil {
			return nil, err
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] || outgoing(added.Message.LabelIds) {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
				if len(ids) >= a.maxMessages {
					return ids, nil
				}
			}
		}

		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// fetch loads one message and downloads each of its attachments.
func (a *Adapter) fetch(ctx context.Context, svc *gmailapi.Service, id string) (*models.InboundMessage, error) {
	var m *gmailapi.Message
	err := a.breaker.Do(func() error {
		var apiErr error
		m, apiErr = svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	msg := &models.InboundMessage{
		MessageID: m.Id,
		ThreadID:  m.ThreadId,
		Sender:    header(m.Payload, "From"),
		Subject:   header(m.Payload, "Subject"),
	}

	for _, part := range attachmentParts(m.Payload) {
		content, err := a.partContent(ctx, svc, m.Id, part)
		if err != nil {
			return nil, fmt.Errorf("download attachment %q: %w", part.Filename, err)
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Filename:    part.Filename,
			ContentType: part.MimeType,
			Content:     content,
		})
	}
	return msg, nil
}

func (a *Adapter) partContent(ctx context.Context, svc *gmailapi.Service, messageID string, part *gmailapi.MessagePart) ([]byte, error) {
	if part.Body == nil {
		return nil, nil
	}
	if part.Body.AttachmentId == "" {
		return decodeBase64(part.Body.Data)
	}

	var body *gmailapi.MessagePartBody
	err := a.breaker.Do(func() error {
		var apiErr error
		body, apiErr = svc.Users.Messages.Attachments.Get("me", messageID, part.Body.AttachmentId).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return decodeBase64(body.Data)
}

func (a *Adapter) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	return newService(ctx, tokens.BearerClient(a.httpClient, accessToken), a.endpoint)
}

func newService(ctx context.Context, client *http.Client, endpoint string) (*gmailapi.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// attachmentParts walks the MIME tree collecting every part with a filename.
func attachmentParts(part *gmailapi.MessagePart) []*gmailapi.MessagePart {
	if part == nil {
		return nil
	}
	var parts []*gmailapi.MessagePart
	if part.Filename != "" {
		parts = append(parts, part)
	}
	for _, p := range part.Parts {
		parts = append(parts, attachmentParts(p)...)
	}
	return parts
}

func header(part *gmailapi.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// outgoing reports whether the labels mark the user's own sent mail or drafts.
func outgoing(labels []string) bool {
	for _, l := range labels {
		if l == "SENT" || l == "DRAFT" {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
