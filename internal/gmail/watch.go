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

package gmail

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/lexbureau/ingestion/internal/breaker"
	"github.com/lexbureau/ingestion/internal/models"
	"github.com/lexbureau/ingestion/internal/subscription"
	"github.com/lexbureau/ingestion/internal/tokens"
)

// WatcherConfig holds the configuration for the Gmail watch subscriber.
type WatcherConfig struct {
	TopicName  string // projects/{project}/topics/{topic}
	LabelIDs   []string
	HTTPClient *http.Client
	Endpoint   string
	Breaker    *breaker.Breaker
}

// Watcher registers Gmail mailbox watches that publish to a Pub/Sub topic.
type Watcher struct {
	topic      string
	labelIDs   []string
	httpClient *http.Client
	endpoint   string
	breaker    *breaker.Breaker
}

// NewWatcher creates a Gmail watch subscriber.
func NewWatcher(cfg WatcherConfig) *Watcher {
	labels := cfg.LabelIDs
	if len(labels) == 0 {
		labels = []string{"INBOX"}
	}
	cb := cfg.Breaker
	if cb == nil {
		cb = NewBreaker()
	}
	return &Watcher{
		topic:      cfg.TopicName,
		labelIDs:   labels,
		httpClient: cfg.HTTPClient,
		endpoint:   cfg.Endpoint,
		breaker:    cb,
	}
}

// Subscribe starts a watch on the mailbox. Gmail has no subscription id; the
// watch's starting history id is used instead and doubles as the initial
// cursor.
func (w *Watcher) Subscribe(ctx context.Context, _ *models.MailAccount, accessToken string) (*subscription.Subscription, error) {
	svc, err := newService(ctx, tokens.BearerClient(w.httpClient, accessToken), w.endpoint)
	if err != nil {
		return nil, err
	}

	var resp *gmailapi.WatchResponse
	err = w.breaker.Do(func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch("me", &gmailapi.WatchRequest{
			TopicName: w.topic,
			LabelIds:  w.labelIDs,
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("gmail watch: %w", err)
	}

	historyID := strconv.FormatUint(resp.HistoryId, 10)
	return &subscription.Subscription{
		ID:        historyID,
		ExpiresAt: time.UnixMilli(resp.Expiration).UTC(),
		Cursor:    historyID,
	}, nil
}

// Renew re-issues the watch, which is how Gmail extends it.
func (w *Watcher) Renew(ctx context.Context, acct *models.MailAccount, accessToken string) (*subscription.Subscription, error) {
	return w.Subscribe(ctx, acct, accessToken)
}

// Unsubscribe stops all watches on the mailbox.
func (w *Watcher) Unsubscribe(ctx context.Context, _ *models.MailAccount, accessToken string) error {
	svc, err := newService(ctx, tokens.BearerClient(w.httpClient, accessToken), w.endpoint)
	if err != nil {
		return err
	}
	return w.breaker.Do(func() error {
		return svc.Users.Stop("me").Context(ctx).Do()
	})
}
