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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/lexbureau/ingestion/internal/models"
	"github.com/lexbureau/ingestion/internal/subscription"
)

// TestGenerateClientState verifies the random secret generator.
func TestGenerateClientState(t *testing.T) {
	s1 := generateClientState()
	s2 := generateClientState()

	if len(s1) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("expected 32 char hex string, got %d chars: %s", len(s1), s1)
	}

	if s1 == s2 {
		t.Error("two generated states should not be equal")
	}
}

// TestMaxSubscriptionMinutes verifies the constant matches Graph API docs.
func TestMaxSubscriptionMinutes(t *testing.T) {
	hours := float64(maxSubscriptionMinutes) / 60
	if hours < 70 || hours > 71 {
		t.Errorf("max subscription hours = %.1f, expected ~70.5", hours)
	}
}

func newTestSubscriber(t *testing.T) (*Subscriber, *fakeGraph) {
	api := newFakeGraph(t)
	s := NewSubscriber(SubscriberConfig{
		NotificationURL: "https://ingest.law.test/webhooks/outlook",
		LifecycleURL:    "https://ingest.law.test/webhooks/outlook/lifecycle",
		BaseURL:         api.URL + "/",
		HTTPClient:      api.Client(),
	})
	s.now = func() time.Time { return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) }
	return s, api
}

func TestSubscriber_Subscribe(t *testing.T) {
	s, api := newTestSubscriber(t)

	sub, err := s.Subscribe(context.Background(), outlookAccount(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID != "sub-new" {
		t.Errorf("ID = %q, want sub-new", sub.ID)
	}
	if len(sub.ClientState) != 32 {
		t.Errorf("ClientState = %q, want a generated secret", sub.ClientState)
	}
	if want := time.Date(2026, 10, 18, 10, 30, 0, 0, time.UTC); !sub.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sub.ExpiresAt, want)
	}

	if api.requests[0] != "POST /subscriptions" {
		t.Fatalf("request = %q", api.requests[0])
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(api.bodies[0]), &body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if body["changeType"] != "created" || body["resource"] != inboxResource {
		t.Errorf("body = %v", body)
	}
	if body["clientState"] != sub.ClientState {
		t.Errorf("clientState sent = %q, returned = %q", body["clientState"], sub.ClientState)
	}
	if body["notificationUrl"] != "https://ingest.law.test/webhooks/outlook" ||
		body["lifecycleNotificationUrl"] != "https://ingest.law.test/webhooks/outlook/lifecycle" {
		t.Errorf("urls = %q, %q", body["notificationUrl"], body["lifecycleNotificationUrl"])
	}
	if body["expirationDateTime"] != "2026-10-18T10:30:00Z" {
		t.Errorf("expirationDateTime = %q", body["expirationDateTime"])
	}
}

func TestSubscriber_SubscribeRejected(t *testing.T) {
	s, api := newTestSubscriber(t)
	api.code = http.StatusForbidden

	_, err := s.Subscribe(context.Background(), outlookAccount(), "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusForbidden {
		t.Fatalf("error = %v, want APIError 403", err)
	}
}

func TestSubscriber_Renew(t *testing.T) {
	s, api := newTestSubscriber(t)

	sub, err := s.Renew(context.Background(), outlookAccount(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID != "sub-1" || sub.ClientState != "state-secret" {
		t.Errorf("renewed subscription = %+v, want id and clientState kept", sub)
	}
	if want := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC); !sub.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sub.ExpiresAt, want)
	}
	if api.requests[0] != "PATCH /subscriptions/sub-1" {
		t.Errorf("request = %q", api.requests[0])
	}
}

func TestSubscriber_RenewGone(t *testing.T) {
	s, _ := newTestSubscriber(t)
	acct := outlookAccount()
	acct.SubscriptionID = "gone"

	if _, err := s.Renew(context.Background(), acct, "tok"); !errors.Is(err, subscription.ErrSubscriptionGone) {
		t.Fatalf("error = %v, want ErrSubscriptionGone", err)
	}
}

func TestSubscriber_Unsubscribe(t *testing.T) {
	s, api := newTestSubscriber(t)

	if err := s.Unsubscribe(context.Background(), outlookAccount(), "tok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.requests[0] != "DELETE /subscriptions/sub-1" {
		t.Errorf("request = %q", api.requests[0])
	}

	api.code = http.StatusNotFound
	if err := s.Unsubscribe(context.Background(), outlookAccount(), "tok"); err != nil {
		t.Errorf("deleting a missing subscription: %v", err)
	}

	api.code = http.StatusForbidden
	if err := s.Unsubscribe(context.Background(), &models.MailAccount{SubscriptionID: "sub-1"}, "tok"); err == nil {
		t.Error("expected error for rejected delete")
	}
}
