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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lexbureau/ingestion/internal/models"
)

// TestParseResource verifies the resource path parser.
func TestParseResource(t *testing.T) {
	tests := []struct {
		resource  string
		wantMsg   string
		wantError bool
	}{
		{resource: "users/abc123/messages/msg456", wantMsg: "msg456"},
		{resource: "/Users/abc123/Messages/msg456", wantMsg: "msg456"},
		{resource: "me/mailFolders('Inbox')/messages/AAMkAD=", wantMsg: "AAMkAD="},
		{resource: "users/abc123/mailFolders/inbox", wantError: true},
		{resource: "users/abc123/messages/", wantError: true},
		{resource: "invalid", wantError: true},
		{resource: "", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			msgID, err := parseResource(tt.resource)
			if tt.wantError {
				if err == nil {
					t.Errorf("expected error for resource %q, got none", tt.resource)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgID != tt.wantMsg {
				t.Errorf("messageID = %q, want %q", msgID, tt.wantMsg)
			}
		})
	}
}

func TestDecodeNotifications(t *testing.T) {
	payload, err := DecodeNotifications([]byte(`{"value":[{"subscriptionId":"sub-1","changeType":"created",
		"resource":"Users/u/Messages/ignored","resourceData":{"@odata.type":"#Microsoft.Graph.Message","id":"msg-1"}}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payload.Value) != 1 {
		t.Fatalf("got %d notifications, want 1", len(payload.Value))
	}
	id, err := payload.Value[0].messageID()
	if err != nil || id != "msg-1" {
		t.Errorf("messageID = %q, %v; want msg-1 from resourceData", id, err)
	}

	for _, body := range []string{"not json", `{}`, `{"value":null}`} {
		if _, err := DecodeNotifications([]byte(body)); !errors.Is(err, ErrMalformedNotification) {
			t.Errorf("DecodeNotifications(%q) error = %v, want ErrMalformedNotification", body, err)
		}
	}
}

const graphMessageJSON = `{
  "id": "msg-1",
  "conversationId": "conv-1",
  "subject": "Pièces du dossier",
  "from": {"emailAddress": {"name": "Client", "address": "Client@X.com"}},
  "attachments": [
    {"@odata.type": "#microsoft.graph.fileAttachment", "id": "a1", "name": "contract.pdf",
     "contentType": "application/pdf", "size": 8, "contentBytes": "JVBERi0xLjc="},
    {"@odata.type": "#microsoft.graph.itemAttachment", "id": "a2", "name": "forwarded.eml"},
    {"@odata.type": "#microsoft.graph.referenceAttachment", "id": "a3", "name": "link.docx"}
  ]
}`

func TestParseGraphMessage(t *testing.T) {
	msg, err := parseGraphMessage(strings.NewReader(graphMessageJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.MessageID != "msg-1" || msg.ThreadID != "conv-1" {
		t.Errorf("ids = %q/%q, want msg-1/conv-1", msg.MessageID, msg.ThreadID)
	}
	if msg.Sender != "Client@X.com" {
		t.Errorf("sender = %q", msg.Sender)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want only the file attachment", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "contract.pdf" || att.ContentType != "application/pdf" || string(att.Content) != "%PDF-1.7" {
		t.Errorf("attachment = %q %q %q", att.Filename, att.ContentType, att.Content)
	}
}

// fakeGraph serves the Graph endpoints the adapter and subscriber call.
type fakeGraph struct {
	*httptest.Server
	mu       sync.Mutex
	messages map[string]string
	code     int
	requests []string
	bodies   []string
}

func newFakeGraph(t *testing.T) *fakeGraph {
	f := &fakeGraph{messages: map[string]string{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.bodies = append(f.bodies, string(body))

	if f.code != 0 {
		w.WriteHeader(f.code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasPrefix(r.URL.Path, "/me/messages/"):
		if r.URL.Query().Get("$expand") != "attachments" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		msg, ok := f.messages[strings.TrimPrefix(r.URL.Path, "/me/messages/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, msg)
	case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"sub-new","expirationDateTime":"2026-10-18T10:30:00Z"}`)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/subscriptions/"):
		if strings.HasSuffix(r.URL.Path, "/gone") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, `{"id":"sub-1","expirationDateTime":"2026-10-19T08:00:00Z"}`)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/subscriptions/"):
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type memAccounts struct {
	bySubscription map[string]*models.MailAccount
	synced         []int64
	err            error
}

func (m *memAccounts) FindBySubscriptionID(_ context.Context, id string) (*models.MailAccount, error) {
	if m.err != nil {
		return nil, m.err
	}
	acct, ok := m.bySubscription[id]
	if !ok {
		return nil, nil
	}
	cp := *acct
	return &cp, nil
}

func (m *memAccounts) MarkSynced(_ context.Context, id int64) error {
	m.synced = append(m.synced, id)
	return nil
}

type staticTokens struct{ err error }

func (s staticTokens) AccessToken(context.Context, *models.MailAccount) (string, error) {
	return "tok", s.err
}

type recordingProcessor struct {
	processed []*models.InboundMessage
	failed    []string
}

func (p *recordingProcessor) Process(_ context.Context, acct *models.MailAccount, ch models.Channel, msg *models.InboundMessage, _ []byte) *models.WebhookRecord {
	p.processed = append(p.processed, msg)
	return &models.WebhookRecord{AccountID: acct.ID, Channel: ch, MessageID: msg.MessageID, Status: models.StatusSuccess}
}

func (p *recordingProcessor) Fail(_ context.Context, acct *models.MailAccount, ch models.Channel, id string, _ []byte, _ error) *models.WebhookRecord {
	p.failed = append(p.failed, id)
	return &models.WebhookRecord{AccountID: acct.ID, Channel: ch, MessageID: id, Status: models.StatusFailed}
}

func outlookAccount() *models.MailAccount {
	return &models.MailAccount{
		ID:                7,
		UserID:            42,
		Email:             "inbox@law.test",
		Provider:          models.ProviderOutlook,
		Active:            true,
		SubscriptionID:    "sub-1",
		SubscriptionState: "state-secret",
	}
}

func newTestAdapter(t *testing.T, tok staticTokens) (*Adapter, *fakeGraph, *memAccounts, *recordingProcessor) {
	api := newFakeGraph(t)
	accounts := &memAccounts{bySubscription: map[string]*models.MailAccount{"sub-1": outlookAccount()}}
	proc := &recordingProcessor{}
	a := NewAdapter(Config{
		Accounts:   accounts,
		Tokens:     tok,
		Processor:  proc,
		HTTPClient: api.Client(),
		BaseURL:    api.URL,
	})
	return a, api, accounts, proc
}

func created(sub, state, resource string) ChangeNotification {
	return ChangeNotification{SubscriptionID: sub, ChangeType: "created", ClientState: state, Resource: resource}
}

func TestPrepare(t *testing.T) {
	a, _, _, _ := newTestAdapter(t, staticTokens{})

	payload := &NotificationPayload{Value: []ChangeNotification{
		created("sub-1", "state-secret", "Users/u/Messages/msg-1"),
		{SubscriptionID: "sub-1", ChangeType: "updated", ClientState: "state-secret", Resource: "Users/u/Messages/msg-2"},
		created("sub-unknown", "whatever", "Users/u/Messages/msg-3"),
		created("sub-1", "state-secret", "Users/u/mailFolders/inbox"),
	}}

	deliveries, err := a.Prepare(context.Background(), payload, []byte("raw"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(deliveries))
	}
	d := deliveries[0]
	if d.MessageID != "msg-1" || d.Account.ID != 7 || string(d.Raw) != "raw" {
		t.Errorf("delivery = %+v", d)
	}
}

func TestPrepare_ClientStateMismatch(t *testing.T) {
	a, _, _, _ := newTestAdapter(t, staticTokens{})

	for _, state := range []string{"wrong", ""} {
		payload := &NotificationPayload{Value: []ChangeNotification{
			created("sub-1", "state-secret", "Users/u/Messages/msg-1"),
			created("sub-1", state, "Users/u/Messages/msg-2"),
		}}
		if _, err := a.Prepare(context.Background(), payload, nil); !errors.Is(err, ErrClientStateMismatch) {
			t.Errorf("clientState %q: error = %v, want ErrClientStateMismatch", state, err)
		}
	}
}

func TestPrepare_LookupError(t *testing.T) {
	a, _, accounts, _ := newTestAdapter(t, staticTokens{})
	accounts.err = errors.New("db down")

	payload := &NotificationPayload{Value: []ChangeNotification{created("sub-1", "state-secret", "Users/u/Messages/msg-1")}}
	if _, err := a.Prepare(context.Background(), payload, nil); err == nil {
		t.Fatal("expected lookup error")
	}
}

func TestLifecycleAccounts(t *testing.T) {
	a, _, _, _ := newTestAdapter(t, staticTokens{})

	payload := &NotificationPayload{Value: []ChangeNotification{
		{SubscriptionID: "sub-1", ClientState: "state-secret", LifecycleEvent: "reauthorizationRequired"},
		created("sub-1", "state-secret", "Users/u/Messages/msg-1"),
	}}
	accounts, err := a.LifecycleAccounts(context.Background(), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != 7 {
		t.Errorf("accounts = %v, want account 7", accounts)
	}

	deliveries, err := a.Prepare(context.Background(), payload, nil)
	if err != nil || len(deliveries) != 1 {
		t.Errorf("Prepare returned %d deliveries, %v; lifecycle entries must be skipped", len(deliveries), err)
	}
}

func TestHandle_ProcessesFileAttachments(t *testing.T) {
	a, api, accounts, proc := newTestAdapter(t, staticTokens{})
	api.messages["msg-1"] = graphMessageJSON

	records := a.Handle(context.Background(), []Delivery{{Account: outlookAccount(), MessageID: "msg-1"}})
	if len(records) != 1 || records[0].Status != models.StatusSuccess {
		t.Fatalf("records = %+v", records)
	}
	if len(proc.processed) != 1 || len(proc.processed[0].Attachments) != 1 {
		t.Fatalf("processed = %+v", proc.processed)
	}
	if len(accounts.synced) != 1 {
		t.Errorf("synced = %v, want one mark", accounts.synced)
	}
	if api.requests[0] != "GET /me/messages/msg-1" {
		t.Errorf("request = %q", api.requests[0])
	}
}

func TestHandle_NoFileAttachmentsCreatesNoRecord(t *testing.T) {
	a, api, _, proc := newTestAdapter(t, staticTokens{})
	api.messages["msg-1"] = `{"id":"msg-1","from":{"emailAddress":{"address":"client@x.com"}},
		"attachments":[{"@odata.type":"#microsoft.graph.itemAttachment","name":"fwd.eml"}]}`

	records := a.Handle(context.Background(), []Delivery{{Account: outlookAccount(), MessageID: "msg-1"}})
	if len(records) != 0 || len(proc.processed) != 0 {
		t.Errorf("records = %d, processed = %d; want none", len(records), len(proc.processed))
	}
}

func TestHandle_DeletedMessageSkipped(t *testing.T) {
	a, _, _, proc := newTestAdapter(t, staticTokens{})

	records := a.Handle(context.Background(), []Delivery{{Account: outlookAccount(), MessageID: "gone"}})
	if len(records) != 0 || len(proc.failed) != 0 {
		t.Errorf("records = %d, failed = %v; want nothing", len(records), proc.failed)
	}
}

func TestHandle_FetchFailureIsRecorded(t *testing.T) {
	a, api, _, proc := newTestAdapter(t, staticTokens{})
	api.code = http.StatusForbidden

	records := a.Handle(context.Background(), []Delivery{{Account: outlookAccount(), MessageID: "msg-1"}})
	if len(records) != 1 || records[0].Status != models.StatusFailed {
		t.Fatalf("records = %+v, want one FAILED", records)
	}
	if len(proc.failed) != 1 || proc.failed[0] != "msg-1" {
		t.Errorf("failed = %v", proc.failed)
	}
}

func TestHandle_NoTokenSkips(t *testing.T) {
	a, api, _, proc := newTestAdapter(t, staticTokens{err: errors.New("no valid token")})

	records := a.Handle(context.Background(), []Delivery{{Account: outlookAccount(), MessageID: "msg-1"}})
	if len(records) != 0 || len(proc.failed) != 0 || len(api.requests) != 0 {
		t.Errorf("expected no work without a token")
	}
}

func TestHandle_IneligibleAccountSkipped(t *testing.T) {
	a, api, _, _ := newTestAdapter(t, staticTokens{})
	acct := outlookAccount()
	acct.SyncErrorsCount = models.DefaultErrorThreshold

	if records := a.Handle(context.Background(), []Delivery{{Account: acct, MessageID: "msg-1"}}); len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
	if len(api.requests) != 0 {
		t.Errorf("requests = %v, want none", api.requests)
	}
}
