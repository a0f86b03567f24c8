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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbureau/ingestion/internal/models"
)

type memRecords struct {
	byID      map[int64]*models.WebhookRecord
	listErr   error
	lastLimit int
}

func (m *memRecords) Get(_ context.Context, id int64) (*models.WebhookRecord, error) {
	return m.byID[id], nil
}

func (m *memRecords) ListByAccount(_ context.Context, accountID int64, limit int) ([]models.WebhookRecord, error) {
	m.lastLimit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.WebhookRecord
	for _, r := range m.byID {
		if r.AccountID == accountID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func seedRecord(h *harness, id, accountID int64, status models.Status) *models.WebhookRecord {
	completed := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	r := &models.WebhookRecord{
		ID:                    id,
		AccountID:             accountID,
		Channel:               models.ChannelGmail,
		Status:                status,
		Sender:                "client@example.com",
		MessageID:             "m-1",
		AttachmentsCount:      1,
		AttachmentsProcessed:  1,
		ProcessedFiles:        []string{"contrat.pdf"},
		RawPayload:            []byte(`{"secret":"payload"}`),
		ErrorDetail:           "goroutine 1 [running]",
		ReceivedAt:            completed.Add(-time.Second),
		ProcessingCompletedAt: &completed,
	}
	h.records.byID[id] = r
	return r
}

func TestServeAccountRecords(t *testing.T) {
	h := newHarness(t, "")
	h.accounts.accounts[3] = &models.MailAccount{ID: 3, Provider: models.ProviderGmail}
	seedRecord(h, 10, 3, models.StatusSuccess)
	seedRecord(h, 11, 4, models.StatusIgnored)

	rr := h.do(http.MethodGet, "/accounts/3/records")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, defaultRecordLimit, h.records.lastLimit)
	assert.NotContains(t, rr.Body.String(), "payload", "raw payload is not exposed")
	assert.NotContains(t, rr.Body.String(), "goroutine", "stack detail is not exposed")

	var body struct {
		AccountID int64 `json:"account_id"`
		Records   []struct {
			ID             int64    `json:"id"`
			Status         string   `json:"status"`
			ProcessedFiles []string `json:"processed_files"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.AccountID)
	require.Len(t, body.Records, 1)
	assert.Equal(t, int64(10), body.Records[0].ID)
	assert.Equal(t, "SUCCESS", body.Records[0].Status)
	assert.Equal(t, []string{"contrat.pdf"}, body.Records[0].ProcessedFiles)

	rr = h.do(http.MethodGet, "/accounts/3/records?limit=5000")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, maxRecordLimit, h.records.lastLimit)
}

func TestServeAccountRecords_Errors(t *testing.T) {
	h := newHarness(t, "")
	h.accounts.accounts[3] = &models.MailAccount{ID: 3}

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/accounts/abc/records").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/accounts/3/records?limit=0").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/accounts/99/records").Code)

	h.records.listErr = errors.New("connection refused")
	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodGet, "/accounts/3/records").Code)
}

func TestServeRecord(t *testing.T) {
	h := newHarness(t, "")
	seedRecord(h, 10, 3, models.StatusPartialSuccess)

	rr := h.do(http.MethodGet, "/records/10")
	require.Equal(t, http.StatusOK, rr.Code)
	var view recordView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, models.StatusPartialSuccess, view.Status)
	assert.Equal(t, int64(3), view.AccountID)
	require.NotNil(t, view.CompletedAt)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/records/11").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/records/x").Code)
}

func TestRecordRoutesNeedReader(t *testing.T) {
	handler, err := NewHandler(Config{StateKey: testStateKey})
	require.NoError(t, err)
	mux := http.NewServeMux()
	handler.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/records/1", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
