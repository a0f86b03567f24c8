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
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lexbureau/ingestion/internal/models"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 200
)

// RecordReader reads the webhook processing log. Implemented by processing.Store.
type RecordReader interface {
	Get(ctx context.Context, id int64) (*models.WebhookRecord, error)
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.WebhookRecord, error)
}

// recordView is the JSON shape of a processing record. The raw payload
// stays in the database.
type recordView struct {
	ID                   int64          `json:"id"`
	AccountID            int64          `json:"account_id"`
	Channel              models.Channel `json:"channel"`
	Status               models.Status  `json:"status"`
	Sender               string         `json:"sender"`
	Subject              string         `json:"subject"`
	MessageID            string         `json:"message_id"`
	ThreadID             string         `json:"thread_id,omitempty"`
	ClientID             *int64         `json:"client_id"`
	CaseID               *int64         `json:"case_id"`
	AttachmentsCount     int            `json:"attachments_count"`
	AttachmentsProcessed int            `json:"attachments_processed"`
	AttachmentsFailed    int            `json:"attachments_failed"`
	ProcessedFiles       []string       `json:"processed_files"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	ReceivedAt           time.Time      `json:"received_at"`
	CompletedAt          *time.Time     `json:"completed_at"`
	DurationMillis       *int64         `json:"duration_ms"`
}

func newRecordView(r *models.WebhookRecord) recordView {
	files := r.ProcessedFiles
	if files == nil {
		files = []string{}
	}
	return recordView{
		ID:                   r.ID,
		AccountID:            r.AccountID,
		Channel:              r.Channel,
		Status:               r.Status,
		Sender:               r.Sender,
		Subject:              r.Subject,
		MessageID:            r.MessageID,
		ThreadID:             r.ThreadID,
		ClientID:             r.ClientID,
		CaseID:               r.CaseID,
		AttachmentsCount:     r.AttachmentsCount,
		AttachmentsProcessed: r.AttachmentsProcessed,
		AttachmentsFailed:    r.AttachmentsFailed,
		ProcessedFiles:       files,
		ErrorMessage:         r.ErrorMessage,
		ReceivedAt:           r.ReceivedAt,
		CompletedAt:          r.ProcessingCompletedAt,
		DurationMillis:       r.DurationMillis,
	}
}

// ServeAccountRecords lists the most recent processing records of a mailbox.
func (h *Handler) ServeAccountRecords(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return
	}
	limit := defaultRecordLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxRecordLimit)
	}

	acct, ok := h.account(w, r, id)
	if !ok {
		return
	}

	records, err := h.records.ListByAccount(r.Context(), acct.ID, limit)
	if err != nil {
		slog.Error("failed to list processing records", "account_id", acct.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not list records"})
		return
	}

	views := make([]recordView, 0, len(records))
	for i := range records {
		views = append(views, newRecordView(&records[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": acct.ID, "records": views})
}

// ServeRecord returns one processing record.
func (h *Handler) ServeRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid record id"})
		return
	}

	rec, err := h.records.Get(r.Context(), id)
	if err != nil {
		slog.Error("failed to load processing record", "record_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load record"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(rec))
}
