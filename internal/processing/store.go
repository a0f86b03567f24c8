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

// Package processing persists the webhook processing log: one auditable
// record per notification that reaches the ingestion pipeline.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexbureau/ingestion/internal/models"
)

// ErrDuplicateMessage is returned by Claim when another record already owns
// the provider message id.
var ErrDuplicateMessage = errors.New("provider message already claimed")

// ErrAlreadyCompleted is returned by Finalize for a record that already
// reached a terminal state.
var ErrAlreadyCompleted = errors.New("processing record already completed")

const uniqueViolation = "23505"

const recordColumns = `
	id, account_id, channel, status, sender, subject, message_id, thread_id,
	client_id, case_id, attachments_count, attachments_processed, attachments_failed,
	processed_files, raw_payload, error_message, error_detail, received_at,
	processing_started_at, processing_completed_at, duration_ms`

// Store provides persistence for webhook processing records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a record store backed by the given Postgres pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts r in its current state and sets r.ID.
func (s *Store) Create(ctx context.Context, r *models.WebhookRecord) error {
	files, err := marshalFiles(r.ProcessedFiles)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO webhook_processing_records
			(account_id, channel, status, sender, subject, message_id, thread_id,
			 attachments_count, processed_files, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, nullableID(r.AccountID), string(r.Channel), string(r.Status), r.Sender, r.Subject,
		r.MessageID, r.ThreadID, r.AttachmentsCount, files, r.RawPayload, r.ReceivedAt,
	).Scan(&r.ID)
}

// MarkProcessing moves a RECEIVED record to PROCESSING.
func (s *Store) MarkProcessing(ctx context.Context, id int64, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_processing_records
		SET status = $1, processing_started_at = $2
		WHERE id = $3 AND processing_completed_at IS NULL
	`, string(models.StatusProcessing), startedAt, id)
	return err
}

// HasClaimed reports whether any record already owns messageID.
func (s *Store) HasClaimed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_processing_records WHERE claimed_message_id = $1)
	`, messageID).Scan(&exists)
	return exists, err
}

// Claim makes record id the owner of messageID. The unique index on
// claimed_message_id is the authoritative dedup guard.
func (s *Store) Claim(ctx context.Context, id int64, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_processing_records SET claimed_message_id = $1 WHERE id = $2
	`, messageID, id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateMessage
	}
	return err
}

// Finalize writes the terminal state of r. A record that never made it into
// the table is inserted so the audit trail is kept.
func (s *Store) Finalize(ctx context.Context, r *models.WebhookRecord) error {
	if r.ID == 0 {
		if err := s.Create(ctx, r); err != nil {
			return fmt.Errorf("insert record on finalize: %w", err)
		}
	}

	files, err := marshalFiles(r.ProcessedFiles)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_processing_records
		SET status = $1, sender = $2, subject = $3, message_id = $4, thread_id = $5,
		    client_id = $6, case_id = $7, attachments_count = $8, attachments_processed = $9,
		    attachments_failed = $10, processed_files = $11, error_message = $12, error_detail = $13,
		    processing_started_at = $14, processing_completed_at = $15, duration_ms = $16
		WHERE id = $17 AND processing_completed_at IS NULL
	`, string(r.Status), r.Sender, r.Subject, r.MessageID, r.ThreadID,
		r.ClientID, r.CaseID, r.AttachmentsCount, r.AttachmentsProcessed,
		r.AttachmentsFailed, files, r.ErrorMessage, r.ErrorDetail,
		r.ProcessingStartedAt, r.ProcessingCompletedAt, r.DurationMillis, r.ID)
	if err != nil {
		return fmt.Errorf("finalize record %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyCompleted
	}
	return nil
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id int64) (*models.WebhookRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+recordColumns+` FROM webhook_processing_records WHERE id = $1`, id)
	return scanRecord(row)
}

// ListByAccount returns the most recent records for an account.
func (s *Store) ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.WebhookRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+recordColumns+`
		FROM webhook_processing_records
		WHERE account_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.WebhookRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*models.WebhookRecord, error) {
	var r models.WebhookRecord
	var accountID *int64
	var channel, status string
	var files []byte
	err := row.Scan(
		&r.ID, &accountID, &channel, &status, &r.Sender, &r.Subject, &r.MessageID, &r.ThreadID,
		&r.ClientID, &r.CaseID, &r.AttachmentsCount, &r.AttachmentsProcessed, &r.AttachmentsFailed,
		&files, &r.RawPayload, &r.ErrorMessage, &r.ErrorDetail, &r.ReceivedAt,
		&r.ProcessingStartedAt, &r.ProcessingCompletedAt, &r.DurationMillis,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan processing record: %w", err)
	}
	if accountID != nil {
		r.AccountID = *accountID
	}
	r.Channel = models.Channel(channel)
	r.Status = models.Status(status)
	if len(files) > 0 {
		if err := json.Unmarshal(files, &r.ProcessedFiles); err != nil {
			return nil, fmt.Errorf("decode processed files: %w", err)
		}
	}
	return &r, nil
}

func marshalFiles(files []string) (string, error) {
	if files == nil {
		files = []string{}
	}
	b, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("encode processed files: %w", err)
	}
	return string(b), nil
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
