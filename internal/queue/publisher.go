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

// Package queue publishes ingestion outcome events to Redis for the
// case-management side of the office backend.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lexbureau/ingestion/internal/models"
)

// DefaultQueue is the Redis list events are pushed to.
const DefaultQueue = "lex:ingest:outcomes"

// Event is the message published once a processing record is terminal.
type Event struct {
	EventID              string         `json:"event_id"`
	RecordID             int64          `json:"record_id"`
	AccountID            int64          `json:"account_id"`
	Channel              models.Channel `json:"channel"`
	Status               models.Status  `json:"status"`
	MessageID            string         `json:"message_id"`
	ClientID             *int64         `json:"client_id"`
	CaseID               *int64         `json:"case_id"`
	AttachmentsProcessed int            `json:"attachments_processed"`
	CompletedAt          time.Time      `json:"completed_at"`
}

// NewEvent builds the outcome event for a terminal record.
func NewEvent(r *models.WebhookRecord) Event {
	ev := Event{
		EventID:              uuid.New().String(),
		RecordID:             r.ID,
		AccountID:            r.AccountID,
		Channel:              r.Channel,
		Status:               r.Status,
		MessageID:            r.MessageID,
		ClientID:             r.ClientID,
		CaseID:               r.CaseID,
		AttachmentsProcessed: r.AttachmentsProcessed,
	}
	if r.ProcessingCompletedAt != nil {
		ev.CompletedAt = *r.ProcessingCompletedAt
	}
	return ev
}

// Publisher sends outcome events to a Redis list.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified list.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Published is called by the ingestion engine after a record is finalized.
// Failures are logged only; the record is already durable.
func (p *Publisher) Published(ctx context.Context, r *models.WebhookRecord) {
	if err := p.Publish(ctx, NewEvent(r)); err != nil {
		slog.Warn("failed to publish ingestion outcome",
			"record_id", r.ID,
			"status", r.Status,
			"error", err,
		)
	}
}

// Publish serialises ev and pushes it onto the queue.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal outcome event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, body).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published ingestion outcome",
		"event_id", ev.EventID,
		"record_id", ev.RecordID,
		"status", ev.Status,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
