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

package models

import "time"

// Channel identifies the webhook endpoint a notification arrived on.
type Channel string

const (
	ChannelGmail   Channel = "GMAIL_PUBSUB"
	ChannelOutlook Channel = "OUTLOOK_GRAPH"
)

// Status is the processing state of a WebhookRecord.
type Status string

const (
	StatusReceived       Status = "RECEIVED"
	StatusProcessing     Status = "PROCESSING"
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusFailed         Status = "FAILED"
	StatusIgnored        Status = "IGNORED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusFailed, StatusIgnored:
		return true
	}
	return false
}

// WebhookRecord is the audit row tracking one ingestion attempt end-to-end.
type WebhookRecord struct {
	ID                    int64
	AccountID             int64
	Channel               Channel
	Status                Status
	Sender                string
	Subject               string
	MessageID             string
	ThreadID              string
	ClientID              *int64
	CaseID                *int64
	AttachmentsCount      int
	AttachmentsProcessed  int
	AttachmentsFailed     int
	ProcessedFiles        []string
	RawPayload            []byte
	ErrorMessage          string
	ErrorDetail           string
	ReceivedAt            time.Time
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	DurationMillis        *int64
}

// Completed reports whether the record has reached its terminal state.
func (r *WebhookRecord) Completed() bool {
	return r.ProcessingCompletedAt != nil
}
