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

// Package ingest runs the canonical processing of one inbound message:
// deduplication, client and case correlation, attachment dispatch and outcome
// classification. Every attempt leaves a finalized processing record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/lexbureau/ingestion/internal/models"
	"github.com/lexbureau/ingestion/internal/processing"
)

// Ignore reasons stored on IGNORED records.
const (
	ReasonDuplicate     = "already processed"
	ReasonClientUnknown = "client not found"
	ReasonNoActiveCase  = "no active case"
	ReasonNoAttachments = "no attachments"
)

// DefaultDocumentTag marks documents created from email attachments.
const DefaultDocumentTag = "EMAIL_ATTACHMENT"

// RecordStore persists processing records. Implemented by processing.Store.
type RecordStore interface {
	Create(ctx context.Context, r *models.WebhookRecord) error
	MarkProcessing(ctx context.Context, id int64, startedAt time.Time) error
	HasClaimed(ctx context.Context, messageID string) (bool, error)
	Claim(ctx context.Context, id int64, messageID string) error
	Finalize(ctx context.Context, r *models.WebhookRecord) error
}

// ClientLookup finds a client by normalised email address. A missing client
// is (nil, nil).
type ClientLookup interface {
	FindByEmail(ctx context.Context, email string) (*models.Client, error)
}

// CaseLookup finds the most recent active case linking a client and the
// mailbox owner. A missing case is (nil, nil).
type CaseLookup interface {
	FindActiveForClientAndOwner(ctx context.Context, clientID, ownerUserID int64) (*models.Case, error)
}

// DocumentStore persists one file under a case.
type DocumentStore interface {
	Store(ctx context.Context, doc models.DocumentUpload) (models.DocumentHandle, error)
}

// Dedup is an optional fast path in front of the record store's claim.
type Dedup interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID string) error
}

// Notifier is told about every finalized record.
type Notifier interface {
	Published(ctx context.Context, r *models.WebhookRecord)
}

// EngineConfig holds the collaborators and policy of the engine.
type EngineConfig struct {
	Records   RecordStore
	Clients   ClientLookup
	Cases     CaseLookup
	Documents DocumentStore
	Dedup     Dedup    // optional
	Notifier  Notifier // optional

	AllowedExtensions []string
	DocumentTag       string
	FinalizeTimeout   time.Duration
}

// Engine processes canonical inbound messages.
type Engine struct {
	records   RecordStore
	clients   ClientLookup
	cases     CaseLookup
	documents DocumentStore
	dedup     Dedup
	notifier  Notifier

	allowed         extensionSet
	tag             string
	finalizeTimeout time.Duration
	now             func() time.Time
}

// NewEngine creates an ingestion engine.
func NewEngine(cfg EngineConfig) *Engine {
	tag := cfg.DocumentTag
	if tag == "" {
		tag = DefaultDocumentTag
	}
	timeout := cfg.FinalizeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		records:         cfg.Records,
		clients:         cfg.Clients,
		cases:           cfg.Cases,
		documents:       cfg.Documents,
		dedup:           cfg.Dedup,
		notifier:        cfg.Notifier,
		allowed:         newExtensionSet(cfg.AllowedExtensions),
		tag:             tag,
		finalizeTimeout: timeout,
		now:             time.Now,
	}
}

// Process runs the pipeline for msg received on channel for acct. The
// returned record is always terminal; failures are recorded on it rather
// than returned.
func (e *Engine) Process(ctx context.Context, acct *models.MailAccount, channel models.Channel, msg *models.InboundMessage, raw []byte) (r *models.WebhookRecord) {
	r = &models.WebhookRecord{
		AccountID:  acct.ID,
		Channel:    channel,
		Status:     models.StatusReceived,
		Sender:     NormalizeAddress(msg.Sender),
		Subject:    msg.Subject,
		MessageID:  msg.MessageID,
		ThreadID:   msg.ThreadID,
		RawPayload: raw,
		ReceivedAt: e.now(),
	}

	defer func() {
		if p := recover(); p != nil {
			e.fail(r, fmt.Errorf("panic: %v", p), string(debug.Stack()))
		}
		e.finalize(ctx, r)
	}()

	if err := e.records.Create(ctx, r); err != nil {
		e.fail(r, fmt.Errorf("create processing record: %w", err), "")
		return r
	}

	e.run(ctx, acct, msg, r)
	return r
}

// Fail records a FAILED attempt for a message that never reached the
// pipeline, typically because its content could not be fetched. The message
// id is not claimed so a later delivery can still succeed.
func (e *Engine) Fail(ctx context.Context, acct *models.MailAccount, channel models.Channel, messageID string, raw []byte, cause error) *models.WebhookRecord {
	r := &models.WebhookRecord{
		AccountID:  acct.ID,
		Channel:    channel,
		MessageID:  messageID,
		RawPayload: raw,
		ReceivedAt: e.now(),
	}
	e.fail(r, cause, "")
	e.finalize(ctx, r)
	return r
}

func (e *Engine) run(ctx context.Context, acct *models.MailAccount, msg *models.InboundMessage, r *models.WebhookRecord) {
	started := e.now()
	r.Status = models.StatusProcessing
	r.ProcessingStartedAt = &started
	if err := e.records.MarkProcessing(ctx, r.ID, started); err != nil {
		e.fail(r, fmt.Errorf("mark processing: %w", err), "")
		return
	}

	if r.MessageID == "" {
		e.fail(r, errors.New("message has no provider id"), "")
		return
	}

	duplicate, err := e.claim(ctx, r)
	if err != nil {
		e.fail(r, err, "")
		return
	}
	if duplicate {
		ignore(r, ReasonDuplicate)
		return
	}

	if r.Sender == "" {
		ignore(r, ReasonClientUnknown)
		return
	}
	client, err := e.clients.FindByEmail(ctx, r.Sender)
	if err != nil {
		e.fail(r, fmt.Errorf("client lookup: %w", err), "")
		return
	}
	if client == nil {
		ignore(r, ReasonClientUnknown)
		return
	}
	r.ClientID = &client.ID

	kase, err := e.cases.FindActiveForClientAndOwner(ctx, client.ID, acct.UserID)
	if err != nil {
		e.fail(r, fmt.Errorf("case lookup: %w", err), "")
		return
	}
	if kase == nil {
		ignore(r, ReasonNoActiveCase)
		return
	}
	r.CaseID = &kase.ID

	if len(msg.Attachments) == 0 {
		ignore(r, ReasonNoAttachments)
		return
	}

	e.dispatch(ctx, acct, kase, msg, r)
	classify(r)
}

// claim makes r the owner of its message id. It reports true when another
// record already owns it.
func (e *Engine) claim(ctx context.Context, r *models.WebhookRecord) (bool, error) {
	if e.dedup != nil {
		seen, err := e.dedup.Seen(ctx, r.MessageID)
		if err != nil {
			slog.Warn("dedup cache unavailable", "message_id", r.MessageID, "error", err)
		} else if seen {
			return true, nil
		}
	}

	claimed, err := e.records.HasClaimed(ctx, r.MessageID)
	if err != nil {
		return false, fmt.Errorf("check message id: %w", err)
	}
	if claimed {
		return true, nil
	}

	if err := e.records.Claim(ctx, r.ID, r.MessageID); err != nil {
		if errors.Is(err, processing.ErrDuplicateMessage) {
			return true, nil
		}
		return false, fmt.Errorf("claim message id: %w", err)
	}

	if e.dedup != nil {
		if err := e.dedup.Mark(ctx, r.MessageID); err != nil {
			slog.Warn("failed to cache claimed message id", "message_id", r.MessageID, "error", err)
		}
	}
	return false, nil
}

// dispatch stores each allowed attachment. A failure of one attachment never
// affects the others.
func (e *Engine) dispatch(ctx context.Context, acct *models.MailAccount, kase *models.Case, msg *models.InboundMessage, r *models.WebhookRecord) {
	r.AttachmentsCount = len(msg.Attachments)

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if !e.allowed.allows(att.Filename) {
			r.AttachmentsFailed++
			slog.Info("attachment rejected by extension policy",
				"record_id", r.ID,
				"message_id", r.MessageID,
				"filename", att.Filename,
			)
			continue
		}

		if err := e.store(ctx, acct, kase, msg, att); err != nil {
			r.AttachmentsFailed++
			slog.Warn("failed to store attachment",
				"record_id", r.ID,
				"message_id", r.MessageID,
				"filename", att.Filename,
				"case_id", kase.ID,
				"error", err,
			)
			continue
		}
		r.AttachmentsProcessed++
		r.ProcessedFiles = append(r.ProcessedFiles, att.Filename)
	}
}

func (e *Engine) store(ctx context.Context, acct *models.MailAccount, kase *models.Case, msg *models.InboundMessage, att *models.Attachment) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	_, err = e.documents.Store(ctx, models.DocumentUpload{
		Content:     att.Content,
		Filename:    att.Filename,
		ContentType: att.ContentType,
		CaseID:      kase.ID,
		UploadedBy:  acct.UserID,
		Tag:         e.tag,
		Description: describe(msg),
	})
	return err
}

func describe(msg *models.InboundMessage) string {
	if msg.Subject == "" {
		return "Email attachment from " + NormalizeAddress(msg.Sender)
	}
	return fmt.Sprintf("Email attachment from %s: %s", NormalizeAddress(msg.Sender), msg.Subject)
}

// classify sets the terminal status from the attachment counters.
func classify(r *models.WebhookRecord) {
	switch {
	case r.AttachmentsProcessed == r.AttachmentsCount:
		r.Status = models.StatusSuccess
	case r.AttachmentsProcessed > 0:
		r.Status = models.StatusPartialSuccess
		r.ErrorMessage = fmt.Sprintf("%d of %d attachments not stored",
			r.AttachmentsCount-r.AttachmentsProcessed, r.AttachmentsCount)
	default:
		r.Status = models.StatusFailed
		r.ErrorMessage = fmt.Sprintf("none of %d attachments could be stored", r.AttachmentsCount)
	}
}

func ignore(r *models.WebhookRecord, reason string) {
	r.Status = models.StatusIgnored
	r.ErrorMessage = reason
}

// fail marks r FAILED. Attachments not yet accounted for count as failed.
func (e *Engine) fail(r *models.WebhookRecord, err error, stack string) {
	r.Status = models.StatusFailed
	r.ErrorMessage = err.Error()
	r.ErrorDetail = stack
	r.AttachmentsFailed = r.AttachmentsCount - r.AttachmentsProcessed
}

// finalize stamps completion and persists r. It runs on a context detached
// from the caller's deadline so a timed-out attempt still leaves its record.
func (e *Engine) finalize(ctx context.Context, r *models.WebhookRecord) {
	if !r.Status.Terminal() {
		e.fail(r, errors.New("processing ended without an outcome"), "")
	}

	completed := e.now()
	r.ProcessingCompletedAt = &completed
	start := r.ReceivedAt
	if r.ProcessingStartedAt != nil {
		start = *r.ProcessingStartedAt
	}
	duration := completed.Sub(start).Milliseconds()
	r.DurationMillis = &duration

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.finalizeTimeout)
	defer cancel()

	if err := e.records.Finalize(fctx, r); err != nil {
		if errors.Is(err, processing.ErrAlreadyCompleted) {
			slog.Warn("processing record already completed", "record_id", r.ID)
		} else {
			slog.Error("failed to persist processing record",
				"record_id", r.ID,
				"message_id", r.MessageID,
				"status", r.Status,
				"error", err,
			)
		}
	}

	attrs := []any{
		"record_id", r.ID,
		"account_id", r.AccountID,
		"channel", r.Channel,
		"message_id", r.MessageID,
		"status", r.Status,
		"attachments_count", r.AttachmentsCount,
		"attachments_processed", r.AttachmentsProcessed,
		"attachments_failed", r.AttachmentsFailed,
		"duration_ms", duration,
	}
	switch r.Status {
	case models.StatusFailed:
		slog.Error("email ingestion failed", append(attrs, "error", r.ErrorMessage)...)
	case models.StatusIgnored:
		slog.Info("email ingestion ignored", append(attrs, "reason", r.ErrorMessage)...)
	default:
		slog.Info("email ingestion completed", attrs...)
	}

	if e.notifier != nil && r.ID != 0 {
		e.notifier.Published(fctx, r)
	}
}
