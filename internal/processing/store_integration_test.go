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

//go:build integration

package processing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbureau/ingestion/internal/account"
	"github.com/lexbureau/ingestion/internal/containertest"
	"github.com/lexbureau/ingestion/internal/models"
)

func TestStore_Integration(t *testing.T) {
	ctx := context.Background()
	pool := containertest.Postgres(t)
	store := NewStore(pool)

	acct, err := account.NewStore(pool).Create(ctx, 1, "avocat@cabinet.fr", models.ProviderGmail)
	require.NoError(t, err)

	newRecord := func(messageID string) *models.WebhookRecord {
		return &models.WebhookRecord{
			AccountID:  acct.ID,
			Channel:    models.ChannelGmail,
			Status:     models.StatusReceived,
			MessageID:  messageID,
			Sender:     "client@example.com",
			Subject:    "Pièces du dossier",
			RawPayload: []byte(`{"message":{}}`),
			ReceivedAt: time.Now().UTC(),
		}
	}

	t.Run("lifecycle", func(t *testing.T) {
		r := newRecord("m-1")
		require.NoError(t, store.Create(ctx, r))
		require.NotZero(t, r.ID)

		started := time.Now().UTC()
		require.NoError(t, store.MarkProcessing(ctx, r.ID, started))

		claimed, err := store.HasClaimed(ctx, "m-1")
		require.NoError(t, err)
		assert.False(t, claimed)

		require.NoError(t, store.Claim(ctx, r.ID, "m-1"))
		claimed, err = store.HasClaimed(ctx, "m-1")
		require.NoError(t, err)
		assert.True(t, claimed)

		completed := started.Add(1500 * time.Millisecond)
		duration := int64(1500)
		caseID, clientID := int64(12), int64(34)
		r.Status = models.StatusPartialSuccess
		r.ClientID = &clientID
		r.CaseID = &caseID
		r.AttachmentsCount = 2
		r.AttachmentsProcessed = 1
		r.AttachmentsFailed = 1
		r.ProcessedFiles = []string{"contrat.pdf"}
		r.ErrorMessage = "1 attachment failed"
		r.ProcessingStartedAt = &started
		r.ProcessingCompletedAt = &completed
		r.DurationMillis = &duration
		require.NoError(t, store.Finalize(ctx, r))

		got, err := store.Get(ctx, r.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, models.StatusPartialSuccess, got.Status)
		assert.Equal(t, acct.ID, got.AccountID)
		assert.Equal(t, models.ChannelGmail, got.Channel)
		assert.Equal(t, []string{"contrat.pdf"}, got.ProcessedFiles)
		assert.Equal(t, int64(12), *got.CaseID)
		assert.Equal(t, int64(1500), *got.DurationMillis)
		assert.Equal(t, []byte(`{"message":{}}`), got.RawPayload)
		assert.True(t, got.Completed())

		assert.ErrorIs(t, store.Finalize(ctx, r), ErrAlreadyCompleted)
	})

	t.Run("duplicate claim", func(t *testing.T) {
		first := newRecord("m-dup")
		second := newRecord("m-dup")
		require.NoError(t, store.Create(ctx, first))
		require.NoError(t, store.Create(ctx, second))

		require.NoError(t, store.Claim(ctx, first.ID, "m-dup"))
		assert.ErrorIs(t, store.Claim(ctx, second.ID, "m-dup"), ErrDuplicateMessage)
	})

	t.Run("finalize inserts unsaved record", func(t *testing.T) {
		now := time.Now().UTC()
		r := newRecord("m-orphan")
		r.Status = models.StatusFailed
		r.ErrorMessage = "fetch failed"
		r.ProcessingCompletedAt = &now
		require.NoError(t, store.Finalize(ctx, r))
		require.NotZero(t, r.ID)

		got, err := store.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, "fetch failed", got.ErrorMessage)
	})

	t.Run("list by account", func(t *testing.T) {
		records, err := store.ListByAccount(ctx, acct.ID, 2)
		require.NoError(t, err)
		assert.Len(t, records, 2)
		assert.False(t, records[0].ReceivedAt.Before(records[1].ReceivedAt))
	})

	t.Run("missing", func(t *testing.T) {
		got, err := store.Get(ctx, 987654)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
