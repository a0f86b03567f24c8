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

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lexbureau/ingestion/internal/models"
)

func TestNewEvent(t *testing.T) {
	completed := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	caseID := int64(8)
	r := &models.WebhookRecord{
		ID:                    42,
		AccountID:             3,
		Channel:               models.ChannelOutlook,
		Status:                models.StatusSuccess,
		MessageID:             "AAMk-1",
		CaseID:                &caseID,
		AttachmentsProcessed:  2,
		ProcessingCompletedAt: &completed,
	}

	ev := NewEvent(r)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, int64(42), ev.RecordID)
	assert.Equal(t, models.StatusSuccess, ev.Status)
	assert.Equal(t, &caseID, ev.CaseID)
	assert.Nil(t, ev.ClientID)
	assert.Equal(t, completed, ev.CompletedAt)

	assert.NotEqual(t, ev.EventID, NewEvent(r).EventID, "every event gets its own id")
}

func TestNewPublisher_DefaultQueue(t *testing.T) {
	assert.Equal(t, DefaultQueue, NewPublisher(nil, "").queueName)
	assert.Equal(t, "custom", NewPublisher(nil, "custom").queueName)
}
