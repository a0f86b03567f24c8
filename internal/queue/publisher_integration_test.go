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

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbureau/ingestion/internal/containertest"
	"github.com/lexbureau/ingestion/internal/models"
)

func TestPublisher_Integration(t *testing.T) {
	ctx := context.Background()
	rdb := containertest.Redis(t)
	p := NewPublisher(rdb, "lex:test:outcomes")

	require.NoError(t, p.Ping(ctx))

	completed := time.Now().UTC().Truncate(time.Second)
	p.Published(ctx, &models.WebhookRecord{
		ID:                    1,
		Channel:               models.ChannelGmail,
		Status:                models.StatusIgnored,
		ProcessingCompletedAt: &completed,
	})
	p.Published(ctx, &models.WebhookRecord{ID: 2, Status: models.StatusSuccess})

	n, err := rdb.LLen(ctx, "lex:test:outcomes").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	raw, err := rdb.RPop(ctx, "lex:test:outcomes").Result()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, int64(1), ev.RecordID)
	assert.Equal(t, models.StatusIgnored, ev.Status)
	assert.True(t, completed.Equal(ev.CompletedAt))
}
