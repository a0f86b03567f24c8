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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lexbureau/ingestion/internal/models"
)

const fileAttachmentType = "#microsoft.graph.fileAttachment"

// graphMessage represents the relevant fields from a Graph API message response.
type graphMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Subject        string `json:"subject"`
	From           struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	Attachments []graphAttachment `json:"attachments"`
}

// graphAttachment is one entry of the expanded attachments collection.
// ContentBytes is only present on file attachments.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentBytes []byte `json:"contentBytes"`
}

// parseGraphMessage converts a Graph API message response into an
// InboundMessage. Item and reference attachments are skipped.
func parseGraphMessage(body io.Reader) (*models.InboundMessage, error) {
	var msg graphMessage
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode graph message: %w", err)
	}

	inbound := &models.InboundMessage{
		MessageID: msg.ID,
		ThreadID:  msg.ConversationID,
		Sender:    msg.From.EmailAddress.Address,
		Subject:   msg.Subject,
	}

	for _, a := range msg.Attachments {
		if !strings.EqualFold(a.ODataType, fileAttachmentType) {
			slog.Debug("skipping non-file attachment",
				"message_id", msg.ID,
				"attachment_type", a.ODataType,
				"name", a.Name,
			)
			continue
		}
		inbound.Attachments = append(inbound.Attachments, models.Attachment{
			Filename:    a.Name,
			ContentType: a.ContentType,
			Content:     a.ContentBytes,
		})
	}

	return inbound, nil
}
