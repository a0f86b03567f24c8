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

package gmail

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedPush is returned for push bodies that cannot be decoded.
var ErrMalformedPush = errors.New("malformed Pub/Sub push")

// PushEnvelope is the body Pub/Sub POSTs to a push endpoint.
type PushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Notification is the Gmail payload carried inside the envelope.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
}

// DecodePush extracts the Gmail notification from a Pub/Sub push body.
func DecodePush(body []byte) (*Notification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPush, err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("%w: empty message data", ErrMalformedPush)
	}

	data, err := decodeBase64(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: message data: %v", ErrMalformedPush, err)
	}

	var inner struct {
		EmailAddress string          `json:"emailAddress"`
		HistoryID    json.RawMessage `json:"historyId"`
	}
	if err := json.Unmarshal(data, &inner); err != nil {
		return nil, fmt.Errorf("%w: inner payload: %v", ErrMalformedPush, err)
	}

	historyID, err := strconv.ParseUint(string(bytes.Trim(inner.HistoryID, `"`)), 10, 64)
	if err != nil || historyID == 0 {
		return nil, fmt.Errorf("%w: invalid historyId %q", ErrMalformedPush, inner.HistoryID)
	}
	email := strings.ToLower(strings.TrimSpace(inner.EmailAddress))
	if email == "" {
		return nil, fmt.Errorf("%w: missing emailAddress", ErrMalformedPush)
	}

	return &Notification{EmailAddress: email, HistoryID: historyID}, nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
