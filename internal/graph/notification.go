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
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedNotification is returned for notification bodies that cannot be decoded.
var ErrMalformedNotification = errors.New("malformed Graph notification")

// ChangeNotification represents a single Graph API change notification.
type ChangeNotification struct {
	SubscriptionID                 string `json:"subscriptionId"`
	ChangeType                     string `json:"changeType"`
	Resource                       string `json:"resource"`
	ClientState                    string `json:"clientState"`
	TenantID                       string `json:"tenantId"`
	LifecycleEvent                 string `json:"lifecycleEvent"`
	SubscriptionExpirationDateTime string `json:"subscriptionExpirationDateTime"`
	ResourceData                   *struct {
		ODataType string `json:"@odata.type"`
		ID        string `json:"id"`
	} `json:"resourceData"`
}

// NotificationPayload is the wrapper Graph sends.
type NotificationPayload struct {
	Value []ChangeNotification `json:"value"`
}

// DecodeNotifications parses a Graph notification POST body.
func DecodeNotifications(body []byte) (*NotificationPayload, error) {
	var payload NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if payload.Value == nil {
		return nil, fmt.Errorf("%w: missing value array", ErrMalformedNotification)
	}
	return &payload, nil
}

// messageID returns the id of the message the notification is about,
// preferring resourceData over the resource path.
func (n *ChangeNotification) messageID() (string, error) {
	if n.ResourceData != nil && n.ResourceData.ID != "" {
		return n.ResourceData.ID, nil
	}
	return parseResource(n.Resource)
}

// parseResource extracts the message id from a Graph notification resource.
// Accepted shapes end in ".../messages/{id}", for example
// "Users/{userId}/Messages/{id}" or "me/mailFolders('Inbox')/messages/{id}".
func parseResource(resource string) (string, error) {
	resource = strings.Trim(resource, "/")

	parts := strings.Split(resource, "/")
	n := len(parts)
	// Graph may send capitalised variants: "Users", "Messages"
	if n < 2 || !strings.EqualFold(parts[n-2], "messages") || parts[n-1] == "" {
		return "", fmt.Errorf("unexpected resource format: %s", resource)
	}
	return parts[n-1], nil
}
