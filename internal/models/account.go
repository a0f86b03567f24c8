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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// Provider tags the mail provider behind a connected mailbox.
type Provider string

const (
	ProviderGmail   Provider = "GMAIL"
	ProviderOutlook Provider = "OUTLOOK"
	ProviderOther   Provider = "OTHER"
)

// MailAccount is one connected mailbox whose notifications are ingested.
//
// The encrypted token fields are either both empty or both set, and
// TokenExpiresAt is only meaningful when they are set.
type MailAccount struct {
	ID                    int64
	UserID                int64
	Email                 string
	Provider              Provider
	Active                bool
	AccessTokenEnc        string
	RefreshTokenEnc       string
	TokenExpiresAt        *time.Time
	HistoryCursor         string
	SubscriptionID        string
	SubscriptionState     string // clientState shared with Graph, empty for Gmail
	SubscriptionExpiresAt *time.Time
	SyncErrorsCount       int
	LastError             string
	LastSyncAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasTokens reports whether both encrypted tokens are present.
func (a *MailAccount) HasTokens() bool {
	return a.AccessTokenEnc != "" && a.RefreshTokenEnc != ""
}

// Eligible reports whether the account may be synced given the error threshold.
func (a *MailAccount) Eligible(errorThreshold int) bool {
	return a.Active && a.SyncErrorsCount < errorThreshold
}

// ClearTokens drops all token material from the in-memory account.
func (a *MailAccount) ClearTokens() {
	a.AccessTokenEnc = ""
	a.RefreshTokenEnc = ""
	a.TokenExpiresAt = nil
}

// DefaultErrorThreshold is the consecutive error count at which an account
// stops being synced and is deactivated by the maintenance sweep.
const DefaultErrorThreshold = 5
