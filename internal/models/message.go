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

// Attachment is one file carried by an inbound message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// InboundMessage is the provider-neutral shape produced by a provider adapter.
type InboundMessage struct {
	MessageID   string
	ThreadID    string
	Sender      string
	Subject     string
	Attachments []Attachment
}

// Client is the subset of a CRM client the ingestion pipeline needs.
type Client struct {
	ID    int64
	Email string
	Name  string
}

// Case is the subset of a case file ("dossier") the ingestion pipeline needs.
type Case struct {
	ID       int64
	Title    string
	Status   string
	ClientID *int64
	UserID   int64
}

// DocumentUpload is a file handed to the document store under a case.
type DocumentUpload struct {
	Content     []byte
	Filename    string
	ContentType string
	CaseID      int64
	UploadedBy  int64
	Tag         string
	Description string
}

// DocumentHandle identifies a stored document.
type DocumentHandle struct {
	ID  int64
	Key string
}
