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

// Package documents implements the document store the ingestion engine files
// attachments into: bytes go to a blob store, metadata to the documents table.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lexbureau/ingestion/internal/models"
)

// MaxFileSize is the largest document accepted (25 MB).
const MaxFileSize = 25 * 1024 * 1024

var (
	ErrFileTooLarge = errors.New("file exceeds size limit")
	ErrEmptyFile    = errors.New("file is empty")
)

// Document is the metadata row of a stored file.
type Document struct {
	ID          int64  `gorm:"primaryKey"`
	DossierID   int64  `gorm:"not null;index"`
	UploadedBy  int64  `gorm:"not null"`
	Filename    string `gorm:"size:255"`
	ContentType string `gorm:"size:100"`
	SizeBytes   int64
	StorageKey  string `gorm:"size:500;uniqueIndex"`
	Tag         string `gorm:"size:50;index"`
	Description string `gorm:"size:1000"`
	CreatedAt   time.Time
}

// TableName returns the table name for Document.
func (Document) TableName() string {
	return "documents"
}

// Store writes documents to a blob store and records them in the database.
type Store struct {
	db    *gorm.DB
	blobs BlobStore
}

// NewStore creates a document store.
func NewStore(db *gorm.DB, blobs BlobStore) *Store {
	return &Store{db: db, blobs: blobs}
}

// Store persists doc under its case and returns the new document handle.
func (s *Store) Store(ctx context.Context, doc models.DocumentUpload) (models.DocumentHandle, error) {
	if len(doc.Content) == 0 {
		return models.DocumentHandle{}, ErrEmptyFile
	}
	if len(doc.Content) > MaxFileSize {
		return models.DocumentHandle{}, ErrFileTooLarge
	}

	name := SanitizeFilename(doc.Filename)
	key := fmt.Sprintf("dossiers/%d/%s%s", doc.CaseID, uuid.New().String(), strings.ToLower(filepath.Ext(name)))
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := s.blobs.Put(ctx, key, doc.Content, contentType); err != nil {
		return models.DocumentHandle{}, err
	}

	row := Document{
		DossierID:   doc.CaseID,
		UploadedBy:  doc.UploadedBy,
		Filename:    name,
		ContentType: contentType,
		SizeBytes:   int64(len(doc.Content)),
		StorageKey:  key,
		Tag:         doc.Tag,
		Description: truncate(doc.Description, 1000),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			slog.Warn("failed to remove orphaned document blob", "key", key, "error", derr)
		}
		return models.DocumentHandle{}, fmt.Errorf("create document row: %w", err)
	}

	slog.Debug("document stored",
		"document_id", row.ID,
		"case_id", row.DossierID,
		"key", key,
		"size", row.SizeBytes,
	)
	return models.DocumentHandle{ID: row.ID, Key: key}, nil
}

// SanitizeFilename strips directories and control characters from an
// attachment name.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return truncate(name, 255)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	for len(string(r)) > n {
		r = r[:len(r)-1]
	}
	return string(r)
}
