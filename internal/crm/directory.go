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

// Package crm reads the client and case ("dossier") tables owned by the
// practice-management side of the backend. The ingestion service only needs
// two lookups from it and never writes.
package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lexbureau/ingestion/internal/models"
)

// DefaultActiveStatuses are the case statuses that accept new documents.
var DefaultActiveStatuses = []string{"En cours", "En attente"}

type clientRow struct {
	ID        int64  `gorm:"primaryKey"`
	Email     string `gorm:"size:255;index"`
	Name      string `gorm:"size:255"`
	CreatedAt time.Time
}

func (clientRow) TableName() string { return "clients" }

type dossierRow struct {
	ID        int64  `gorm:"primaryKey"`
	Title     string `gorm:"size:255"`
	Status    string `gorm:"size:50;index"`
	ClientID  *int64 `gorm:"index"`
	UserID    int64  `gorm:"not null;index"`
	CreatedAt time.Time
}

func (dossierRow) TableName() string { return "dossiers" }

// dossierClientRow is the many-to-many link between dossiers and clients.
type dossierClientRow struct {
	DossierID int64 `gorm:"primaryKey"`
	ClientID  int64 `gorm:"primaryKey"`
}

func (dossierClientRow) TableName() string { return "dossier_clients" }

// Open connects gorm to the backend database.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open crm database: %w", err)
	}
	return db, nil
}

// Directory answers client and case lookups.
type Directory struct {
	db             *gorm.DB
	activeStatuses []string
}

// NewDirectory creates a directory over db. An empty status list means
// DefaultActiveStatuses.
func NewDirectory(db *gorm.DB, activeStatuses []string) *Directory {
	if len(activeStatuses) == 0 {
		activeStatuses = DefaultActiveStatuses
	}
	return &Directory{db: db, activeStatuses: activeStatuses}
}

// FindByEmail returns the client registered under email, compared
// case-insensitively, or nil.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*models.Client, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}

	var row clientRow
	err := d.db.WithContext(ctx).
		Where("LOWER(email) = ?", email).
		Order("id").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find client by email: %w", err)
	}
	return &models.Client{ID: row.ID, Email: row.Email, Name: row.Name}, nil
}

// FindActiveForClientAndOwner returns the most recently created active
// dossier of ownerUserID linked to clientID, directly or through
// dossier_clients, or nil.
func (d *Directory) FindActiveForClientAndOwner(ctx context.Context, clientID, ownerUserID int64) (*models.Case, error) {
	linked := d.db.Model(&dossierClientRow{}).Select("dossier_id").Where("client_id = ?", clientID)

	var row dossierRow
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", ownerUserID, d.activeStatuses).
		Where(d.db.Where("client_id = ?", clientID).Or("id IN (?)", linked)).
		Order("created_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active dossier: %w", err)
	}
	return &models.Case{
		ID:       row.ID,
		Title:    row.Title,
		Status:   row.Status,
		ClientID: row.ClientID,
		UserID:   row.UserID,
	}, nil
}

// Ping checks the database connection.
func (d *Directory) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
