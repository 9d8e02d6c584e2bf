package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type IngestionModel struct {
	ID               string         `gorm:"primaryKey"`
	OwnerID          string         `gorm:"not null;index:idx_ingestion_owner_created,priority:1"`
	Title            string         `gorm:"size:512;not null"`
	Author           string         `gorm:"size:512"`
	OriginalFilename string         `gorm:"not null"`
	StoredName       string         `gorm:"not null;uniqueIndex"`
	Status           string         `gorm:"not null;index"`
	ErrorMessage     string         `gorm:"size:1024"`
	Metadata         datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_ingestion_owner_created,priority:2"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

type ChapterModel struct {
	ID          string    `gorm:"primaryKey"`
	IngestionID string    `gorm:"not null;uniqueIndex:idx_chapter_ingestion_number,priority:1"`
	Number      int       `gorm:"not null;uniqueIndex:idx_chapter_ingestion_number,priority:2"`
	Title       string    `gorm:"size:512;not null"`
	ContentRef  string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}
