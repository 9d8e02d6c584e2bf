package domain

import "time"

type IngestionStatus string

const (
	StatusLoading IngestionStatus = "LOADING"
	StatusParsed  IngestionStatus = "PARSED"
	StatusFailed  IngestionStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s IngestionStatus) Terminal() bool {
	return s == StatusParsed || s == StatusFailed
}

// Ingestion is the persisted state of one uploaded archive.
type Ingestion struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"ownerId"`
	Title            string            `json:"title"`
	Author           string            `json:"author"`
	OriginalFilename string            `json:"originalFilename"`
	StoredName       string            `json:"-"`
	Status           IngestionStatus   `json:"status"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Chapter is one non-empty content document extracted from an ingestion.
type Chapter struct {
	ID          string    `json:"id"`
	IngestionID string    `json:"ingestionId"`
	Number      int       `json:"chapterNumber"`
	Title       string    `json:"title"`
	ContentRef  string    `json:"filename"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IngestionSummary pairs an ingestion with the number of chapters it owns.
type IngestionSummary struct {
	Ingestion
	ChapterCount int `json:"chapterCount"`
}
