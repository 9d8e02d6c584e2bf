package store

import (
	"context"
	"errors"
	"time"

	"github.com/sillypop200/kiwifruit/pkg/domain"
)

// ErrNotLoading is returned by terminal transitions when the ingestion has
// already left the LOADING state (or does not exist).
var ErrNotLoading = errors.New("ingestion is not loading")

// Store defines persistence operations for ingestions and their chapters.
//
// Terminal transitions are conditional on the record still being LOADING, so
// exactly one of CompleteIngestion, FailIngestion or FailStaleIngestions
// takes effect per record.
type Store interface {
	// ingestions
	SaveIngestion(ctx context.Context, ing domain.Ingestion) error
	GetIngestion(ctx context.Context, id string) (domain.Ingestion, bool, error)
	ListIngestionsByOwner(ctx context.Context, ownerID string) ([]domain.IngestionSummary, error)

	// chapters
	CountChapters(ctx context.Context, ingestionID string) (int, error)
	ListChapters(ctx context.Context, ingestionID string) ([]domain.Chapter, error)
	GetChapter(ctx context.Context, ingestionID string, number int) (domain.Chapter, bool, error)

	// terminal transitions

	// CompleteIngestion inserts chapters and flips the record to PARSED in a
	// single transaction. Readers never observe one without the other.
	CompleteIngestion(ctx context.Context, id string, chapters []domain.Chapter) error
	// FailIngestion flips the record to FAILED with errMsg.
	FailIngestion(ctx context.Context, id string, errMsg string) error
	// FailStaleIngestions fails every LOADING record created before cutoff
	// and returns how many were changed.
	FailStaleIngestions(ctx context.Context, cutoff time.Time, errMsg string) (int, error)
}
