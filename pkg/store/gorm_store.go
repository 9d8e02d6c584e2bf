package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sillypop200/kiwifruit/pkg/domain"
)

const migrateLockID int64 = 51900217

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&IngestionModel{}, &ChapterModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chapter_models'
					AND constraint_name = 'chapter_models_ingestion_id_fkey'
				) THEN
					ALTER TABLE chapter_models
					ADD CONSTRAINT chapter_models_ingestion_id_fkey
					FOREIGN KEY (ingestion_id) REFERENCES ingestion_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure chapter foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveIngestion inserts or updates the mutable columns of an ingestion.
func (s *GormStore) SaveIngestion(ctx context.Context, ing domain.Ingestion) error {
	model := ingestionToModel(ing)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "metadata", "updated_at"}),
	}).Create(&model).Error
}

// GetIngestion retrieves an ingestion.
func (s *GormStore) GetIngestion(ctx context.Context, id string) (domain.Ingestion, bool, error) {
	var model IngestionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Ingestion{}, false, nil
		}
		return domain.Ingestion{}, false, err
	}
	return ingestionFromModel(model), true, nil
}

type summaryRow struct {
	IngestionModel `gorm:"embedded"`
	ChapterCount   int
}

// ListIngestionsByOwner returns an owner's ingestions newest first with chapter counts.
func (s *GormStore) ListIngestionsByOwner(ctx context.Context, ownerID string) ([]domain.IngestionSummary, error) {
	var rows []summaryRow
	if err := s.db.WithContext(ctx).
		Model(&IngestionModel{}).
		Select("ingestion_models.*, (SELECT COUNT(*) FROM chapter_models c WHERE c.ingestion_id = ingestion_models.id) AS chapter_count").
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.IngestionSummary, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.IngestionSummary{
			Ingestion:    ingestionFromModel(row.IngestionModel),
			ChapterCount: row.ChapterCount,
		})
	}
	return res, nil
}

// CountChapters returns the number of chapters stored for an ingestion.
func (s *GormStore) CountChapters(ctx context.Context, ingestionID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ChapterModel{}).Where("ingestion_id = ?", ingestionID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListChapters returns chapters ordered by number.
func (s *GormStore) ListChapters(ctx context.Context, ingestionID string) ([]domain.Chapter, error) {
	var models []ChapterModel
	if err := s.db.WithContext(ctx).Where("ingestion_id = ?", ingestionID).Order("number ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chapters := make([]domain.Chapter, 0, len(models))
	for _, model := range models {
		chapters = append(chapters, chapterFromModel(model))
	}
	return chapters, nil
}

// GetChapter returns one chapter by its number.
func (s *GormStore) GetChapter(ctx context.Context, ingestionID string, number int) (domain.Chapter, bool, error) {
	var model ChapterModel
	if err := s.db.WithContext(ctx).First(&model, "ingestion_id = ? AND number = ?", ingestionID, number).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chapter{}, false, nil
		}
		return domain.Chapter{}, false, err
	}
	return chapterFromModel(model), true, nil
}

// CompleteIngestion flips the status to PARSED and inserts chapters in one transaction.
// The status row is locked first so a concurrent sweeper either waits or wins.
func (s *GormStore) CompleteIngestion(ctx context.Context, id string, chapters []domain.Chapter) error {
	if len(chapters) == 0 {
		return errors.New("complete ingestion: no chapters")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&IngestionModel{}).
			Where("id = ? AND status = ?", id, string(domain.StatusLoading)).
			Updates(map[string]any{
				"status":        string(domain.StatusParsed),
				"error_message": "",
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotLoading
		}
		models := make([]ChapterModel, 0, len(chapters))
		for _, ch := range chapters {
			model := chapterToModel(ch)
			model.IngestionID = id
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// FailIngestion flips a LOADING ingestion to FAILED.
func (s *GormStore) FailIngestion(ctx context.Context, id string, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&IngestionModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusLoading)).
		Updates(map[string]any{
			"status":        string(domain.StatusFailed),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotLoading
	}
	return nil
}

// FailStaleIngestions fails LOADING ingestions created before cutoff.
func (s *GormStore) FailStaleIngestions(ctx context.Context, cutoff time.Time, errMsg string) (int, error) {
	res := s.db.WithContext(ctx).Model(&IngestionModel{}).
		Where("status = ? AND created_at < ?", string(domain.StatusLoading), cutoff.UTC()).
		Updates(map[string]any{
			"status":        string(domain.StatusFailed),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func ingestionToModel(ing domain.Ingestion) IngestionModel {
	var meta []byte
	if len(ing.Metadata) > 0 {
		meta, _ = json.Marshal(ing.Metadata)
	}
	return IngestionModel{
		ID:               ing.ID,
		OwnerID:          ing.OwnerID,
		Title:            ing.Title,
		Author:           ing.Author,
		OriginalFilename: ing.OriginalFilename,
		StoredName:       ing.StoredName,
		Status:           string(ing.Status),
		ErrorMessage:     ing.ErrorMessage,
		Metadata:         meta,
		CreatedAt:        ing.CreatedAt,
		UpdatedAt:        ing.UpdatedAt,
	}
}

func ingestionFromModel(m IngestionModel) domain.Ingestion {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Ingestion{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Title:            m.Title,
		Author:           m.Author,
		OriginalFilename: m.OriginalFilename,
		StoredName:       m.StoredName,
		Status:           domain.IngestionStatus(m.Status),
		ErrorMessage:     m.ErrorMessage,
		Metadata:         meta,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func chapterToModel(ch domain.Chapter) ChapterModel {
	return ChapterModel{
		ID:          ch.ID,
		IngestionID: ch.IngestionID,
		Number:      ch.Number,
		Title:       ch.Title,
		ContentRef:  ch.ContentRef,
		CreatedAt:   ch.CreatedAt,
	}
}

func chapterFromModel(m ChapterModel) domain.Chapter {
	return domain.Chapter{
		ID:          m.ID,
		IngestionID: m.IngestionID,
		Number:      m.Number,
		Title:       m.Title,
		ContentRef:  m.ContentRef,
		CreatedAt:   m.CreatedAt,
	}
}
