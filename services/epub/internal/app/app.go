package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sillypop200/kiwifruit/internal/util"
	"github.com/sillypop200/kiwifruit/pkg/domain"
	"github.com/sillypop200/kiwifruit/pkg/epub"
	"github.com/sillypop200/kiwifruit/pkg/storage"
	"github.com/sillypop200/kiwifruit/pkg/store"
)

// ArchiveExt is the only accepted upload extension, compared case-insensitively.
const ArchiveExt = ".epub"

const archiveContentType = "application/epub+zip"

// UploadLimiter counts uploads per owner. ratelimit.FixedWindowLimiter satisfies it.
type UploadLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config holds runtime configuration.
type Config struct {
	Store          store.Store
	Blobs          storage.ObjectStore
	Dispatcher     Dispatcher
	Limiter        UploadLimiter
	MaxUploadBytes int64
	// TempDir holds spooled uploads; empty means os.TempDir.
	TempDir string
}

// App accepts archive uploads and serves ingestion state to their owners.
type App struct {
	store          store.Store
	blobs          storage.ObjectStore
	dispatcher     Dispatcher
	limiter        UploadLimiter
	maxUploadBytes int64
	tempDir        string
	now            func() time.Time
}

// New constructs the coordinator.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	return &App{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		dispatcher:     cfg.Dispatcher,
		limiter:        cfg.Limiter,
		maxUploadBytes: maxUploadBytes,
		tempDir:        cfg.TempDir,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// IngestionView is the client representation of an ingestion.
type IngestionView struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Author           string  `json:"author"`
	Status           string  `json:"status"`
	OriginalFilename string  `json:"originalFilename"`
	CreatedAt        string  `json:"createdAt"`
	ErrorMessage     *string `json:"errorMessage"`
	ChapterCount     int     `json:"chapterCount"`
}

// ChapterView is the client representation of a chapter.
type ChapterView struct {
	ID            string `json:"id"`
	ChapterNumber int    `json:"chapterNumber"`
	Title         string `json:"title"`
	Filename      string `json:"filename"`
}

func newIngestionView(ing domain.Ingestion, chapterCount int) IngestionView {
	view := IngestionView{
		ID:               ing.ID,
		Title:            ing.Title,
		Author:           ing.Author,
		Status:           string(ing.Status),
		OriginalFilename: ing.OriginalFilename,
		CreatedAt:        ing.CreatedAt.UTC().Format(time.RFC3339),
		ChapterCount:     chapterCount,
	}
	if ing.Status == domain.StatusFailed {
		msg := ing.ErrorMessage
		view.ErrorMessage = &msg
	}
	return view
}

func newChapterView(ch domain.Chapter) ChapterView {
	return ChapterView{
		ID:            ch.ID,
		ChapterNumber: ch.Number,
		Title:         ch.Title,
		Filename:      ch.ContentRef,
	}
}

// Submit validates and stores an uploaded archive, records it as LOADING and
// hands it to the dispatcher. It returns without waiting for parsing.
func (a *App) Submit(ctx context.Context, ownerID, filename string, r io.Reader, size int64) (IngestionView, error) {
	if r == nil {
		return IngestionView{}, ErrFileRequired
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return IngestionView{}, ErrFilenameRequired
	}
	if !strings.EqualFold(filepath.Ext(filename), ArchiveExt) {
		return IngestionView{}, ErrInvalidFileType
	}
	if size > a.maxUploadBytes {
		return IngestionView{}, ErrFileTooLarge
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, "upload:"+ownerID) {
		return IngestionView{}, ErrRateLimited
	}
	logger := util.LoggerFromContext(ctx)

	tmpPath, written, err := a.spool(r)
	if err != nil {
		return IngestionView{}, err
	}
	defer os.Remove(tmpPath)

	storedName := storage.NewName(ArchiveExt)
	if err := a.putFile(ctx, storedName, tmpPath, written); err != nil {
		return IngestionView{}, fmt.Errorf("store upload: %w", err)
	}

	meta := epub.ExtractMetadata(tmpPath, filename)
	now := a.now()
	ing := domain.Ingestion{
		ID:               util.NewID(),
		OwnerID:          ownerID,
		Title:            meta.Title,
		Author:           meta.Author,
		OriginalFilename: filename,
		StoredName:       storedName,
		Status:           domain.StatusLoading,
		Metadata:         metadataMap(meta),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.SaveIngestion(ctx, ing); err != nil {
		if derr := a.blobs.Delete(context.WithoutCancel(ctx), storedName); derr != nil {
			logger.Warn("remove orphaned upload failed", "stored_name", storedName, "err", derr)
		}
		return IngestionView{}, fmt.Errorf("save ingestion: %w", err)
	}

	if err := a.dispatcher.Dispatch(ctx, Job{IngestionID: ing.ID, StoredName: storedName}); err != nil {
		logger.Error("dispatch parse job failed", "ingestion_id", ing.ID, "err", err)
		msg := truncateMessage("dispatch parse job: " + err.Error())
		if ferr := a.store.FailIngestion(context.WithoutCancel(ctx), ing.ID, msg); ferr != nil {
			logger.Error("mark ingestion failed", "ingestion_id", ing.ID, "err", ferr)
			return newIngestionView(ing, 0), nil
		}
		ing.Status = domain.StatusFailed
		ing.ErrorMessage = msg
	}
	logger.Info("ingestion submitted", "ingestion_id", ing.ID, "owner_id", ownerID, "bytes", written)
	return newIngestionView(ing, 0), nil
}

// spool copies the upload to a temp file so metadata can be read from it and
// the blob store receives a known size.
func (a *App) spool(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(a.tempDir, "upload-*"+ArchiveExt)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, io.LimitReader(r, a.maxUploadBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("spool upload: %w", err)
	}
	switch {
	case written == 0:
		_ = os.Remove(tmp.Name())
		return "", 0, ErrFileRequired
	case written > a.maxUploadBytes:
		_ = os.Remove(tmp.Name())
		return "", 0, ErrFileTooLarge
	}
	return tmp.Name(), written, nil
}

func (a *App) putFile(ctx context.Context, key, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return a.blobs.Put(ctx, key, f, size, archiveContentType)
}

// Get returns the ingestion if requester owns it.
func (a *App) Get(ctx context.Context, id, requester string) (IngestionView, error) {
	ing, err := a.owned(ctx, id, requester)
	if err != nil {
		return IngestionView{}, err
	}
	// chapters land in the same commit as PARSED, so a count taken under
	// any other status read here could belong to a later state
	count := 0
	if ing.Status == domain.StatusParsed {
		count, err = a.store.CountChapters(ctx, ing.ID)
		if err != nil {
			return IngestionView{}, fmt.Errorf("count chapters: %w", err)
		}
	}
	return newIngestionView(ing, count), nil
}

// ListChapters returns the chapters of a PARSED ingestion ordered by number.
func (a *App) ListChapters(ctx context.Context, id, requester string) ([]ChapterView, error) {
	if _, err := a.parsed(ctx, id, requester); err != nil {
		return nil, err
	}
	chapters, err := a.store.ListChapters(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	views := make([]ChapterView, 0, len(chapters))
	for _, ch := range chapters {
		views = append(views, newChapterView(ch))
	}
	return views, nil
}

// ChapterText opens the extracted text of one chapter. The caller closes it.
func (a *App) ChapterText(ctx context.Context, id string, number int, requester string) (ChapterView, io.ReadCloser, error) {
	if _, err := a.parsed(ctx, id, requester); err != nil {
		return ChapterView{}, nil, err
	}
	ch, ok, err := a.store.GetChapter(ctx, id, number)
	if err != nil {
		return ChapterView{}, nil, fmt.Errorf("get chapter: %w", err)
	}
	if !ok {
		return ChapterView{}, nil, ErrNotFound
	}
	rc, err := a.blobs.Get(ctx, ch.ContentRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ChapterView{}, nil, ErrNotFound
		}
		return ChapterView{}, nil, fmt.Errorf("open chapter text: %w", err)
	}
	return newChapterView(ch), rc, nil
}

// ListForOwner returns the owner's ingestions newest first.
func (a *App) ListForOwner(ctx context.Context, ownerID string) ([]IngestionView, error) {
	summaries, err := a.store.ListIngestionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list ingestions: %w", err)
	}
	views := make([]IngestionView, 0, len(summaries))
	for _, s := range summaries {
		views = append(views, newIngestionView(s.Ingestion, s.ChapterCount))
	}
	return views, nil
}

func (a *App) owned(ctx context.Context, id, requester string) (domain.Ingestion, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Ingestion{}, ErrNotFound
	}
	ing, ok, err := a.store.GetIngestion(ctx, id)
	if err != nil {
		return domain.Ingestion{}, fmt.Errorf("get ingestion: %w", err)
	}
	if !ok {
		return domain.Ingestion{}, ErrNotFound
	}
	if ing.OwnerID != requester {
		return domain.Ingestion{}, ErrForbidden
	}
	return ing, nil
}

// parsed is owned plus the status gate for chapter reads.
func (a *App) parsed(ctx context.Context, id, requester string) (domain.Ingestion, error) {
	ing, err := a.owned(ctx, id, requester)
	if err != nil {
		return domain.Ingestion{}, err
	}
	switch ing.Status {
	case domain.StatusParsed:
		return ing, nil
	case domain.StatusFailed:
		return domain.Ingestion{}, ErrParseFailed
	default:
		return domain.Ingestion{}, ErrStillLoading
	}
}

func metadataMap(meta epub.Metadata) map[string]string {
	out := make(map[string]string, 3)
	if meta.Language != "" {
		out["language"] = meta.Language
	}
	if meta.Identifier != "" {
		out["identifier"] = meta.Identifier
	}
	if meta.Publisher != "" {
		out["publisher"] = meta.Publisher
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
