package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/sillypop200/kiwifruit/internal/util"
	"github.com/sillypop200/kiwifruit/pkg/domain"
	"github.com/sillypop200/kiwifruit/pkg/epub"
	"github.com/sillypop200/kiwifruit/pkg/queue"
	"github.com/sillypop200/kiwifruit/pkg/storage"
	"github.com/sillypop200/kiwifruit/pkg/store"
)

const (
	// NoChaptersMessage is stored when an archive parses but yields no text.
	NoChaptersMessage = "No readable chapters found"
	// TimeoutMessage is stored when a job outlives its deadline.
	TimeoutMessage = "Parsing timed out"

	maxErrorMessageRunes = 1024
	textContentType      = "text/plain; charset=utf-8"
)

// Job identifies one stored archive to parse.
type Job struct {
	IngestionID string
	StoredName  string
}

// WorkerConfig wires the worker's own dependencies. Store must not be shared
// with request-serving code.
type WorkerConfig struct {
	Store   store.Store
	Blobs   storage.ObjectStore
	Timeout time.Duration
	TempDir string

	// FailAttempts and FailDelay control retries of the FAILED write.
	FailAttempts uint
	FailDelay    time.Duration
	// CleanupTimeout bounds blob cleanup and the FAILED write, which run
	// after the job context may already be done.
	CleanupTimeout time.Duration
}

// Worker drives one ingestion from LOADING to a terminal status.
type Worker struct {
	store          store.Store
	blobs          storage.ObjectStore
	timeout        time.Duration
	tempDir        string
	failAttempts   uint
	failDelay      time.Duration
	cleanupTimeout time.Duration
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("worker store required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("worker blob store required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	failAttempts := cfg.FailAttempts
	if failAttempts == 0 {
		failAttempts = 3
	}
	failDelay := cfg.FailDelay
	if failDelay <= 0 {
		failDelay = 500 * time.Millisecond
	}
	cleanupTimeout := cfg.CleanupTimeout
	if cleanupTimeout <= 0 {
		cleanupTimeout = 30 * time.Second
	}
	return &Worker{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		timeout:        timeout,
		tempDir:        cfg.TempDir,
		failAttempts:   failAttempts,
		failDelay:      failDelay,
		cleanupTimeout: cleanupTimeout,
	}, nil
}

// Run parses the job's archive and records the outcome. It returns an error
// only when the record is left LOADING: either no terminal status could be
// written or ctx was cancelled before the job finished.
func (w *Worker) Run(ctx context.Context, job Job) error {
	logger := util.LoggerFromContext(ctx).With("ingestion_id", job.IngestionID)
	start := time.Now()
	logger.Info("parse job started", "stored_name", job.StoredName)

	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	chapters, written, err := w.extract(jobCtx, job)
	if err != nil {
		if ctx.Err() != nil {
			return w.interrupted(ctx, logger, written)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%s after %s: %w", TimeoutMessage, w.timeout, err)
		}
		logger.Warn("parse job failed", "err", err, "chapters_written", len(written))
		return w.fail(ctx, logger, job, written, err.Error())
	}
	if len(chapters) == 0 {
		logger.Warn("parse job produced no chapters")
		return w.fail(ctx, logger, job, nil, NoChaptersMessage)
	}
	if err := w.store.CompleteIngestion(jobCtx, job.IngestionID, chapters); err != nil {
		if errors.Is(err, store.ErrNotLoading) {
			// the sweeper or a redelivered job got there first
			logger.Warn("ingestion already terminal, discarding chapters", "chapters", len(chapters))
			w.removeBlobs(ctx, logger, written)
			return nil
		}
		if ctx.Err() != nil {
			return w.interrupted(ctx, logger, written)
		}
		logger.Error("save chapters failed", "err", err)
		return w.fail(ctx, logger, job, written, "save chapters: "+err.Error())
	}
	logger.Info("parse job finished",
		"chapters", len(chapters),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// HandleQueueJob adapts Run to queue.Handler.
func (w *Worker) HandleQueueJob(ctx context.Context, job queue.Job) error {
	return w.Run(ctx, Job{IngestionID: job.IngestionID, StoredName: job.StoredName})
}

// extract walks the sections and writes one text blob per section. written
// lists every blob put so far, including on error.
func (w *Worker) extract(ctx context.Context, job Job) ([]domain.Chapter, []string, error) {
	path, err := w.fetchArchive(ctx, job.StoredName)
	if err != nil {
		return nil, nil, err
	}
	defer os.Remove(path)

	reader, err := epub.OpenSections(path)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	var (
		chapters []domain.Chapter
		written  []string
	)
	for {
		section, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return chapters, written, nil
		}
		if err != nil {
			return nil, written, err
		}
		name := storage.NewName(".txt")
		if err := w.blobs.Put(ctx, name, strings.NewReader(section.Text), int64(len(section.Text)), textContentType); err != nil {
			return nil, written, fmt.Errorf("write chapter %d text: %w", section.Number, err)
		}
		written = append(written, name)
		chapters = append(chapters, domain.Chapter{
			ID:          util.NewID(),
			IngestionID: job.IngestionID,
			Number:      section.Number,
			Title:       section.Title,
			ContentRef:  name,
			CreatedAt:   time.Now().UTC(),
		})
	}
}

// fetchArchive copies the stored archive to a local temp file for zip access.
func (w *Worker) fetchArchive(ctx context.Context, storedName string) (string, error) {
	rc, err := w.blobs.Get(ctx, storedName)
	if err != nil {
		return "", fmt.Errorf("open stored archive: %w", err)
	}
	defer rc.Close()
	tmp, err := os.CreateTemp(w.tempDir, "parse-*"+ArchiveExt)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	_, err = io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("copy stored archive: %w", err)
	}
	return tmp.Name(), nil
}

// interrupted handles a job whose caller went away, typically a queue
// consumer stopping. The record stays LOADING and the error lets the queue
// redeliver the job.
func (w *Worker) interrupted(ctx context.Context, logger *slog.Logger, written []string) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cleanupTimeout)
	defer cancel()
	w.removeBlobs(cleanupCtx, logger, written)
	logger.Warn("parse job interrupted, leaving ingestion loading", "err", context.Cause(ctx))
	return fmt.Errorf("parse job interrupted: %w", context.Cause(ctx))
}

// fail removes the job's chapter blobs and flips the record to FAILED.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job Job, written []string, msg string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cleanupTimeout)
	defer cancel()

	w.removeBlobs(ctx, logger, written)

	msg = truncateMessage(msg)
	err := retry.Do(
		func() error {
			return w.store.FailIngestion(ctx, job.IngestionID, msg)
		},
		retry.Context(ctx),
		retry.Attempts(w.failAttempts),
		retry.Delay(w.failDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, store.ErrNotLoading) }),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotLoading):
		logger.Warn("ingestion already terminal, failure not recorded", "error_message", msg)
		return nil
	default:
		logger.Error("mark ingestion failed", "err", err, "error_message", msg)
		return fmt.Errorf("mark ingestion %s failed: %w", job.IngestionID, err)
	}
}

// removeBlobs deletes blobs concurrently. Failures are logged only.
func (w *Worker) removeBlobs(ctx context.Context, logger *slog.Logger, names []string) {
	if len(names) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(8)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := w.blobs.Delete(ctx, name); err != nil {
				logger.Warn("remove chapter text failed", "blob", name, "err", err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("chapter text cleanup incomplete", "blobs", len(names), "err", err)
	}
}

func truncateMessage(msg string) string {
	runes := 0
	for i := range msg {
		if runes == maxErrorMessageRunes {
			return msg[:i]
		}
		runes++
	}
	return msg
}
