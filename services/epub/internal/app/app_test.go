package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sillypop200/kiwifruit/pkg/domain"
	"github.com/sillypop200/kiwifruit/pkg/epub/epubtest"
	"github.com/sillypop200/kiwifruit/pkg/storage"
	"github.com/sillypop200/kiwifruit/pkg/store"
)

type harness struct {
	app     *App
	store   *store.MemoryStore
	blobs   *storage.FileStore
	blobDir string
	worker  *Worker
}

func newHarness(t *testing.T, dispatcher func(*Worker) Dispatcher) *harness {
	t.Helper()
	blobDir := t.TempDir()
	blobs, err := storage.NewFileStore(blobDir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	st := store.NewMemoryStore()
	worker, err := NewWorker(WorkerConfig{
		Store:     st,
		Blobs:     blobs,
		Timeout:   10 * time.Second,
		TempDir:   t.TempDir(),
		FailDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	a, err := New(Config{
		Store:      st,
		Blobs:      blobs,
		Dispatcher: dispatcher(worker),
		TempDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &harness{app: a, store: st, blobs: blobs, blobDir: blobDir, worker: worker}
}

func inline(w *Worker) Dispatcher { return NewInlineDispatcher(w) }

// recordingDispatcher accepts jobs without running them, keeping records LOADING.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (h *harness) submit(t *testing.T, owner, filename string, book epubtest.Book) IngestionView {
	t.Helper()
	data := epubtest.MustBytes(t, book)
	view, err := h.app.Submit(context.Background(), owner, filename, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return view
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	d, ok := h.app.dispatcher.(*InlineDispatcher)
	if !ok {
		t.Fatalf("harness dispatcher is %T, not inline", h.app.dispatcher)
	}
	d.Wait()
}

func blobsWithSuffix(t *testing.T, dir, suffix string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read blob dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestSubmitParsesChaptersInOrder(t *testing.T) {
	h := newHarness(t, inline)
	ctx := context.Background()

	view := h.submit(t, "alice", "parsed.epub", epubtest.Simple("Parsed Book", "Author B", "Chapter One", "Chapter Two", "Chapter Three"))
	if view.Status != string(domain.StatusLoading) {
		t.Fatalf("submit status = %s, want LOADING", view.Status)
	}
	if view.Title != "Parsed Book" || view.Author != "Author B" || view.OriginalFilename != "parsed.epub" {
		t.Fatalf("unexpected submit view: %+v", view)
	}
	if view.ErrorMessage != nil || view.ChapterCount != 0 {
		t.Fatalf("loading view should have no error and no chapters: %+v", view)
	}
	if _, err := time.Parse(time.RFC3339, view.CreatedAt); err != nil {
		t.Fatalf("createdAt %q is not RFC 3339: %v", view.CreatedAt, err)
	}
	h.wait(t)

	got, err := h.app.Get(ctx, view.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != string(domain.StatusParsed) || got.ChapterCount != 3 {
		t.Fatalf("get = %+v, want PARSED with 3 chapters", got)
	}

	chapters, err := h.app.ListChapters(ctx, view.ID, "alice")
	if err != nil {
		t.Fatalf("list chapters: %v", err)
	}
	wantTitles := []string{"Chapter One", "Chapter Two", "Chapter Three"}
	if len(chapters) != len(wantTitles) {
		t.Fatalf("len(chapters) = %d, want %d", len(chapters), len(wantTitles))
	}
	for i, ch := range chapters {
		if ch.ChapterNumber != i+1 || ch.Title != wantTitles[i] || ch.Filename == "" {
			t.Fatalf("chapters[%d] = %+v", i, ch)
		}
	}

	again, err := h.app.ListChapters(ctx, view.ID, "alice")
	if err != nil {
		t.Fatalf("list chapters again: %v", err)
	}
	if !reflect.DeepEqual(chapters, again) {
		t.Fatalf("chapter listing changed between calls:\n%+v\n%+v", chapters, again)
	}

	_, rc, err := h.app.ChapterText(ctx, view.ID, 1, "alice")
	if err != nil {
		t.Fatalf("chapter text: %v", err)
	}
	defer rc.Close()
	text, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read chapter text: %v", err)
	}
	if !strings.Contains(string(text), "Text of Chapter One") {
		t.Fatalf("chapter 1 text = %q", text)
	}
	if _, _, err := h.app.ChapterText(ctx, view.ID, 4, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("chapter 4 err = %v, want ErrNotFound", err)
	}

	if n := len(blobsWithSuffix(t, h.blobDir, ".epub")); n != 1 {
		t.Fatalf("stored archives = %d, want 1", n)
	}
	if n := len(blobsWithSuffix(t, h.blobDir, ".txt")); n != 3 {
		t.Fatalf("chapter text blobs = %d, want 3", n)
	}
}

func TestSubmitRejectsInvalidUploads(t *testing.T) {
	valid := epubtest.MustBytes(t, epubtest.Simple("Book", "", "One"))
	tests := []struct {
		name     string
		filename string
		body     io.Reader
		size     int64
		want     error
	}{
		{name: "missing file", filename: "book.epub", body: nil, want: ErrFileRequired},
		{name: "empty file", filename: "book.epub", body: bytes.NewReader(nil), size: 0, want: ErrFileRequired},
		{name: "empty filename", filename: "  ", body: bytes.NewReader(valid), size: int64(len(valid)), want: ErrFilenameRequired},
		{name: "text file", filename: "notes.txt", body: bytes.NewReader(valid), size: int64(len(valid)), want: ErrInvalidFileType},
		{name: "no extension", filename: "epub", body: bytes.NewReader(valid), size: int64(len(valid)), want: ErrInvalidFileType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			h := newHarness(t, func(*Worker) Dispatcher { return d })
			_, err := h.app.Submit(context.Background(), "alice", tc.filename, tc.body, tc.size)
			if !errors.Is(err, tc.want) {
				t.Fatalf("submit err = %v, want %v", err, tc.want)
			}
			if n := len(blobsWithSuffix(t, h.blobDir, "")); n != 0 {
				t.Fatalf("blobs written on rejected upload: %d", n)
			}
			list, err := h.app.ListForOwner(context.Background(), "alice")
			if err != nil || len(list) != 0 {
				t.Fatalf("records after rejected upload: %v %v", list, err)
			}
			if d.count() != 0 {
				t.Fatalf("job dispatched for rejected upload")
			}
		})
	}
}

func TestSubmitAcceptsUpperCaseExtension(t *testing.T) {
	h := newHarness(t, inline)
	view := h.submit(t, "alice", "SHOUTING.EPUB", epubtest.Simple("", "", "One"))
	if view.Title != "SHOUTING" {
		t.Fatalf("fallback title = %q, want SHOUTING", view.Title)
	}
	h.wait(t)
}

func TestSubmitRejectsOversizedUpload(t *testing.T) {
	h := newHarness(t, func(*Worker) Dispatcher { return &recordingDispatcher{} })
	h.app.maxUploadBytes = 16
	body := strings.NewReader(strings.Repeat("x", 64))
	if _, err := h.app.Submit(context.Background(), "alice", "big.epub", body, -1); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("submit err = %v, want ErrFileTooLarge", err)
	}
	if _, err := h.app.Submit(context.Background(), "alice", "big.epub", body, 64); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("submit with declared size err = %v, want ErrFileTooLarge", err)
	}
	if n := len(blobsWithSuffix(t, h.blobDir, "")); n != 0 {
		t.Fatalf("blobs written for oversized upload: %d", n)
	}
}

type limiterFunc func(context.Context, string) bool

func (f limiterFunc) Allow(ctx context.Context, key string) bool { return f(ctx, key) }

func TestSubmitRateLimited(t *testing.T) {
	h := newHarness(t, func(*Worker) Dispatcher { return &recordingDispatcher{} })
	var keys []string
	h.app.limiter = limiterFunc(func(_ context.Context, key string) bool {
		keys = append(keys, key)
		return len(keys) == 1
	})
	h.submit(t, "alice", "one.epub", epubtest.Simple("One", "", "A"))
	data := epubtest.MustBytes(t, epubtest.Simple("Two", "", "A"))
	if _, err := h.app.Submit(context.Background(), "alice", "two.epub", bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second submit err = %v, want ErrRateLimited", err)
	}
	if keys[0] != "upload:alice" {
		t.Fatalf("limiter key = %q", keys[0])
	}
}

func TestListChaptersWhileLoading(t *testing.T) {
	d := &recordingDispatcher{}
	h := newHarness(t, func(*Worker) Dispatcher { return d })
	ctx := context.Background()
	view := h.submit(t, "alice", "slow.epub", epubtest.Simple("Slow", "", "One"))
	if d.count() != 1 || d.jobs[0].IngestionID != view.ID {
		t.Fatalf("dispatched jobs = %+v", d.jobs)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.app.ListChapters(ctx, view.ID, "alice"); !errors.Is(err, ErrStillLoading) {
			t.Fatalf("list chapters err = %v, want ErrStillLoading", err)
		}
	}
	if _, _, err := h.app.ChapterText(ctx, view.ID, 1, "alice"); !errors.Is(err, ErrStillLoading) {
		t.Fatalf("chapter text err = %v, want ErrStillLoading", err)
	}
	got, err := h.app.Get(ctx, view.ID, "alice")
	if err != nil || got.Status != string(domain.StatusLoading) || got.ChapterCount != 0 {
		t.Fatalf("get = %+v, %v", got, err)
	}

	// the queued job still completes normally afterwards
	if err := h.worker.Run(ctx, d.jobs[0]); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := h.app.ListChapters(ctx, view.ID, "alice"); err != nil {
		t.Fatalf("list chapters after run: %v", err)
	}
}

func TestListChaptersWhenFailed(t *testing.T) {
	h := newHarness(t, inline)
	view := h.submit(t, "alice", "empty.epub", epubtest.Book{Title: "Empty", Chapters: []epubtest.Chapter{{Body: "<p> </p>"}}})
	h.wait(t)
	if _, err := h.app.ListChapters(context.Background(), view.ID, "alice"); !errors.Is(err, ErrParseFailed) {
		t.Fatalf("list chapters err = %v, want ErrParseFailed", err)
	}
}

func TestOwnershipAndNotFound(t *testing.T) {
	h := newHarness(t, inline)
	ctx := context.Background()
	view := h.submit(t, "alice", "mine.epub", epubtest.Simple("Mine", "", "One"))
	h.wait(t)

	if _, err := h.app.Get(ctx, view.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("get by other owner err = %v, want ErrForbidden", err)
	}
	if _, err := h.app.ListChapters(ctx, view.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("list chapters by other owner err = %v, want ErrForbidden", err)
	}
	if _, err := h.app.Get(ctx, "missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing err = %v, want ErrNotFound", err)
	}
	if _, err := h.app.ListChapters(ctx, "", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("list chapters empty id err = %v, want ErrNotFound", err)
	}
}

func TestListForOwnerNewestFirst(t *testing.T) {
	h := newHarness(t, inline)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var tick int
	h.app.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	first := h.submit(t, "alice", "one.epub", epubtest.Simple("Book One", "", "A"))
	second := h.submit(t, "alice", "two.epub", epubtest.Simple("Book Two", "", "A", "B"))
	h.submit(t, "bob", "three.epub", epubtest.Simple("Book Three", "", "A"))
	h.wait(t)

	list, err := h.app.ListForOwner(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("list order = %+v", list)
	}
	if list[0].ChapterCount != 2 || list[1].ChapterCount != 1 {
		t.Fatalf("chapter counts = %d, %d", list[0].ChapterCount, list[1].ChapterCount)
	}

	empty, err := h.app.ListForOwner(context.Background(), "nobody")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty list = %#v, %v", empty, err)
	}
}

func TestSubmitDispatchFailureMarksFailed(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("broker down")}
	h := newHarness(t, func(*Worker) Dispatcher { return d })
	view := h.submit(t, "alice", "lost.epub", epubtest.Simple("Lost", "", "One"))
	if view.Status != string(domain.StatusFailed) || view.ErrorMessage == nil || !strings.Contains(*view.ErrorMessage, "broker down") {
		t.Fatalf("view = %+v, want FAILED with dispatch error", view)
	}
	got, err := h.app.Get(context.Background(), view.ID, "alice")
	if err != nil || got.Status != string(domain.StatusFailed) {
		t.Fatalf("get = %+v, %v", got, err)
	}
}

func TestSubmitStoresPackageMetadata(t *testing.T) {
	h := newHarness(t, func(*Worker) Dispatcher { return &recordingDispatcher{} })
	book := epubtest.Simple("Meta", "Someone", "One")
	book.Publisher = "Kiwi Press"
	view := h.submit(t, "alice", filepath.Join("dir", "meta.epub"), book)
	ing, ok, err := h.store.GetIngestion(context.Background(), view.ID)
	if err != nil || !ok {
		t.Fatalf("get ingestion: %v %v", ok, err)
	}
	if ing.Metadata["publisher"] != "Kiwi Press" || ing.Metadata["language"] != "en" {
		t.Fatalf("metadata = %+v", ing.Metadata)
	}
	if !strings.HasSuffix(ing.StoredName, ArchiveExt) || strings.Contains(ing.StoredName, "meta") {
		t.Fatalf("stored name %q should be opaque", ing.StoredName)
	}
}

// completeOnRead lets a parse job commit right after the record is read.
type completeOnRead struct {
	*store.MemoryStore
	once     sync.Once
	complete func()
}

func (s *completeOnRead) GetIngestion(ctx context.Context, id string) (domain.Ingestion, bool, error) {
	ing, ok, err := s.MemoryStore.GetIngestion(ctx, id)
	s.once.Do(s.complete)
	return ing, ok, err
}

func TestGetNeverMixesLoadingWithChapters(t *testing.T) {
	rd := &recordingDispatcher{}
	h := newHarness(t, func(*Worker) Dispatcher { return rd })
	view := h.submit(t, "alice", "race.epub", epubtest.Simple("Race", "", "One", "Two", "Three"))

	h.app.store = &completeOnRead{MemoryStore: h.store, complete: func() {
		if err := h.worker.Run(context.Background(), rd.jobs[0]); err != nil {
			t.Errorf("run: %v", err)
		}
	}}

	got, err := h.app.Get(context.Background(), view.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != string(domain.StatusLoading) || got.ChapterCount != 0 {
		t.Fatalf("get = status %s chapterCount %d, want LOADING with 0", got.Status, got.ChapterCount)
	}

	got, err = h.app.Get(context.Background(), view.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != string(domain.StatusParsed) || got.ChapterCount != 3 {
		t.Fatalf("get = status %s chapterCount %d, want PARSED with 3", got.Status, got.ChapterCount)
	}
}
