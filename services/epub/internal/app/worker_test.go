package app

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sillypop200/kiwifruit/pkg/domain"
	"github.com/sillypop200/kiwifruit/pkg/epub/epubtest"
	"github.com/sillypop200/kiwifruit/pkg/queue"
	"github.com/sillypop200/kiwifruit/pkg/storage"
	"github.com/sillypop200/kiwifruit/pkg/store"
)

// seed stores raw archive bytes and a LOADING record for them.
func seed(t *testing.T, st store.Store, blobs storage.ObjectStore, data []byte) Job {
	t.Helper()
	ctx := context.Background()
	job := Job{IngestionID: "ing-" + storage.NewName(""), StoredName: storage.NewName(ArchiveExt)}
	if err := blobs.Put(ctx, job.StoredName, bytes.NewReader(data), int64(len(data)), archiveContentType); err != nil {
		t.Fatalf("put archive: %v", err)
	}
	now := time.Now().UTC()
	if err := st.SaveIngestion(ctx, domain.Ingestion{
		ID:               job.IngestionID,
		OwnerID:          "alice",
		Title:            "seeded",
		OriginalFilename: "seeded.epub",
		StoredName:       job.StoredName,
		Status:           domain.StatusLoading,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		t.Fatalf("save ingestion: %v", err)
	}
	return job
}

func mustIngestion(t *testing.T, st store.Store, id string) domain.Ingestion {
	t.Helper()
	ing, ok, err := st.GetIngestion(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get ingestion %s: ok=%v err=%v", id, ok, err)
	}
	return ing
}

func assertFailedWithoutChapters(t *testing.T, h *harness, id string) domain.Ingestion {
	t.Helper()
	ing := mustIngestion(t, h.store, id)
	if ing.Status != domain.StatusFailed || ing.ErrorMessage == "" {
		t.Fatalf("ingestion = %s %q, want FAILED with a message", ing.Status, ing.ErrorMessage)
	}
	if n, _ := h.store.CountChapters(context.Background(), id); n != 0 {
		t.Fatalf("chapter count = %d, want 0", n)
	}
	if left := blobsWithSuffix(t, h.blobDir, ".txt"); len(left) != 0 {
		t.Fatalf("chapter text blobs left behind: %v", left)
	}
	return ing
}

func TestWorkerNoReadableChapters(t *testing.T) {
	h := newHarness(t, inline)
	book := epubtest.Book{Title: "Blank", Chapters: []epubtest.Chapter{{Body: "<p>\n</p>"}, {Body: "<div></div>"}}}
	job := seed(t, h.store, h.blobs, epubtest.MustBytes(t, book))

	if err := h.worker.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	ing := assertFailedWithoutChapters(t, h, job.IngestionID)
	if ing.ErrorMessage != NoChaptersMessage {
		t.Fatalf("error message = %q, want %q", ing.ErrorMessage, NoChaptersMessage)
	}
}

func TestWorkerCorruptArchive(t *testing.T) {
	h := newHarness(t, inline)
	job := seed(t, h.store, h.blobs, []byte("PK\x03\x04 definitely not a zip"))

	if err := h.worker.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	ing := assertFailedWithoutChapters(t, h, job.IngestionID)
	if !strings.Contains(ing.ErrorMessage, "epub: open archive") {
		t.Fatalf("error message = %q", ing.ErrorMessage)
	}
}

func TestWorkerMidStreamFailureRemovesWrittenText(t *testing.T) {
	h := newHarness(t, inline)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"META-INF/container.xml": `<container><rootfiles><rootfile full-path="content.opf"/></rootfiles></container>`,
		"content.opf": `<package><metadata/><manifest>
			<item id="a" href="a.xhtml" media-type="application/xhtml+xml"/>
			<item id="b" href="b.xhtml" media-type="application/xhtml+xml"/>
			<item id="c" href="gone.xhtml" media-type="application/xhtml+xml"/>
		</manifest><spine><itemref idref="a"/><itemref idref="b"/><itemref idref="c"/></spine></package>`,
		"a.xhtml": `<html><body><h1>A</h1><p>first</p></body></html>`,
		"b.xhtml": `<html><body><h1>B</h1><p>second</p></body></html>`,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	job := seed(t, h.store, h.blobs, buf.Bytes())

	if err := h.worker.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	ing := assertFailedWithoutChapters(t, h, job.IngestionID)
	if !strings.Contains(ing.ErrorMessage, "gone.xhtml") {
		t.Fatalf("error message = %q, want the missing entry named", ing.ErrorMessage)
	}
	// the archive itself is kept
	if n := len(blobsWithSuffix(t, h.blobDir, ArchiveExt)); n != 1 {
		t.Fatalf("archives = %d, want 1", n)
	}
}

func TestWorkerMissingStoredArchive(t *testing.T) {
	h := newHarness(t, inline)
	job := seed(t, h.store, h.blobs, []byte("x"))
	if err := h.blobs.Delete(context.Background(), job.StoredName); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := h.worker.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	ing := assertFailedWithoutChapters(t, h, job.IngestionID)
	if !strings.Contains(ing.ErrorMessage, "open stored archive") {
		t.Fatalf("error message = %q", ing.ErrorMessage)
	}
}

func TestWorkerTimeout(t *testing.T) {
	h := newHarness(t, inline)
	h.worker.timeout = time.Nanosecond
	job := seed(t, h.store, h.blobs, epubtest.MustBytes(t, epubtest.Simple("Slow", "", "One", "Two")))

	if err := h.worker.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	ing := assertFailedWithoutChapters(t, h, job.IngestionID)
	if !strings.HasPrefix(ing.ErrorMessage, TimeoutMessage) {
		t.Fatalf("error message = %q, want timeout", ing.ErrorMessage)
	}
}

// cancelAfterFirstPut cancels the job's caller once one chapter is written.
type cancelAfterFirstPut struct {
	storage.ObjectStore
	cancel context.CancelFunc
	puts   atomic.Int32
}

func (b *cancelAfterFirstPut) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	err := b.ObjectStore.Put(ctx, key, r, size, contentType)
	if b.puts.Add(1) == 1 {
		b.cancel()
	}
	return err
}

func TestWorkerInterruptedLeavesLoadingForRedelivery(t *testing.T) {
	h := newHarness(t, inline)
	job := seed(t, h.store, h.blobs, epubtest.MustBytes(t, epubtest.Simple("Deploy", "", "One", "Two", "Three")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.worker.blobs = &cancelAfterFirstPut{ObjectStore: h.blobs, cancel: cancel}

	err := h.worker.HandleQueueJob(ctx, queue.Job{ID: "job-1", IngestionID: job.IngestionID, StoredName: job.StoredName})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("handler err = %v, want context.Canceled so the job is redelivered", err)
	}
	ing := mustIngestion(t, h.store, job.IngestionID)
	if ing.Status != domain.StatusLoading || ing.ErrorMessage != "" {
		t.Fatalf("ingestion = %s %q, want LOADING without a message", ing.Status, ing.ErrorMessage)
	}
	if left := blobsWithSuffix(t, h.blobDir, ".txt"); len(left) != 0 {
		t.Fatalf("chapter text blobs left behind: %v", left)
	}

	// redelivery on a live context parses normally
	h.worker.blobs = h.blobs
	if err := h.worker.Run(context.Background(), job); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if ing := mustIngestion(t, h.store, job.IngestionID); ing.Status != domain.StatusParsed {
		t.Fatalf("status after redelivery = %s, want PARSED", ing.Status)
	}
}

func TestWorkerDiscardsChaptersWhenAlreadyTerminal(t *testing.T) {
	h := newHarness(t, inline)
	ctx := context.Background()
	job := seed(t, h.store, h.blobs, epubtest.MustBytes(t, epubtest.Simple("Late", "", "One", "Two")))
	if err := h.store.FailIngestion(ctx, job.IngestionID, TimeoutMessage); err != nil {
		t.Fatalf("fail ingestion: %v", err)
	}

	if err := h.worker.Run(ctx, job); err != nil {
		t.Fatalf("run: %v", err)
	}
	ing := assertFailedWithoutChapters(t, h, job.IngestionID)
	if ing.ErrorMessage != TimeoutMessage {
		t.Fatalf("error message = %q, want the first terminal write kept", ing.ErrorMessage)
	}
}

// flakyStore fails FailIngestion a fixed number of times.
type flakyStore struct {
	*store.MemoryStore
	failures int32
	calls    atomic.Int32
}

func (s *flakyStore) FailIngestion(ctx context.Context, id, msg string) error {
	if s.calls.Add(1) <= s.failures {
		return errors.New("connection reset")
	}
	return s.MemoryStore.FailIngestion(ctx, id, msg)
}

func TestWorkerRetriesFailureWrite(t *testing.T) {
	h := newHarness(t, inline)
	st := &flakyStore{MemoryStore: h.store, failures: 2}
	h.worker.store = st
	job := seed(t, st, h.blobs, []byte("garbage"))

	if err := h.worker.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := st.calls.Load(); got != 3 {
		t.Fatalf("FailIngestion calls = %d, want 3", got)
	}
	assertFailedWithoutChapters(t, h, job.IngestionID)
}

func TestWorkerLeavesLoadingWhenFailureWriteFails(t *testing.T) {
	h := newHarness(t, inline)
	st := &flakyStore{MemoryStore: h.store, failures: 100}
	h.worker.store = st
	job := seed(t, st, h.blobs, []byte("garbage"))

	err := h.worker.Run(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("run err = %v, want the failure write error", err)
	}
	if got := st.calls.Load(); got != int32(h.worker.failAttempts) {
		t.Fatalf("FailIngestion calls = %d, want %d", got, h.worker.failAttempts)
	}
	if ing := mustIngestion(t, st, job.IngestionID); ing.Status != domain.StatusLoading {
		t.Fatalf("status = %s, want LOADING", ing.Status)
	}
}

func TestTruncateMessage(t *testing.T) {
	long := strings.Repeat("é", maxErrorMessageRunes+10)
	if got := []rune(truncateMessage(long)); len(got) != maxErrorMessageRunes {
		t.Fatalf("truncated runes = %d, want %d", len(got), maxErrorMessageRunes)
	}
	if got := truncateMessage("short"); got != "short" {
		t.Fatalf("truncateMessage(short) = %q", got)
	}
}
