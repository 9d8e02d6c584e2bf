package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sillypop200/kiwifruit/pkg/domain"
)

// newTestGormStore connects to KIWI_TEST_DATABASE_URL and removes the rows
// created under prefix when the test ends.
func newTestGormStore(t *testing.T) (*GormStore, string) {
	t.Helper()
	dsn := os.Getenv("KIWI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("KIWI_TEST_DATABASE_URL not set")
	}
	s, err := NewGormStore(dsn)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	prefix := fmt.Sprintf("t%d-", time.Now().UnixNano())
	t.Cleanup(func() {
		s.db.Where("id LIKE ?", prefix+"%").Delete(&IngestionModel{})
		_ = s.Close()
	})
	return s, prefix
}

func TestGormStoreTerminalTransitionHappensOnce(t *testing.T) {
	s, p := newTestGormStore(t)
	ctx := context.Background()
	id := p + "a"
	if err := s.SaveIngestion(ctx, newLoading(id, "alice", time.Now().UTC())); err != nil {
		t.Fatalf("save: %v", err)
	}
	chapters := []domain.Chapter{
		{ID: p + "c2", Number: 2, Title: "Two", ContentRef: "two.txt"},
		{ID: p + "c1", Number: 1, Title: "One", ContentRef: "one.txt"},
	}
	if err := s.CompleteIngestion(ctx, id, chapters); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.FailIngestion(ctx, id, "late failure"); !errors.Is(err, ErrNotLoading) {
		t.Fatalf("fail after parsed: got %v, want ErrNotLoading", err)
	}
	if err := s.CompleteIngestion(ctx, id, chapters); !errors.Is(err, ErrNotLoading) {
		t.Fatalf("second complete: got %v, want ErrNotLoading", err)
	}
	ing, ok, err := s.GetIngestion(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if ing.Status != domain.StatusParsed || ing.ErrorMessage != "" {
		t.Fatalf("status=%s error=%q, want PARSED with no error", ing.Status, ing.ErrorMessage)
	}
	got, err := s.ListChapters(ctx, id)
	if err != nil {
		t.Fatalf("list chapters: %v", err)
	}
	if len(got) != 2 || got[0].Number != 1 || got[1].Number != 2 {
		t.Fatalf("chapters not ordered by number: %+v", got)
	}
}

func TestGormStoreCompleteRollsBackOnChapterInsertFailure(t *testing.T) {
	s, p := newTestGormStore(t)
	ctx := context.Background()
	id := p + "b"
	if err := s.SaveIngestion(ctx, newLoading(id, "alice", time.Now().UTC())); err != nil {
		t.Fatalf("save: %v", err)
	}
	// duplicate primary key fails the insert after the status update ran
	dup := []domain.Chapter{
		{ID: p + "dup", Number: 1, Title: "One"},
		{ID: p + "dup", Number: 2, Title: "Two"},
	}
	if err := s.CompleteIngestion(ctx, id, dup); err == nil {
		t.Fatalf("complete with duplicate chapter ids succeeded")
	}
	ing, _, err := s.GetIngestion(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ing.Status != domain.StatusLoading {
		t.Fatalf("status = %s, want LOADING after rollback", ing.Status)
	}
	if n, _ := s.CountChapters(ctx, id); n != 0 {
		t.Fatalf("chapter count = %d, want 0 after rollback", n)
	}
	if err := s.FailIngestion(ctx, id, "boom"); err != nil {
		t.Fatalf("fail after rollback: %v", err)
	}
	if err := s.FailIngestion(ctx, id, "again"); !errors.Is(err, ErrNotLoading) {
		t.Fatalf("second fail: got %v, want ErrNotLoading", err)
	}
}

func TestGormStoreFailStaleOnlyTouchesOldLoading(t *testing.T) {
	s, p := newTestGormStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, ing := range []domain.Ingestion{
		newLoading(p+"stale", "alice", now.Add(-2*time.Hour)),
		newLoading(p+"fresh", "alice", now),
		newLoading(p+"done", "alice", now.Add(-3*time.Hour)),
	} {
		if err := s.SaveIngestion(ctx, ing); err != nil {
			t.Fatalf("save %s: %v", ing.ID, err)
		}
	}
	if err := s.CompleteIngestion(ctx, p+"done", []domain.Chapter{{ID: p + "d1", Number: 1, Title: "Chapter 1"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// other tests may share the database, so only our rows are checked
	if _, err := s.FailStaleIngestions(ctx, now.Add(-time.Hour), "Parsing timed out"); err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	checks := map[string]domain.IngestionStatus{
		p + "stale": domain.StatusFailed,
		p + "fresh": domain.StatusLoading,
		p + "done":  domain.StatusParsed,
	}
	for id, want := range checks {
		ing, _, err := s.GetIngestion(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if ing.Status != want {
			t.Fatalf("%s status = %s, want %s", id, ing.Status, want)
		}
	}
}
