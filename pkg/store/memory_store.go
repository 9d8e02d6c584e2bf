package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sillypop200/kiwifruit/pkg/domain"
)

// MemoryStore keeps ingestions in-process. It is used by tests and single-node dev runs.
type MemoryStore struct {
	mu         sync.RWMutex
	ingestions map[string]domain.Ingestion
	chapters   map[string][]domain.Chapter // key: ingestion ID, ordered by number
	seq        map[string]int              // insertion order, breaks CreatedAt ties
	next       int
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ingestions: make(map[string]domain.Ingestion),
		chapters:   make(map[string][]domain.Chapter),
		seq:        make(map[string]int),
	}
}

// SaveIngestion stores a new ingestion or updates descriptive fields of an existing one.
func (m *MemoryStore) SaveIngestion(_ context.Context, ing domain.Ingestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.ingestions[ing.ID]
	if !ok {
		m.next++
		m.seq[ing.ID] = m.next
		m.ingestions[ing.ID] = cloneIngestion(ing)
		return nil
	}
	existing.Title = ing.Title
	existing.Author = ing.Author
	existing.Metadata = cloneMetadata(ing.Metadata)
	existing.UpdatedAt = ing.UpdatedAt
	m.ingestions[ing.ID] = existing
	return nil
}

// GetIngestion retrieves an ingestion by ID.
func (m *MemoryStore) GetIngestion(_ context.Context, id string) (domain.Ingestion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ing, ok := m.ingestions[id]
	if !ok {
		return domain.Ingestion{}, false, nil
	}
	return cloneIngestion(ing), true, nil
}

// ListIngestionsByOwner returns an owner's ingestions newest first.
func (m *MemoryStore) ListIngestionsByOwner(_ context.Context, ownerID string) ([]domain.IngestionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.IngestionSummary, 0)
	for id, ing := range m.ingestions {
		if ing.OwnerID != ownerID {
			continue
		}
		res = append(res, domain.IngestionSummary{
			Ingestion:    cloneIngestion(ing),
			ChapterCount: len(m.chapters[id]),
		})
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return m.seq[a.ID] > m.seq[b.ID]
	})
	return res, nil
}

// CountChapters returns the number of chapters for an ingestion.
func (m *MemoryStore) CountChapters(_ context.Context, ingestionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chapters[ingestionID]), nil
}

// ListChapters returns a copy of the chapters ordered by number.
func (m *MemoryStore) ListChapters(_ context.Context, ingestionID string) ([]domain.Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.chapters[ingestionID]
	out := make([]domain.Chapter, len(src))
	copy(out, src)
	return out, nil
}

// GetChapter returns one chapter by number.
func (m *MemoryStore) GetChapter(_ context.Context, ingestionID string, number int) (domain.Chapter, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.chapters[ingestionID] {
		if ch.Number == number {
			return ch, true, nil
		}
	}
	return domain.Chapter{}, false, nil
}

// CompleteIngestion stores chapters and flips PARSED under one lock.
func (m *MemoryStore) CompleteIngestion(_ context.Context, id string, chapters []domain.Chapter) error {
	if len(chapters) == 0 {
		return errors.New("complete ingestion: no chapters")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ing, ok := m.ingestions[id]
	if !ok || ing.Status.Terminal() {
		return ErrNotLoading
	}
	stored := make([]domain.Chapter, 0, len(chapters))
	for _, ch := range chapters {
		ch.IngestionID = id
		stored = append(stored, ch)
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].Number < stored[j].Number })
	m.chapters[id] = stored
	ing.Status = domain.StatusParsed
	ing.ErrorMessage = ""
	ing.UpdatedAt = time.Now().UTC()
	m.ingestions[id] = ing
	return nil
}

// FailIngestion flips a LOADING ingestion to FAILED.
func (m *MemoryStore) FailIngestion(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ing, ok := m.ingestions[id]
	if !ok || ing.Status.Terminal() {
		return ErrNotLoading
	}
	ing.Status = domain.StatusFailed
	ing.ErrorMessage = errMsg
	ing.UpdatedAt = time.Now().UTC()
	m.ingestions[id] = ing
	return nil
}

// FailStaleIngestions fails LOADING ingestions created before cutoff.
func (m *MemoryStore) FailStaleIngestions(_ context.Context, cutoff time.Time, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	failed := 0
	for id, ing := range m.ingestions {
		if ing.Status.Terminal() || !ing.CreatedAt.Before(cutoff) {
			continue
		}
		ing.Status = domain.StatusFailed
		ing.ErrorMessage = errMsg
		ing.UpdatedAt = now
		m.ingestions[id] = ing
		failed++
	}
	return failed, nil
}

func cloneIngestion(ing domain.Ingestion) domain.Ingestion {
	ing.Metadata = cloneMetadata(ing.Metadata)
	return ing
}

func cloneMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
