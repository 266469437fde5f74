package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"wordvision/internal/partition"
	"wordvision/pkg/domain"
)

// MemoryStore implements BookStore in process. Each partition maps to its own
// collection; a single mutex makes every update atomic.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]domain.Book
	now         func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]map[string]domain.Book{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) InsertBook(ctx context.Context, p partition.Partition, book domain.Book) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[p.Collection]
	if coll == nil {
		coll = map[string]domain.Book{}
		s.collections[p.Collection] = coll
	}
	if _, exists := coll[book.ID]; exists {
		return ErrDuplicateBook
	}
	coll[book.ID] = cloneBook(book)
	return nil
}

func (s *MemoryStore) ListBooks(ctx context.Context, p partition.Partition) ([]domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	books := make([]domain.Book, 0, len(s.collections[p.Collection]))
	for _, b := range s.collections[p.Collection] {
		books = append(books, cloneBook(b))
	}
	sort.SliceStable(books, func(i, j int) bool {
		if books[i].CreatedAt.Equal(books[j].CreatedAt) {
			return books[i].ID < books[j].ID
		}
		return books[i].CreatedAt.Before(books[j].CreatedAt)
	})
	return books, nil
}

func (s *MemoryStore) GetBook(ctx context.Context, p partition.Partition, bookID string) (domain.Book, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Book{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.collections[p.Collection][bookID]
	if !ok {
		return domain.Book{}, false, nil
	}
	return cloneBook(b), true, nil
}

func (s *MemoryStore) InitSettings(ctx context.Context, p partition.Partition, bookID string, defaults domain.BookSettings) (UpdateResult, error) {
	return s.update(ctx, p, bookID, func(b *domain.Book) (bool, bool) {
		if b.Settings != nil {
			return false, false
		}
		settings := defaults
		b.Settings = &settings
		return true, true
	})
}

func (s *MemoryStore) UpdateSettings(ctx context.Context, p partition.Partition, bookID string, update domain.SettingsUpdate) (UpdateResult, error) {
	return s.update(ctx, p, bookID, func(b *domain.Book) (bool, bool) {
		next := domain.BookSettings{}
		if b.Settings != nil {
			next = *b.Settings
		}
		if update.FontSize != nil {
			next.FontSize = *update.FontSize
		}
		if update.DarkMode != nil {
			next.DarkMode = *update.DarkMode
		}
		if b.Settings != nil && next == *b.Settings {
			return true, false
		}
		b.Settings = &next
		return true, true
	})
}

func (s *MemoryStore) DeleteBook(ctx context.Context, p partition.Partition, bookID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[p.Collection]
	if _, ok := coll[bookID]; !ok {
		return 0, nil
	}
	delete(coll, bookID)
	return 1, nil
}

func (s *MemoryStore) GetHighlights(ctx context.Context, p partition.Partition, bookID string) ([]domain.Highlight, bool, error) {
	b, ok, err := s.GetBook(ctx, p, bookID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return b.Highlights, true, nil
}

func (s *MemoryStore) FindHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (domain.Highlight, bool, error) {
	b, ok, err := s.GetBook(ctx, p, bookID)
	if err != nil || !ok {
		return domain.Highlight{}, false, err
	}
	for _, h := range b.Highlights {
		if h.ID == highlightID {
			return h, true, nil
		}
	}
	return domain.Highlight{}, false, nil
}

func (s *MemoryStore) PushHighlight(ctx context.Context, p partition.Partition, bookID string, h domain.Highlight) (UpdateResult, error) {
	return s.update(ctx, p, bookID, func(b *domain.Book) (bool, bool) {
		b.Highlights = append(b.Highlights, cloneHighlight(h))
		return true, true
	})
}

func (s *MemoryStore) PullHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (UpdateResult, error) {
	return s.update(ctx, p, bookID, func(b *domain.Book) (bool, bool) {
		kept := b.Highlights[:0]
		removed := false
		for _, h := range b.Highlights {
			if h.ID == highlightID {
				removed = true
				continue
			}
			kept = append(kept, h)
		}
		b.Highlights = kept
		return removed, removed
	})
}

func (s *MemoryStore) SetHighlightImage(ctx context.Context, p partition.Partition, bookID, highlightID string, imgURL *string) (UpdateResult, error) {
	return s.update(ctx, p, bookID, func(b *domain.Book) (bool, bool) {
		for i := range b.Highlights {
			if b.Highlights[i].ID != highlightID {
				continue
			}
			current := b.Highlights[i].ImgURL
			if (current == nil && imgURL == nil) || (current != nil && imgURL != nil && *current == *imgURL) {
				return true, false
			}
			b.Highlights[i].ImgURL = cloneString(imgURL)
			return true, true
		}
		return false, false
	})
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// update applies fn to the stored book under the lock. fn reports whether the
// document matched its filter and whether it changed anything.
func (s *MemoryStore) update(ctx context.Context, p partition.Partition, bookID string, fn func(*domain.Book) (matched, modified bool)) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.collections[p.Collection][bookID]
	if !ok {
		return UpdateResult{}, nil
	}
	b = cloneBook(b)
	matched, modified := fn(&b)
	res := UpdateResult{}
	if matched {
		res.Matched = 1
	}
	if modified {
		res.Modified = 1
		b.UpdatedAt = s.now()
		s.collections[p.Collection][bookID] = b
	}
	return res, nil
}

func cloneBook(b domain.Book) domain.Book {
	b.ImgURL = cloneString(b.ImgURL)
	if b.Settings != nil {
		settings := *b.Settings
		b.Settings = &settings
	}
	b.Highlights = cloneHighlights(b.Highlights)
	return b
}
