package store

import (
	"context"
	"errors"

	"wordvision/internal/partition"
	"wordvision/pkg/domain"
)

// ErrDuplicateBook is returned when a book id is already taken in the partition.
var ErrDuplicateBook = errors.New("book already exists")

// UpdateResult reports how many book documents a single-document update
// matched and how many it actually changed.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// BookStore persists book documents and their embedded highlights. Every
// call is confined to the given partition. Highlight mutations are single
// atomic updates of the parent document; implementations never
// read-modify-write the highlights array.
type BookStore interface {
	// books
	InsertBook(ctx context.Context, p partition.Partition, book domain.Book) error
	ListBooks(ctx context.Context, p partition.Partition) ([]domain.Book, error)
	GetBook(ctx context.Context, p partition.Partition, bookID string) (domain.Book, bool, error)
	// InitSettings stores defaults only when the book has no settings yet.
	InitSettings(ctx context.Context, p partition.Partition, bookID string, defaults domain.BookSettings) (UpdateResult, error)
	// UpdateSettings merges the non-nil fields. An update that changes
	// nothing reports Matched 1, Modified 0.
	UpdateSettings(ctx context.Context, p partition.Partition, bookID string, update domain.SettingsUpdate) (UpdateResult, error)
	DeleteBook(ctx context.Context, p partition.Partition, bookID string) (int64, error)

	// highlights
	GetHighlights(ctx context.Context, p partition.Partition, bookID string) ([]domain.Highlight, bool, error)
	// FindHighlight fetches only the matching array element.
	FindHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (domain.Highlight, bool, error)
	PushHighlight(ctx context.Context, p partition.Partition, bookID string, h domain.Highlight) (UpdateResult, error)
	PullHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (UpdateResult, error)
	// SetHighlightImage sets (or clears, with nil) the image locator of one
	// highlight in place.
	SetHighlightImage(ctx context.Context, p partition.Partition, bookID, highlightID string, imgURL *string) (UpdateResult, error)

	Close(ctx context.Context) error
}

func cloneHighlights(in []domain.Highlight) []domain.Highlight {
	out := make([]domain.Highlight, 0, len(in))
	for _, h := range in {
		out = append(out, cloneHighlight(h))
	}
	return out
}

func cloneHighlight(h domain.Highlight) domain.Highlight {
	h.ImgURL = cloneString(h.ImgURL)
	return h
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
