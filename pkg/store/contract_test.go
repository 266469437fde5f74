package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wordvision/internal/partition"
	"wordvision/pkg/domain"
)

// runBookStoreContract exercises the behavior every BookStore must share.
func runBookStoreContract(t *testing.T, newStore func(t *testing.T) BookStore) {
	t.Run("InsertGetList", func(t *testing.T) { testInsertGetList(t, newStore(t)) })
	t.Run("PartitionIsolation", func(t *testing.T) { testPartitionIsolation(t, newStore(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, newStore(t)) })
	t.Run("HighlightLifecycle", func(t *testing.T) { testHighlightLifecycle(t, newStore(t)) })
	t.Run("ConcurrentPush", func(t *testing.T) { testConcurrentPush(t, newStore(t)) })
	t.Run("DeleteBook", func(t *testing.T) { testDeleteBook(t, newStore(t)) })
}

func mustPartition(t *testing.T, owner string) partition.Partition {
	t.Helper()
	p, err := partition.For(owner)
	if err != nil {
		t.Fatalf("partition %q: %v", owner, err)
	}
	return p
}

func newBook(owner, id string, created time.Time) domain.Book {
	return domain.Book{
		ID:        id,
		OwnerID:   owner,
		CreatedAt: created,
		UpdatedAt: created,
		Type:      domain.ContentTypePDF,
		Size:      100,
		Title:     "T",
		Author:    "A",
	}
}

func strPtr(s string) *string { return &s }

func testInsertGetList(t *testing.T, s BookStore) {
	ctx := context.Background()
	p := mustPartition(t, "u1")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := s.InsertBook(ctx, p, newBook("u1", "b2", base.Add(time.Minute))); err != nil {
		t.Fatalf("insert b2: %v", err)
	}
	if err := s.InsertBook(ctx, p, newBook("u1", "b1", base)); err != nil {
		t.Fatalf("insert b1: %v", err)
	}
	if err := s.InsertBook(ctx, p, newBook("u1", "b1", base)); !errors.Is(err, ErrDuplicateBook) {
		t.Fatalf("expected duplicate insert to fail with ErrDuplicateBook, got %v", err)
	}

	got, ok, err := s.GetBook(ctx, p, "b1")
	if err != nil || !ok {
		t.Fatalf("get b1: ok=%v err=%v", ok, err)
	}
	if got.Title != "T" || got.Author != "A" || got.Type != domain.ContentTypePDF || got.Size != 100 {
		t.Fatalf("unexpected book %+v", got)
	}
	if got.Settings != nil {
		t.Fatalf("expected settings to start absent, got %+v", got.Settings)
	}
	if got.Highlights == nil || len(got.Highlights) != 0 {
		t.Fatalf("expected empty highlights, got %#v", got.Highlights)
	}

	books, err := s.ListBooks(ctx, p)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(books) != 2 || books[0].ID != "b1" || books[1].ID != "b2" {
		t.Fatalf("expected books ordered by creation, got %+v", books)
	}

	empty, err := s.ListBooks(ctx, mustPartition(t, "nobody"))
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list for unknown owner, got %v err=%v", empty, err)
	}
	if _, ok, err := s.GetBook(ctx, p, "missing"); err != nil || ok {
		t.Fatalf("expected missing book, ok=%v err=%v", ok, err)
	}
}

func testPartitionIsolation(t *testing.T, s BookStore) {
	ctx := context.Background()
	a := mustPartition(t, "owner-a")
	b := mustPartition(t, "owner-b")
	if err := s.InsertBook(ctx, a, newBook("owner-a", "b1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.PushHighlight(ctx, a, "b1", domain.Highlight{ID: "h1", Text: "x", Location: "p.1"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	if _, ok, _ := s.GetBook(ctx, b, "b1"); ok {
		t.Fatalf("owner b must not see owner a's book")
	}
	if _, ok, _ := s.GetHighlights(ctx, b, "b1"); ok {
		t.Fatalf("owner b must not see owner a's highlights")
	}
	if _, ok, _ := s.FindHighlight(ctx, b, "b1", "h1"); ok {
		t.Fatalf("owner b must not find owner a's highlight")
	}
	if res, _ := s.PushHighlight(ctx, b, "b1", domain.Highlight{ID: "h2", Text: "y", Location: "p.2"}); res.Matched != 0 {
		t.Fatalf("owner b push matched %d documents", res.Matched)
	}
	if res, _ := s.PullHighlight(ctx, b, "b1", "h1"); res.Matched != 0 {
		t.Fatalf("owner b pull matched %d documents", res.Matched)
	}
	if n, _ := s.DeleteBook(ctx, b, "b1"); n != 0 {
		t.Fatalf("owner b deleted %d documents", n)
	}
	highlights, ok, err := s.GetHighlights(ctx, a, "b1")
	if err != nil || !ok || len(highlights) != 1 {
		t.Fatalf("owner a's book was touched: %v ok=%v err=%v", highlights, ok, err)
	}
}

func testSettings(t *testing.T, s BookStore) {
	ctx := context.Background()
	p := mustPartition(t, "u1")
	if err := s.InsertBook(ctx, p, newBook("u1", "b1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := s.InitSettings(ctx, p, "b1", domain.DefaultSettings())
	if err != nil || res.Matched != 1 {
		t.Fatalf("init settings: %+v err=%v", res, err)
	}
	res, err = s.InitSettings(ctx, p, "b1", domain.BookSettings{FontSize: 99})
	if err != nil || res.Modified != 0 {
		t.Fatalf("second init must not overwrite: %+v err=%v", res, err)
	}

	size := 20
	res, err = s.UpdateSettings(ctx, p, "b1", domain.SettingsUpdate{FontSize: &size})
	if err != nil || res.Matched != 1 || res.Modified != 1 {
		t.Fatalf("apply update: %+v err=%v", res, err)
	}
	res, err = s.UpdateSettings(ctx, p, "b1", domain.SettingsUpdate{FontSize: &size})
	if err != nil || res.Matched != 1 || res.Modified != 0 {
		t.Fatalf("no-op update: %+v err=%v", res, err)
	}
	res, err = s.UpdateSettings(ctx, p, "missing", domain.SettingsUpdate{FontSize: &size})
	if err != nil || res.Matched != 0 {
		t.Fatalf("missing book update: %+v err=%v", res, err)
	}

	got, _, _ := s.GetBook(ctx, p, "b1")
	if got.Settings == nil || got.Settings.FontSize != 20 || got.Settings.DarkMode {
		t.Fatalf("unexpected settings %+v", got.Settings)
	}
}

func testHighlightLifecycle(t *testing.T, s BookStore) {
	ctx := context.Background()
	p := mustPartition(t, "u1")
	if err := s.InsertBook(ctx, p, newBook("u1", "b1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for _, id := range []string{"h1", "h2", "h3"} {
		res, err := s.PushHighlight(ctx, p, "b1", domain.Highlight{ID: id, Text: "text " + id, Location: "p." + id})
		if err != nil || res.Matched != 1 {
			t.Fatalf("push %s: %+v err=%v", id, res, err)
		}
	}
	if res, err := s.PushHighlight(ctx, p, "missing", domain.Highlight{ID: "hx", Text: "x"}); err != nil || res.Matched != 0 {
		t.Fatalf("push to missing book: %+v err=%v", res, err)
	}

	h, ok, err := s.FindHighlight(ctx, p, "b1", "h2")
	if err != nil || !ok || h.Text != "text h2" || h.ImgURL != nil {
		t.Fatalf("find h2: %+v ok=%v err=%v", h, ok, err)
	}
	if _, ok, _ := s.FindHighlight(ctx, p, "b1", "nope"); ok {
		t.Fatalf("expected unknown highlight to be absent")
	}

	url := "https://img.example.com/u1/b1/images/h2.png"
	if res, err := s.SetHighlightImage(ctx, p, "b1", "h2", strPtr(url)); err != nil || res.Matched != 1 {
		t.Fatalf("set image: %+v err=%v", res, err)
	}
	h, _, _ = s.FindHighlight(ctx, p, "b1", "h2")
	if h.ImgURL == nil || *h.ImgURL != url {
		t.Fatalf("image not set: %+v", h)
	}
	if res, err := s.SetHighlightImage(ctx, p, "b1", "nope", strPtr(url)); err != nil || res.Matched != 0 {
		t.Fatalf("set image on unknown highlight: %+v err=%v", res, err)
	}
	if res, err := s.SetHighlightImage(ctx, p, "b1", "h2", nil); err != nil || res.Matched != 1 {
		t.Fatalf("clear image: %+v err=%v", res, err)
	}
	h, _, _ = s.FindHighlight(ctx, p, "b1", "h2")
	if h.ImgURL != nil {
		t.Fatalf("image not cleared: %+v", h)
	}

	if res, err := s.PullHighlight(ctx, p, "b1", "h2"); err != nil || res.Matched != 1 {
		t.Fatalf("pull: %+v err=%v", res, err)
	}
	if res, err := s.PullHighlight(ctx, p, "b1", "h2"); err != nil || res.Matched != 0 {
		t.Fatalf("second pull must match nothing: %+v err=%v", res, err)
	}

	highlights, ok, err := s.GetHighlights(ctx, p, "b1")
	if err != nil || !ok {
		t.Fatalf("get highlights: ok=%v err=%v", ok, err)
	}
	if len(highlights) != 2 || highlights[0].ID != "h1" || highlights[1].ID != "h3" {
		t.Fatalf("expected h1,h3 in order, got %+v", highlights)
	}
	if _, ok, _ := s.GetHighlights(ctx, p, "missing"); ok {
		t.Fatalf("expected missing book to report not found")
	}
}

func testConcurrentPush(t *testing.T, s BookStore) {
	ctx := context.Background()
	p := mustPartition(t, "u1")
	if err := s.InsertBook(ctx, p, newBook("u1", "b1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.PushHighlight(ctx, p, "b1", domain.Highlight{ID: fmt.Sprintf("h%d", i), Text: "t", Location: "l"})
			if err == nil && res.Matched != 1 {
				err = fmt.Errorf("push %d matched %d", i, res.Matched)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent push: %v", err)
		}
	}
	highlights, _, _ := s.GetHighlights(ctx, p, "b1")
	seen := map[string]bool{}
	for _, h := range highlights {
		seen[h.ID] = true
	}
	if len(highlights) != n || len(seen) != n {
		t.Fatalf("expected %d distinct highlights, got %d (%d distinct)", n, len(highlights), len(seen))
	}
}

func testDeleteBook(t *testing.T, s BookStore) {
	ctx := context.Background()
	p := mustPartition(t, "u1")
	if err := s.InsertBook(ctx, p, newBook("u1", "b1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n, err := s.DeleteBook(ctx, p, "b1"); err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
	if n, err := s.DeleteBook(ctx, p, "b1"); err != nil || n != 0 {
		t.Fatalf("second delete: n=%d err=%v", n, err)
	}
	if _, ok, _ := s.GetBook(ctx, p, "b1"); ok {
		t.Fatalf("book still present after delete")
	}
}
