package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"wordvision/internal/partition"
	"wordvision/internal/ratelimit"
	"wordvision/pkg/domain"
	"wordvision/pkg/imagegen"
	"wordvision/pkg/storage"
	"wordvision/pkg/store"
)

const testBaseURL = "https://cdn.example.com"

// recordingObjects wraps the in-memory object store and records every call.
type recordingObjects struct {
	*storage.MemoryStore

	mu        sync.Mutex
	calls     []string
	deleteErr error
	prefixErr error
	putErr    error
}

func newRecordingObjects() *recordingObjects {
	return &recordingObjects{MemoryStore: storage.NewMemoryStore(testBaseURL)}
}

func (r *recordingObjects) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingObjects) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingObjects) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *recordingObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	r.record("put " + key)
	if r.putErr != nil {
		return r.putErr
	}
	return r.MemoryStore.Put(ctx, key, body, size, contentType)
}

func (r *recordingObjects) Get(ctx context.Context, key string) ([]byte, error) {
	r.record("get " + key)
	return r.MemoryStore.Get(ctx, key)
}

func (r *recordingObjects) Delete(ctx context.Context, key string) error {
	r.record("delete " + key)
	if r.deleteErr != nil {
		return r.deleteErr
	}
	return r.MemoryStore.Delete(ctx, key)
}

func (r *recordingObjects) DeletePrefix(ctx context.Context, prefix string) error {
	r.record("delete-prefix " + prefix)
	if r.prefixErr != nil {
		return r.prefixErr
	}
	return r.MemoryStore.DeletePrefix(ctx, prefix)
}

func (r *recordingObjects) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	r.record("presign " + key)
	return r.MemoryStore.PresignGet(ctx, key, expiry)
}

// fakeGenerator renders a 1x1 PNG whose color follows a call counter, so
// successive renders of the same prompt differ.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	err     error
}

func (g *fakeGenerator) GenerateImage(_ context.Context, req imagegen.Request) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, req.Prompt)
	if g.err != nil {
		return nil, g.err
	}
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: uint8(g.calls), G: uint8(len(req.Prompt)), A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	keys     []string
}

func (l *stubLimiter) Allow(_ context.Context, key string) (ratelimit.Decision, error) {
	l.keys = append(l.keys, key)
	return l.decision, l.err
}

type fixture struct {
	app     *App
	store   *store.MemoryStore
	objects *recordingObjects
	gen     *fakeGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		objects: newRecordingObjects(),
		gen:     &fakeGenerator{},
	}
	a, err := New(context.Background(), Config{
		Store:        f.store,
		Objects:      f.objects,
		Generator:    f.gen,
		ImageTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	f.app = a
	return f
}

func (f *fixture) createBook(t *testing.T, ownerID, title string) domain.Book {
	t.Helper()
	content := "%PDF-1.4 " + title
	book, err := f.app.CreateBook(context.Background(), ownerID, NewBook{
		Title:       title,
		Author:      "A",
		Filename:    title + ".pdf",
		ContentType: domain.ContentTypePDF,
		Size:        int64(len(content)),
		Content:     strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return book
}

func mustPartition(t *testing.T, ownerID string) partition.Partition {
	t.Helper()
	p, err := partition.For(ownerID)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	return p
}

func assertKind(t *testing.T, err error, want domain.ErrorKind) {
	t.Helper()
	if got := domain.KindOf(err); got != want {
		t.Fatalf("error kind = %q, want %q (err=%v)", got, want, err)
	}
}

func TestNewRejectsUnknownDrivers(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{DocumentStore: "cassandra"}); err == nil {
		t.Fatalf("expected unknown document store to fail")
	}
	if _, err := New(ctx, Config{DocumentStore: "memory", ObjectStore: "ftp"}); err == nil {
		t.Fatalf("expected unknown object store to fail")
	}
	if _, err := New(ctx, Config{DocumentStore: "memory", ObjectStore: "memory", Image: imagegen.Config{Provider: "dalle-9"}}); err == nil {
		t.Fatalf("expected unknown image provider to fail")
	}
}

func TestNewWithMemoryDriversAndNoImageProvider(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Config{
		DocumentStore: "memory",
		ObjectStore:   "memory",
		PublicBaseURL: testBaseURL,
		Image:         imagegen.Config{Provider: "none"},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close(ctx)

	content := "epub"
	book, err := a.CreateBook(ctx, "u1", NewBook{ContentType: domain.ContentTypeEPUB, Size: 4, Content: strings.NewReader(content)})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	_, err = a.CreateHighlight(ctx, "u1", book.ID, NewHighlight{Text: "x", Location: "p.1", WantImage: true})
	if !errors.Is(err, ErrImagesDisabled) {
		t.Fatalf("expected images disabled, got %v", err)
	}

	// Existing images can still be removed.
	p := mustPartition(t, "u1")
	url := testBaseURL + "/u1/" + book.ID + "/images/h1.png"
	if _, err := a.store.PushHighlight(ctx, p, book.ID, domain.Highlight{ID: "h1", Text: "x", Location: "p.1", ImgURL: &url}); err != nil {
		t.Fatalf("push highlight: %v", err)
	}
	if err := a.objects.Put(ctx, "u1/"+book.ID+"/images/h1.png", strings.NewReader("png"), 3, "image/png"); err != nil {
		t.Fatalf("put image: %v", err)
	}
	if err := a.DeleteHighlightImage(ctx, "u1", book.ID, "h1"); err != nil {
		t.Fatalf("delete image: %v", err)
	}
	if _, err := a.objects.Get(ctx, "u1/"+book.ID+"/images/h1.png"); err == nil {
		t.Fatalf("image survived deletion")
	}
}

func TestInvalidOwnerIsAuthError(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.ListBooks(context.Background(), "../other")
	assertKind(t, err, domain.KindAuth)
}
