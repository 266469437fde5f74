package app

import (
	"context"
	"io"
	"path"
	"strings"

	"wordvision/internal/util"
	"wordvision/pkg/domain"
)

const unknownValue = "Unknown"

// NewBook is an upload request. MetaTitle and MetaAuthor carry metadata the
// caller extracted from the file, if any.
type NewBook struct {
	Title       string
	Author      string
	MetaTitle   string
	MetaAuthor  string
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// SettingsResult reports whether an update changed the stored settings.
type SettingsResult struct {
	Applied bool `json:"applied"`
}

// CreateBook uploads the file, then records the book. Metadata is never
// written for content that failed to upload.
func (a *App) CreateBook(ctx context.Context, ownerID string, in NewBook) (domain.Book, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return domain.Book{}, err
	}
	contentType, ok := normalizeContentType(in.ContentType)
	if !ok {
		return domain.Book{}, ErrUnsupportedType
	}
	if in.Content == nil || in.Size <= 0 {
		return domain.Book{}, ErrEmptyFile
	}

	now := a.now()
	book := domain.Book{
		ID:         util.NewID(),
		OwnerID:    p.OwnerID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Type:       contentType,
		Size:       in.Size,
		Title:      firstNonEmpty(in.Title, in.MetaTitle, titleFromFilename(in.Filename), unknownValue),
		Author:     firstNonEmpty(in.Author, in.MetaAuthor, unknownValue),
		Highlights: []domain.Highlight{},
	}
	key, err := p.BookContentKey(book.ID, contentType)
	if err != nil {
		return domain.Book{}, storeError("build content key", err)
	}

	logger := util.LoggerFromContext(ctx).With("owner_id", p.OwnerID, "book_id", book.ID)
	if err := a.objects.Put(ctx, key, in.Content, in.Size, contentType); err != nil {
		return domain.Book{}, domain.NewError(domain.KindStorageWrite, "failed to store book content", err)
	}
	if err := a.store.InsertBook(ctx, p, book); err != nil {
		if delErr := a.objects.Delete(ctx, key); delErr != nil {
			logger.Warn("book content cleanup failed", "key", key, "err", delErr)
		}
		return domain.Book{}, storeError("insert book", err)
	}
	logger.Info("book created", "type", contentType, "size", in.Size)
	return book, nil
}

// ListBooks returns every book in the owner's partition. An owner with no
// books gets an empty slice.
func (a *App) ListBooks(ctx context.Context, ownerID string) ([]domain.Book, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return nil, err
	}
	books, err := a.store.ListBooks(ctx, p)
	if err != nil {
		return nil, storeError("list books", err)
	}
	if books == nil {
		books = []domain.Book{}
	}
	return books, nil
}

// GetBook returns one book. Books without settings get the reader defaults,
// which are persisted on this first read.
func (a *App) GetBook(ctx context.Context, ownerID, bookID string) (domain.Book, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return domain.Book{}, err
	}
	book, ok, err := a.store.GetBook(ctx, p, bookID)
	if err != nil {
		return domain.Book{}, storeError("get book", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	if book.Settings == nil {
		defaults := domain.DefaultSettings()
		if _, err := a.store.InitSettings(ctx, p, bookID, defaults); err != nil {
			util.LoggerFromContext(ctx).Warn("default settings not persisted", "owner_id", p.OwnerID, "book_id", bookID, "err", err)
		}
		book.Settings = &defaults
	}
	return book, nil
}

// GetContentURL issues a time-limited URL for the book file. It does not
// check that the object exists.
func (a *App) GetContentURL(ctx context.Context, ownerID, bookID string) (string, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return "", err
	}
	book, ok, err := a.store.GetBook(ctx, p, bookID)
	if err != nil {
		return "", storeError("get book", err)
	}
	if !ok {
		return "", ErrBookNotFound
	}
	key, err := p.BookContentKey(book.ID, book.Type)
	if err != nil {
		return "", storeError("build content key", err)
	}
	url, err := a.objects.PresignGet(ctx, key, a.presignExpiry)
	if err != nil {
		return "", domain.NewError(domain.KindStorageRead, "failed to issue content URL", err)
	}
	return url, nil
}

// UpdateSettings merges update into the book's settings.
func (a *App) UpdateSettings(ctx context.Context, ownerID, bookID string, update domain.SettingsUpdate) (SettingsResult, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return SettingsResult{}, err
	}
	if update.Empty() {
		return SettingsResult{}, ErrEmptySettings
	}
	if update.FontSize != nil && *update.FontSize <= 0 {
		return SettingsResult{}, ErrInvalidFontSize
	}
	if _, err := a.store.InitSettings(ctx, p, bookID, domain.DefaultSettings()); err != nil {
		return SettingsResult{}, storeError("init settings", err)
	}
	res, err := a.store.UpdateSettings(ctx, p, bookID, update)
	if err != nil {
		return SettingsResult{}, storeError("update settings", err)
	}
	if res.Matched == 0 {
		return SettingsResult{}, ErrBookNotFound
	}
	return SettingsResult{Applied: res.Modified > 0}, nil
}

// DeleteBook removes the book record and then every object under the book's
// prefix. Object storage is untouched when no record was removed.
func (a *App) DeleteBook(ctx context.Context, ownerID, bookID string) error {
	p, err := partitionFor(ownerID)
	if err != nil {
		return err
	}
	prefix, err := p.BookPrefix(bookID)
	if err != nil {
		return ErrBookNotFound
	}
	deleted, err := a.store.DeleteBook(ctx, p, bookID)
	if err != nil {
		return storeError("delete book", err)
	}
	if deleted == 0 {
		return ErrBookNotFound
	}
	if err := a.objects.DeletePrefix(ctx, prefix); err != nil {
		util.LoggerFromContext(ctx).Error("book content cleanup failed", "owner_id", p.OwnerID, "book_id", bookID, "key", prefix, "err", err)
		return domain.NewError(domain.KindPartialDelete, "book deleted but its files could not be removed", err)
	}
	return nil
}

func normalizeContentType(contentType string) (string, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case domain.ContentTypePDF, domain.ContentTypeEPUB, domain.ContentTypeEPUBLegacy:
		return ct, true
	default:
		return "", false
	}
}

func titleFromFilename(name string) string {
	// Clients may send Windows paths.
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	base := path.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSpace(strings.TrimSuffix(base, path.Ext(base)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
