package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"wordvision/internal/partition"
	"wordvision/pkg/domain"
)

const migrateLockID int64 = 73217321

// Array rewrites run inside a single UPDATE, so concurrent writers to the
// same book serialize on the row lock and each sees the latest array.
const (
	appendHighlightExpr = `COALESCE(books.highlights, '[]'::jsonb) || jsonb_build_array(?::jsonb)`
	pullHighlightExpr   = `(SELECT COALESCE(jsonb_agg(e.h ORDER BY e.ord), '[]'::jsonb)
		FROM jsonb_array_elements(books.highlights) WITH ORDINALITY AS e(h, ord)
		WHERE e.h->>'id' <> ?)`
	setHighlightImageExpr = `(SELECT COALESCE(jsonb_agg(
			CASE WHEN e.h->>'id' = ? THEN jsonb_set(e.h, '{imgUrl}', ?::jsonb, true) ELSE e.h END
			ORDER BY e.ord), '[]'::jsonb)
		FROM jsonb_array_elements(books.highlights) WITH ORDINALITY AS e(h, ord))`
	findHighlightQuery = `SELECT e.h AS highlight
		FROM books b, jsonb_array_elements(b.highlights) AS e(h)
		WHERE b.owner_id = ? AND b.id = ? AND e.h->>'id' = ?
		LIMIT 1`
)

// GormStore implements BookStore using GORM + Postgres. All owners share the
// books table; the partition's owner id is part of every predicate.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_books_owner_created ON books (owner_id, created_at)`).Error; err != nil {
			return fmt.Errorf("create books index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) book(ctx context.Context, p partition.Partition, bookID string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&BookModel{}).Where("owner_id = ? AND id = ?", p.OwnerID, bookID)
}

// InsertBook stores a new book document.
func (s *GormStore) InsertBook(ctx context.Context, p partition.Partition, b domain.Book) error {
	b.OwnerID = p.OwnerID
	model, err := bookToModel(b)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateBook
		}
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

// ListBooks returns the owner's books ordered by creation.
func (s *GormStore) ListBooks(ctx context.Context, p partition.Partition) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", p.OwnerID).
		Order("created_at ASC").Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		b, err := bookFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, p partition.Partition, bookID string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "owner_id = ? AND id = ?", p.OwnerID, bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, fmt.Errorf("get book: %w", err)
	}
	b, err := bookFromModel(model)
	if err != nil {
		return domain.Book{}, false, err
	}
	return b, true, nil
}

func (s *GormStore) InitSettings(ctx context.Context, p partition.Partition, bookID string, defaults domain.BookSettings) (UpdateResult, error) {
	raw, err := json.Marshal(defaults)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("encode settings: %w", err)
	}
	res := s.book(ctx, p, bookID).
		Where("(settings IS NULL OR settings = 'null'::jsonb)").
		UpdateColumn("settings", datatypes.JSON(raw))
	if res.Error != nil {
		return UpdateResult{}, fmt.Errorf("init settings: %w", res.Error)
	}
	return UpdateResult{Matched: res.RowsAffected, Modified: res.RowsAffected}, nil
}

func (s *GormStore) UpdateSettings(ctx context.Context, p partition.Partition, bookID string, update domain.SettingsUpdate) (UpdateResult, error) {
	patch := map[string]any{}
	if update.FontSize != nil {
		patch["fontSize"] = *update.FontSize
	}
	if update.DarkMode != nil {
		patch["darkMode"] = *update.DarkMode
	}
	if len(patch) == 0 {
		return s.existsResult(ctx, p, bookID)
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("encode settings: %w", err)
	}
	res := s.book(ctx, p, bookID).
		Where("NOT (COALESCE(settings, '{}'::jsonb) @> ?::jsonb)", string(raw)).
		Updates(map[string]any{
			"settings":   gorm.Expr("COALESCE(NULLIF(settings, 'null'::jsonb), '{}'::jsonb) || ?::jsonb", string(raw)),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return UpdateResult{}, fmt.Errorf("update settings: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return UpdateResult{Matched: res.RowsAffected, Modified: res.RowsAffected}, nil
	}
	return s.existsResult(ctx, p, bookID)
}

// DeleteBook removes the book row and reports how many rows went away.
func (s *GormStore) DeleteBook(ctx context.Context, p partition.Partition, bookID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("owner_id = ? AND id = ?", p.OwnerID, bookID).Delete(&BookModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete book: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) GetHighlights(ctx context.Context, p partition.Partition, bookID string) ([]domain.Highlight, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).Select("highlights").
		First(&model, "owner_id = ? AND id = ?", p.OwnerID, bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get highlights: %w", err)
	}
	highlights, err := decodeHighlights(model.Highlights)
	if err != nil {
		return nil, false, err
	}
	return highlights, true, nil
}

func (s *GormStore) FindHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (domain.Highlight, bool, error) {
	var rows []struct {
		Highlight datatypes.JSON
	}
	if err := s.db.WithContext(ctx).Raw(findHighlightQuery, p.OwnerID, bookID, highlightID).Scan(&rows).Error; err != nil {
		return domain.Highlight{}, false, fmt.Errorf("find highlight: %w", err)
	}
	if len(rows) == 0 {
		return domain.Highlight{}, false, nil
	}
	var h domain.Highlight
	if err := json.Unmarshal(rows[0].Highlight, &h); err != nil {
		return domain.Highlight{}, false, fmt.Errorf("decode highlight: %w", err)
	}
	return h, true, nil
}

func (s *GormStore) PushHighlight(ctx context.Context, p partition.Partition, bookID string, h domain.Highlight) (UpdateResult, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("encode highlight: %w", err)
	}
	return s.updateHighlights(s.book(ctx, p, bookID), gorm.Expr(appendHighlightExpr, string(raw)), "push highlight")
}

func (s *GormStore) PullHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (UpdateResult, error) {
	contains, err := containsHighlight(highlightID)
	if err != nil {
		return UpdateResult{}, err
	}
	tx := s.book(ctx, p, bookID).Where("highlights @> ?::jsonb", contains)
	return s.updateHighlights(tx, gorm.Expr(pullHighlightExpr, highlightID), "pull highlight")
}

func (s *GormStore) SetHighlightImage(ctx context.Context, p partition.Partition, bookID, highlightID string, imgURL *string) (UpdateResult, error) {
	contains, err := containsHighlight(highlightID)
	if err != nil {
		return UpdateResult{}, err
	}
	value, err := json.Marshal(imgURL)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("encode image url: %w", err)
	}
	tx := s.book(ctx, p, bookID).Where("highlights @> ?::jsonb", contains)
	return s.updateHighlights(tx, gorm.Expr(setHighlightImageExpr, highlightID, string(value)), "set highlight image")
}

func (s *GormStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) updateHighlights(tx *gorm.DB, expr any, op string) (UpdateResult, error) {
	res := tx.Updates(map[string]any{
		"highlights": expr,
		"updated_at": s.now(),
	})
	if res.Error != nil {
		return UpdateResult{}, fmt.Errorf("%s: %w", op, res.Error)
	}
	return UpdateResult{Matched: res.RowsAffected, Modified: res.RowsAffected}, nil
}

func (s *GormStore) existsResult(ctx context.Context, p partition.Partition, bookID string) (UpdateResult, error) {
	var count int64
	if err := s.book(ctx, p, bookID).Count(&count).Error; err != nil {
		return UpdateResult{}, fmt.Errorf("count book: %w", err)
	}
	return UpdateResult{Matched: count}, nil
}

// containsHighlight builds the jsonb containment operand matching an array
// that holds an element with the given id.
func containsHighlight(highlightID string) (string, error) {
	raw, err := json.Marshal([]map[string]string{{"id": highlightID}})
	if err != nil {
		return "", fmt.Errorf("encode highlight filter: %w", err)
	}
	return string(raw), nil
}
