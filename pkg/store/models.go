package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"wordvision/pkg/domain"
)

// BookModel is the single-table Postgres layout: the owner id is the leading
// half of the primary key, highlights are an embedded jsonb array.
type BookModel struct {
	OwnerID    string         `gorm:"primaryKey"`
	ID         string         `gorm:"primaryKey"`
	Type       string         `gorm:"not null"`
	Size       int64          `gorm:"not null"`
	Title      string         `gorm:"not null"`
	Author     string         `gorm:"not null"`
	ImgURL     *string
	Settings   datatypes.JSON `gorm:"type:jsonb"`
	Highlights datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

func bookToModel(b domain.Book) (BookModel, error) {
	highlights := b.Highlights
	if highlights == nil {
		highlights = []domain.Highlight{}
	}
	rawHighlights, err := json.Marshal(highlights)
	if err != nil {
		return BookModel{}, fmt.Errorf("encode highlights: %w", err)
	}
	m := BookModel{
		OwnerID:    b.OwnerID,
		ID:         b.ID,
		Type:       b.Type,
		Size:       b.Size,
		Title:      b.Title,
		Author:     b.Author,
		ImgURL:     b.ImgURL,
		Highlights: datatypes.JSON(rawHighlights),
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
	if b.Settings != nil {
		rawSettings, err := json.Marshal(b.Settings)
		if err != nil {
			return BookModel{}, fmt.Errorf("encode settings: %w", err)
		}
		m.Settings = datatypes.JSON(rawSettings)
	}
	return m, nil
}

func bookFromModel(m BookModel) (domain.Book, error) {
	b := domain.Book{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Type:      m.Type,
		Size:      m.Size,
		Title:     m.Title,
		Author:    m.Author,
		ImgURL:    m.ImgURL,
	}
	if len(m.Settings) > 0 && string(m.Settings) != "null" {
		var settings domain.BookSettings
		if err := json.Unmarshal(m.Settings, &settings); err != nil {
			return domain.Book{}, fmt.Errorf("decode settings: %w", err)
		}
		b.Settings = &settings
	}
	highlights, err := decodeHighlights(m.Highlights)
	if err != nil {
		return domain.Book{}, err
	}
	b.Highlights = highlights
	return b, nil
}

func decodeHighlights(raw datatypes.JSON) ([]domain.Highlight, error) {
	out := []domain.Highlight{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode highlights: %w", err)
	}
	return out, nil
}
