package domain

import "time"

const (
	ContentTypePDF        = "application/pdf"
	ContentTypeEPUB       = "application/epub+zip"
	ContentTypeEPUBLegacy = "application/epub"
)

const (
	DefaultFontSize = 16
	DefaultDarkMode = false
)

// Identity is the authenticated caller as seen by the library core.
type Identity struct {
	OwnerID    string            `json:"ownerId"`
	Subject    string            `json:"sub"`
	Email      string            `json:"email,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Book is one uploaded work stored in its owner's partition.
type Book struct {
	ID         string        `json:"id"`
	OwnerID    string        `json:"ownerId"`
	CreatedAt  time.Time     `json:"created"`
	UpdatedAt  time.Time     `json:"updated"`
	Type       string        `json:"type"`
	Size       int64         `json:"size"`
	Title      string        `json:"title"`
	Author     string        `json:"author"`
	ImgURL     *string       `json:"imgUrl"`
	Settings   *BookSettings `json:"settings,omitempty"`
	Highlights []Highlight   `json:"highlights"`
}

// BookSettings holds per-book reader preferences.
type BookSettings struct {
	FontSize int  `json:"fontSize"`
	DarkMode bool `json:"darkMode"`
}

// DefaultSettings returns the reader defaults applied to books without settings.
func DefaultSettings() BookSettings {
	return BookSettings{FontSize: DefaultFontSize, DarkMode: DefaultDarkMode}
}

// SettingsUpdate is a partial settings change; nil fields are left untouched.
type SettingsUpdate struct {
	FontSize *int  `json:"fontSize,omitempty"`
	DarkMode *bool `json:"darkMode,omitempty"`
}

// Empty reports whether the update carries no field.
func (u SettingsUpdate) Empty() bool {
	return u.FontSize == nil && u.DarkMode == nil
}

// Highlight is an excerpt embedded in its parent book. It carries no owner or
// book reference of its own.
type Highlight struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Location string  `json:"location"`
	ImgURL   *string `json:"imgUrl"`
}

// HighlightSummary is returned after a highlight is created.
type HighlightSummary struct {
	HighlightID   string  `json:"highlightId"`
	HighlightText string  `json:"highlightText"`
	ImgURL        *string `json:"imgUrl"`
	BookID        string  `json:"bookId"`
}

// RegeneratedImage describes the stable locator of a regenerated highlight image.
type RegeneratedImage struct {
	HighlightID string `json:"highlightId"`
	ImgURL      string `json:"imgUrl"`
}
