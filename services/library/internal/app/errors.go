package app

import (
	"fmt"
	"time"

	"wordvision/pkg/assets"
	"wordvision/pkg/domain"
)

var (
	ErrBookNotFound      = domain.NewError(domain.KindNotFound, "Book not found", nil)
	ErrHighlightNotFound = domain.NewError(domain.KindNotFound, "Highlight not found", nil)
	ErrImageNotFound     = domain.NewError(domain.KindNotFound, "Image not found", nil)

	// ErrAddHighlight is returned when the push matched no book in the
	// caller's partition.
	ErrAddHighlight = domain.NewError(domain.KindNotFound, "failed to add highlight", nil)

	ErrUnsupportedType   = domain.NewError(domain.KindInvalidInput, "unsupported file type", nil)
	ErrEmptyFile         = domain.NewError(domain.KindInvalidInput, "file is required", nil)
	ErrTextRequired      = domain.NewError(domain.KindInvalidInput, "highlight text is required", nil)
	ErrLocationRequired  = domain.NewError(domain.KindInvalidInput, "highlight location is required", nil)
	ErrEmptySettings     = domain.NewError(domain.KindInvalidInput, "no settings to update", nil)
	ErrInvalidFontSize   = domain.NewError(domain.KindInvalidInput, "fontSize must be positive", nil)
	ErrHighlightNoText   = domain.NewError(domain.KindInvalidState, "highlight has no text to render", nil)
	ErrImagesDisabled    = assets.ErrGenerationDisabled
	ErrImageQuotaReached = domain.NewError(domain.KindRateLimited, "image generation quota reached, try again later", nil)
)

// QuotaError is returned when the caller's image quota is exhausted.
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrImageQuotaReached.Error(), e.RetryAfter)
}

func (e *QuotaError) Unwrap() error { return ErrImageQuotaReached }
