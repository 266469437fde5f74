package app

import (
	"context"
	"fmt"
	"strings"

	"wordvision/internal/partition"
	"wordvision/internal/util"
	"wordvision/pkg/domain"
)

// NewHighlight is a highlight creation request.
type NewHighlight struct {
	Text      string
	Location  string
	WantImage bool
}

// CreateHighlight adds a highlight to the book. A requested image is
// generated and stored before the highlight is persisted, so a failed
// generation leaves the book unchanged.
func (a *App) CreateHighlight(ctx context.Context, ownerID, bookID string, in NewHighlight) (domain.HighlightSummary, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return domain.HighlightSummary{}, err
	}
	if strings.TrimSpace(in.Text) == "" {
		return domain.HighlightSummary{}, ErrTextRequired
	}
	if strings.TrimSpace(in.Location) == "" {
		return domain.HighlightSummary{}, ErrLocationRequired
	}
	if !partition.ValidSegment(bookID) {
		return domain.HighlightSummary{}, ErrAddHighlight
	}

	h := domain.Highlight{
		ID:       util.NewID(),
		Text:     in.Text,
		Location: in.Location,
	}
	logger := util.LoggerFromContext(ctx).With("owner_id", p.OwnerID, "book_id", bookID, "highlight_id", h.ID)

	if in.WantImage {
		if _, ok, err := a.store.GetBook(ctx, p, bookID); err != nil {
			return domain.HighlightSummary{}, storeError("get book", err)
		} else if !ok {
			return domain.HighlightSummary{}, ErrAddHighlight
		}
		if err := a.allowImage(ctx, p); err != nil {
			return domain.HighlightSummary{}, err
		}
		if !a.assets.Enabled() {
			return domain.HighlightSummary{}, ErrImagesDisabled
		}
		url, err := a.assets.Generate(ctx, h.Text, p, bookID, h.ID)
		if err != nil {
			logger.Warn("highlight image generation failed", "err", err)
			return domain.HighlightSummary{}, err
		}
		h.ImgURL = &url
	}

	res, err := a.store.PushHighlight(ctx, p, bookID, h)
	if err != nil || res.Matched == 0 {
		if h.ImgURL != nil {
			a.removeImageBestEffort(ctx, p, bookID, h.ID)
		}
		if err != nil {
			return domain.HighlightSummary{}, storeError("push highlight", err)
		}
		return domain.HighlightSummary{}, ErrAddHighlight
	}
	logger.Info("highlight created", "with_image", h.ImgURL != nil)
	return domain.HighlightSummary{
		HighlightID:   h.ID,
		HighlightText: h.Text,
		ImgURL:        h.ImgURL,
		BookID:        bookID,
	}, nil
}

// ListHighlights returns the book's highlights. A book without highlights
// gives an empty slice.
func (a *App) ListHighlights(ctx context.Context, ownerID, bookID string) ([]domain.Highlight, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return nil, err
	}
	highlights, ok, err := a.store.GetHighlights(ctx, p, bookID)
	if err != nil {
		return nil, storeError("get highlights", err)
	}
	if !ok {
		return nil, ErrBookNotFound
	}
	if highlights == nil {
		highlights = []domain.Highlight{}
	}
	return highlights, nil
}

// GetHighlight returns one highlight, distinguishing a missing book from a
// missing highlight.
func (a *App) GetHighlight(ctx context.Context, ownerID, bookID, highlightID string) (domain.Highlight, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return domain.Highlight{}, err
	}
	return a.getHighlight(ctx, p, bookID, highlightID)
}

func (a *App) getHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (domain.Highlight, error) {
	book, ok, err := a.store.GetBook(ctx, p, bookID)
	if err != nil {
		return domain.Highlight{}, storeError("get book", err)
	}
	if !ok {
		return domain.Highlight{}, ErrBookNotFound
	}
	for _, h := range book.Highlights {
		if h.ID == highlightID {
			return h, nil
		}
	}
	return domain.Highlight{}, ErrHighlightNotFound
}

// DeleteHighlight removes the highlight's image, if any, then the highlight.
// Image cleanup is best-effort: the highlight is removed regardless and a
// failed cleanup is reported as a partial delete.
func (a *App) DeleteHighlight(ctx context.Context, ownerID, bookID, highlightID string) error {
	p, err := partitionFor(ownerID)
	if err != nil {
		return err
	}
	h, ok, err := a.store.FindHighlight(ctx, p, bookID, highlightID)
	if err != nil {
		return storeError("find highlight", err)
	}
	if !ok {
		return ErrHighlightNotFound
	}

	var cleanupErr error
	if h.ImgURL != nil {
		cleanupErr = a.removeImage(ctx, p, bookID, highlightID)
	}
	res, err := a.store.PullHighlight(ctx, p, bookID, highlightID)
	if err != nil {
		return storeError("pull highlight", err)
	}
	if res.Modified == 0 {
		return ErrHighlightNotFound
	}
	if cleanupErr != nil {
		util.LoggerFromContext(ctx).Error("highlight image cleanup failed",
			"owner_id", p.OwnerID, "book_id", bookID, "highlight_id", highlightID, "err", cleanupErr)
		return domain.NewError(domain.KindPartialDelete, "highlight deleted but its image could not be removed", cleanupErr)
	}
	return nil
}

// RegenerateImage renders the highlight's text again and overwrites the image
// in place. The locator never changes for a key; the stored locator is
// rewritten when it is missing or differs from the current one.
func (a *App) RegenerateImage(ctx context.Context, ownerID, bookID, highlightID string) (domain.RegeneratedImage, error) {
	p, err := partitionFor(ownerID)
	if err != nil {
		return domain.RegeneratedImage{}, err
	}
	h, err := a.getHighlight(ctx, p, bookID, highlightID)
	if err != nil {
		return domain.RegeneratedImage{}, err
	}
	if strings.TrimSpace(h.Text) == "" {
		return domain.RegeneratedImage{}, ErrHighlightNoText
	}
	key, err := p.HighlightImageKey(bookID, highlightID)
	if err != nil {
		return domain.RegeneratedImage{}, ErrHighlightNotFound
	}
	if err := a.allowImage(ctx, p); err != nil {
		return domain.RegeneratedImage{}, err
	}
	if !a.assets.Enabled() {
		return domain.RegeneratedImage{}, ErrImagesDisabled
	}
	if err := a.assets.Overwrite(ctx, h.Text, key); err != nil {
		return domain.RegeneratedImage{}, err
	}
	url := a.assets.Locator(key)
	if h.ImgURL == nil || *h.ImgURL != url {
		res, err := a.store.SetHighlightImage(ctx, p, bookID, highlightID, &url)
		if err != nil {
			return domain.RegeneratedImage{}, storeError("set highlight image", err)
		}
		if res.Matched == 0 {
			a.removeImageBestEffort(ctx, p, bookID, highlightID)
			return domain.RegeneratedImage{}, ErrHighlightNotFound
		}
	}
	return domain.RegeneratedImage{HighlightID: highlightID, ImgURL: url}, nil
}

// DeleteHighlightImage removes the image and clears the highlight's locator,
// keeping the highlight itself.
func (a *App) DeleteHighlightImage(ctx context.Context, ownerID, bookID, highlightID string) error {
	p, err := partitionFor(ownerID)
	if err != nil {
		return err
	}
	h, ok, err := a.store.FindHighlight(ctx, p, bookID, highlightID)
	if err != nil {
		return storeError("find highlight", err)
	}
	if !ok || h.ImgURL == nil {
		return ErrImageNotFound
	}
	if err := a.removeImage(ctx, p, bookID, highlightID); err != nil {
		return err
	}
	res, err := a.store.SetHighlightImage(ctx, p, bookID, highlightID, nil)
	if err != nil {
		return storeError("clear highlight image", err)
	}
	if res.Matched == 0 {
		return ErrHighlightNotFound
	}
	return nil
}

func (a *App) allowImage(ctx context.Context, p partition.Partition) error {
	if a.limiter == nil {
		return nil
	}
	d, err := a.limiter.Allow(ctx, p.OwnerID)
	if err != nil {
		return domain.NewError(domain.KindInternal, "internal error", fmt.Errorf("image quota: %w", err))
	}
	if !d.Allowed {
		return &QuotaError{RetryAfter: d.RetryAfter}
	}
	return nil
}

func (a *App) removeImage(ctx context.Context, p partition.Partition, bookID, highlightID string) error {
	return a.assets.Remove(ctx, p, bookID, highlightID)
}

func (a *App) removeImageBestEffort(ctx context.Context, p partition.Partition, bookID, highlightID string) {
	if err := a.removeImage(ctx, p, bookID, highlightID); err != nil {
		util.LoggerFromContext(ctx).Warn("highlight image cleanup failed",
			"owner_id", p.OwnerID, "book_id", bookID, "highlight_id", highlightID, "err", err)
	}
}
