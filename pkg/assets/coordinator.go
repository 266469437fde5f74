// Package assets produces, stores and removes the generated image of a
// highlight. The object key is derived from the partition and never changes
// for a highlight, so the durable locator stays valid across regenerations.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"wordvision/internal/partition"
	"wordvision/pkg/domain"
	"wordvision/pkg/imagegen"
	"wordvision/pkg/storage"
)

const (
	DefaultTimeout = 120 * time.Second
	pngContentType = "image/png"
)

// Coordinator ties the image generator to the object store.
type Coordinator struct {
	generator imagegen.Generator
	objects   storage.ObjectStore
	timeout   time.Duration
}

// ErrGenerationDisabled is returned by Generate and Overwrite when the
// coordinator was built without a generator.
var ErrGenerationDisabled = domain.NewError(domain.KindGeneration, "image generation is not configured", nil)

// NewCoordinator builds a coordinator. A nil generator yields a coordinator
// that can only locate and remove images. A non-positive timeout means
// DefaultTimeout.
func NewCoordinator(generator imagegen.Generator, objects storage.ObjectStore, timeout time.Duration) (*Coordinator, error) {
	if objects == nil {
		return nil, errors.New("object store required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{generator: generator, objects: objects, timeout: timeout}, nil
}

// Enabled reports whether the coordinator can generate images.
func (c *Coordinator) Enabled() bool {
	return c.generator != nil
}

// Generate renders prompt and stores the PNG at the highlight's image key.
// It returns the durable locator of that key.
func (c *Coordinator) Generate(ctx context.Context, prompt string, p partition.Partition, bookID, highlightID string) (string, error) {
	key, err := p.HighlightImageKey(bookID, highlightID)
	if err != nil {
		return "", domain.NewError(domain.KindInvalidInput, "invalid highlight reference", err)
	}
	if err := c.Overwrite(ctx, prompt, key); err != nil {
		return "", err
	}
	return c.objects.PublicURL(key), nil
}

// Overwrite renders prompt and replaces the object at key in place.
func (c *Coordinator) Overwrite(ctx context.Context, prompt, key string) error {
	data, err := c.render(ctx, prompt)
	if err != nil {
		return err
	}
	if err := c.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), pngContentType); err != nil {
		return domain.NewError(domain.KindStorageWrite, "failed to store image", err)
	}
	return nil
}

// Locator returns the durable locator for key without any I/O.
func (c *Coordinator) Locator(key string) string {
	return c.objects.PublicURL(key)
}

// Remove deletes the highlight's image. Deleting a missing image succeeds.
func (c *Coordinator) Remove(ctx context.Context, p partition.Partition, bookID, highlightID string) error {
	key, err := p.HighlightImageKey(bookID, highlightID)
	if err != nil {
		return domain.NewError(domain.KindInvalidInput, "invalid highlight reference", err)
	}
	if err := c.objects.Delete(ctx, key); err != nil {
		return domain.NewError(domain.KindStorageWrite, "failed to delete image", err)
	}
	return nil
}

func (c *Coordinator) render(ctx context.Context, prompt string) ([]byte, error) {
	if c.generator == nil {
		return nil, ErrGenerationDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.generator.GenerateImage(ctx, imagegen.DefaultRequest(prompt))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewError(domain.KindGeneration, "image generation timed out", err)
		}
		return nil, domain.NewError(domain.KindGeneration, "image generation failed", err)
	}
	data, err := imagegen.ToPNG(raw)
	if err != nil {
		return nil, domain.NewError(domain.KindGeneration, "image generation returned an unrecognized payload", fmt.Errorf("normalize image: %w", err))
	}
	return data, nil
}
