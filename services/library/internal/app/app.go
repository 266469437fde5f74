package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wordvision/internal/partition"
	"wordvision/internal/ratelimit"
	"wordvision/pkg/assets"
	"wordvision/pkg/domain"
	"wordvision/pkg/imagegen"
	"wordvision/pkg/storage"
	"wordvision/pkg/store"
)

const (
	defaultPresignExpiry = time.Hour
	imageRateWindow      = time.Hour
)

// ImageLimiter meters image generation per owner.
type ImageLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config holds runtime configuration for the core application. Prebuilt
// dependencies (Store, Objects, Generator, Limiter) take precedence over the
// driver settings, which is how tests inject doubles.
type Config struct {
	Store     store.BookStore
	Objects   storage.ObjectStore
	Generator imagegen.Generator
	Limiter   ImageLimiter

	// document store: mongo, postgres or memory
	DocumentStore string
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string

	// object store: minio, s3 or memory
	ObjectStore   string
	Minio         storage.MinioConfig
	S3            storage.S3Config
	PublicBaseURL string

	// image provider: huggingface, openai, openai-compat or none
	Image        imagegen.Config
	ImageTimeout time.Duration

	RedisAddr             string
	RedisPassword         string
	ImageRateLimitPerHour int

	PresignExpiry time.Duration
}

// App is the library core: books and their highlights, confined to the
// caller's partition.
type App struct {
	store         store.BookStore
	objects       storage.ObjectStore
	assets        *assets.Coordinator
	limiter       ImageLimiter
	presignExpiry time.Duration
	closers       []func(context.Context) error
	now           func() time.Time
}

// New constructs the application from cfg.
func New(ctx context.Context, cfg Config) (*App, error) {
	a := &App{
		presignExpiry: cfg.PresignExpiry,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = defaultPresignExpiry
	}

	var err error
	a.store = cfg.Store
	if a.store == nil {
		a.store, err = newBookStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.store.Close)
	}

	a.objects = cfg.Objects
	if a.objects == nil {
		a.objects, err = newObjectStore(ctx, cfg)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	generator := cfg.Generator
	if generator == nil && !strings.EqualFold(strings.TrimSpace(cfg.Image.Provider), "none") {
		generator, err = imagegen.New(cfg.Image)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("init image generator: %w", err)
		}
	}
	a.assets, err = assets.NewCoordinator(generator, a.objects, cfg.ImageTimeout)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.limiter = cfg.Limiter
	if a.limiter == nil && cfg.ImageRateLimitPerHour > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.ImageRateLimitPerHour, imageRateWindow)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("init image rate limiter: %w", err)
		}
		a.limiter = limiter
		a.closers = append(a.closers, func(context.Context) error { return limiter.Close() })
	}
	return a, nil
}

// Close releases the connections New opened. Injected dependencies are left
// to their owner.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newBookStore(ctx context.Context, cfg Config) (store.BookStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DocumentStore)) {
	case "", "mongo", "mongodb":
		if cfg.MongoURI == "" {
			return nil, errors.New("mongo URI required")
		}
		s, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("init mongo store: %w", err)
		}
		return s, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown document store %q", cfg.DocumentStore)
	}
}

func newObjectStore(ctx context.Context, cfg Config) (storage.ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ObjectStore)) {
	case "", "minio":
		minioCfg := cfg.Minio
		if minioCfg.PublicBaseURL == "" {
			minioCfg.PublicBaseURL = cfg.PublicBaseURL
		}
		s, err := storage.NewMinioStore(minioCfg)
		if err != nil {
			return nil, fmt.Errorf("init minio store: %w", err)
		}
		return s, nil
	case "s3":
		s3Cfg := cfg.S3
		if s3Cfg.PublicBaseURL == "" {
			s3Cfg.PublicBaseURL = cfg.PublicBaseURL
		}
		s, err := storage.NewS3Store(ctx, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("init s3 store: %w", err)
		}
		return s, nil
	case "memory":
		return storage.NewMemoryStore(cfg.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown object store %q", cfg.ObjectStore)
	}
}

// partitionFor maps an owner id to its partition. Owner ids come from the
// identity resolver, so a bad one is an auth problem rather than user input.
func partitionFor(ownerID string) (partition.Partition, error) {
	p, err := partition.For(ownerID)
	if err != nil {
		return partition.Partition{}, domain.NewError(domain.KindAuth, "unauthorized", err)
	}
	return p, nil
}

func storeError(op string, err error) error {
	return domain.NewError(domain.KindInternal, "internal error", fmt.Errorf("%s: %w", op, err))
}
