package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wordvision/internal/identity"
	"wordvision/internal/usertoken"
	"wordvision/internal/util"
	"wordvision/pkg/imagegen"
	"wordvision/pkg/storage"
	"wordvision/services/library/internal/app"
	"wordvision/services/library/internal/config"
	"wordvision/services/library/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, flush := util.InitLogger(util.LogConfig{
		Level:       cfg.LogLevel,
		SentryDSN:   cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	defer flush()

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	imageTimeout, err := config.ParseImageTimeout(cfg.ImageTimeout)
	if err != nil {
		log.Fatalf("failed to parse image timeout: %v", err)
	}
	scheme, err := identity.ParseScheme(cfg.OwnerIDScheme)
	if err != nil {
		log.Fatalf("failed to parse owner id scheme: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}
	resolver, err := identity.NewResolver(tokenVerifier, scheme)
	if err != nil {
		log.Fatalf("failed to init identity resolver: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	appCore, err := app.New(initCtx, app.Config{
		DocumentStore: cfg.DocumentStore,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		DatabaseURL:   cfg.DatabaseURL,
		ObjectStore:   cfg.ObjectStore,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		S3: storage.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
		},
		PublicBaseURL: cfg.PublicBaseURL,
		Image: imagegen.Config{
			Provider: cfg.ImageProvider,
			BaseURL:  cfg.ImageBaseURL,
			APIKey:   cfg.ImageAPIKey,
			Model:    cfg.ImageModel,
		},
		ImageTimeout:          imageTimeout,
		RedisAddr:             cfg.RedisAddr,
		RedisPassword:         cfg.RedisPassword,
		ImageRateLimitPerHour: cfg.ImageRateLimitPerHour,
	})
	cancel()
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Identity:       resolver,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("library server listening", "addr", addr, "documentStore", cfg.DocumentStore, "objectStore", cfg.ObjectStore)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
	if err := appCore.Close(context.Background()); err != nil {
		logger.Error("close app", "err", err)
	}
}
