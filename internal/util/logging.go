package util

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	slogmulti "github.com/samber/slog-multi"
	slogsentry "github.com/samber/slog-sentry/v2"
)

type loggerContextKey struct{}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string
	SentryDSN   string
	Environment string
	Output      io.Writer
}

// InitLogger configures the global slog logger with JSON output and level.
// With a Sentry DSN, error records are also sent to Sentry. The returned
// func flushes pending Sentry events and should run before exit.
func InitLogger(cfg LogConfig) (*slog.Logger, func()) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	handlers := []slog.Handler{
		slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:     ParseLevel(cfg.Level),
			AddSource: true,
		}),
	}
	flush := func() {}
	var sentryErr error

	if dsn := strings.TrimSpace(cfg.SentryDSN); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: cfg.Environment,
		})
		if err == nil {
			handlers = append(handlers, slogsentry.Option{Level: slog.LevelError}.NewSentryHandler())
			flush = func() { sentry.Flush(2 * time.Second) }
		} else {
			sentryErr = err
		}
	}

	var handler slog.Handler
	if len(handlers) > 1 {
		handler = slogmulti.Fanout(handlers...)
	} else {
		handler = handlers[0]
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	if sentryErr != nil {
		logger.Warn("sentry disabled", "err", sentryErr)
	}
	return logger, flush
}

// ParseLevel accepts debug, info, warn, error. Unknown input means info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ContextWithLogger stores a request-scoped logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the request-scoped logger, or the default one.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return slog.Default()
}
