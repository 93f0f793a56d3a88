package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel разбирает уровень логирования без учёта регистра.
// Неизвестное значение даёт fallback.
func ParseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return fallback
	}
}

// LogLevel читает уровень из LOG_LEVEL, по умолчанию INFO.
func LogLevel() slog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo)
}

// NewLogger создаёт логгер, пишущий в w.
// format "text" даёт человекочитаемый вывод, любое другое значение JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetupLogger инициализирует глобальный логгер master.
//
// Уровень берётся из LOG_LEVEL, формат из LOG_FORMAT
// ("json" по умолчанию, "text" для разработки).
func SetupLogger() *slog.Logger {
	logger := NewLogger(os.Stdout, LogLevel(), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)
	return logger
}

// SetupCLILogger инициализирует глобальный логгер CLI.
//
// stdout занят результатом команды, поэтому логи идут в stderr
// текстом и по умолчанию только с WARN.
func SetupCLILogger() *slog.Logger {
	logger := NewLogger(os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL"), slog.LevelWarn), "text")
	slog.SetDefault(logger)
	return logger
}

type ctxKey struct{}

// WithLogger кладёт логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext достаёт логгер из контекста, иначе глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithBuildRequestID добавляет brid.
func WithBuildRequestID(logger *slog.Logger, brid int64) *slog.Logger {
	return logger.With("brid", brid)
}

// WithScheduler добавляет имя scheduler.
func WithScheduler(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("scheduler", name)
}

// WithStep добавляет имя шага build.
func WithStep(logger *slog.Logger, step string) *slog.Logger {
	return logger.With("step", step)
}

// WithComponent добавляет имя компонента.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}
