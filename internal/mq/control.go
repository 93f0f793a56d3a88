package mq

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/shaiso/Conveyor/internal/domain"
)

// CancelPublisher публикует команды отмены (реализуется Publisher).
type CancelPublisher interface {
	PublishCancelBuildRequest(ctx context.Context, id domain.BuildRequestID, reason string) error
}

// Controller отправляет команды управления build requests.
//
// Публикация повторяется с экспоненциальной задержкой:
// кратковременный разрыв соединения с RabbitMQ не должен терять отмену.
type Controller struct {
	publisher CancelPublisher
	logger    *slog.Logger
	attempts  uint
	delay     time.Duration
}

// ControllerConfig — конфигурация Controller.
type ControllerConfig struct {
	Publisher CancelPublisher
	Logger    *slog.Logger

	// Attempts — количество попыток публикации (default: 5).
	Attempts uint

	// Delay — начальная задержка между попытками (default: 200ms).
	Delay time.Duration
}

// NewController создаёт Controller.
func NewController(cfg ControllerConfig) *Controller {
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 5
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		publisher: cfg.Publisher,
		logger:    logger,
		attempts:  attempts,
		delay:     delay,
	}
}

// CancelBuildRequest отправляет команду отмены build request.
func (c *Controller) CancelBuildRequest(ctx context.Context, id domain.BuildRequestID, reason string) error {
	return retry.Do(func() error {
		return c.publisher.PublishCancelBuildRequest(ctx, id, reason)
	},
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("cancel publish failed, retrying",
				"brid", id,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
}
