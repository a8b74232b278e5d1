package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/rabbitmq/amqp091-go"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/config"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/ingest"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/notification"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/storage"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/messaging"
)

// NotificationApp hosts the delivery scheduler: it consumes notification
// requests, persists deliveries and retries them on a backoff schedule.
type NotificationApp struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	redis     *redis.Client
	gateway   *ingest.Gateway
	scheduler *notification.Scheduler
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer
}

func NewNotificationApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*NotificationApp, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		store.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	senders := map[contracts.Channel]notification.Sender{
		contracts.ChannelEmail: &notification.LogSender{Channel: contracts.ChannelEmail, Logger: logger},
		contracts.ChannelSMS:   &notification.LogSender{Channel: contracts.ChannelSMS, Logger: logger},
		contracts.ChannelPush:  &notification.LogSender{Channel: contracts.ChannelPush, Logger: logger},
	}

	scheduler := notification.NewScheduler(
		notification.NewPGStore(store.Pool()),
		senders,
		idempotency.NewRedisLedger(redisClient, cfg.IdempotencyRetention),
		logger,
		notification.Options{
			BaseDelay:    cfg.NotifyBaseDelay,
			MaxBackoff:   cfg.NotifyMaxBackoff,
			MaxAttempts:  cfg.NotifyMaxAttempts,
			BatchSize:    cfg.NotifyBatchSize,
			PollInterval: cfg.NotifyPollInterval,
		},
	)

	publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.Exchange)
	if err != nil {
		redisClient.Close()
		store.Close()
		return nil, err
	}

	consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.Exchange, cfg.NotificationQueue,
		[]string{contracts.KeyNotificationRequest, contracts.KeyEmailSend, contracts.KeySMSSend}, logger)
	if err != nil {
		publisher.Close()
		redisClient.Close()
		store.Close()
		return nil, err
	}

	return &NotificationApp{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		redis:     redisClient,
		gateway:   ingest.NewGateway(),
		scheduler: scheduler,
		publisher: publisher,
		outbox:    messaging.NewOutboxDispatcher(store.Pool(), publisher, "notification_outbox", cfg.OutboxInterval, cfg.OutboxBatchSize, logger),
		consumer:  consumer,
	}, nil
}

func (a *NotificationApp) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	a.outbox.Start(ctx)
	go a.scheduler.Run(ctx)
	go func() {
		errCh <- a.consumer.Start(ctx, a.handleRequest)
	}()

	a.logger.Info("notification service running", "queue", a.cfg.NotificationQueue)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *NotificationApp) Close() {
	a.consumer.Close()
	a.publisher.Close()
	_ = a.redis.Close()
	a.store.Close()
}

func (a *NotificationApp) handleRequest(ctx context.Context, msg amqp091.Delivery) {
	req, err := a.gateway.DecodeNotificationRequest(msg.Body)
	if err != nil {
		a.logger.Error("invalid notification request", "err", err)
		_ = msg.Nack(false, false)
		return
	}
	fingerprint := ingest.Fingerprint(req.EventID, msg.Body)

	if err := a.scheduler.HandleRequest(ctx, req, fingerprint); err != nil {
		if errors.Is(err, notification.ErrUnknownChannel) {
			a.logger.Error("notification request dead-lettered", "channel", req.Channel, "err", err)
			_ = msg.Nack(false, false)
			return
		}
		a.logger.Error("enqueue notification failed", "err", err)
		_ = msg.Nack(false, true)
		return
	}

	_ = msg.Ack(false)
}

// RunNotificationService is the notification-service entrypoint.
func RunNotificationService() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewNotificationApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init notification service: %w", err)
	}
	defer app.Close()

	return app.Run(ctx)
}
