// Package app wires the two worker binaries: the order reconciliation
// service and the notification retry service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/config"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/httpapi"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/ingest"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/order"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/payment"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/storage"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/websocket"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/messaging"
)

// OrderApp hosts the event-driven order state machine, the payment
// transaction ledger and the read-side HTTP/WS API.
type OrderApp struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	gateway   *ingest.Gateway
	machine   *order.Machine
	ledger    *payment.Ledger
	idem      *idempotency.PGLedger
	wsHub     *websocket.Hub
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher

	paymentConsumer   *messaging.Consumer
	inventoryConsumer *messaging.Consumer
	shippingConsumer  *messaging.Consumer
	ledgerConsumer    *messaging.Consumer

	httpSrv *http.Server
}

func NewOrderApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*OrderApp, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	wsHub := websocket.NewHub()

	machine := order.NewMachine(order.NewPGStore(store.Pool()), logger, wsHub, order.Options{
		MaxHoldWait:     cfg.PendingMaxWait,
		MaxHoldAttempts: cfg.PendingMaxAttempts,
		ConflictRetries: cfg.ConflictRetries,
	})
	ledger := payment.NewLedger(payment.NewPGStore(store.Pool()), logger)
	methods := payment.NewMethods(store.Pool())

	publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.Exchange)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &OrderApp{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		gateway:   ingest.NewGateway(),
		machine:   machine,
		ledger:    ledger,
		idem:      idempotency.NewPGLedger(store.Pool()),
		wsHub:     wsHub,
		publisher: publisher,
		outbox:    messaging.NewOutboxDispatcher(store.Pool(), publisher, "order_outbox", cfg.OutboxInterval, cfg.OutboxBatchSize, logger),
	}

	consumers := []struct {
		dst   **messaging.Consumer
		queue string
		keys  []string
	}{
		{&a.paymentConsumer, cfg.PaymentEventsQueue, []string{contracts.KeyPaymentConfirmation}},
		{&a.inventoryConsumer, cfg.InventoryEventsQueue, []string{contracts.KeyInventoryUpdate}},
		{&a.shippingConsumer, cfg.ShippingEventsQueue, []string{contracts.KeyShippingUpdate}},
		{&a.ledgerConsumer, cfg.LedgerEventsQueue, []string{contracts.KeyPaymentConfirmation}},
	}
	for _, c := range consumers {
		consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.Exchange, c.queue, c.keys, logger)
		if err != nil {
			a.closeTransport()
			store.Close()
			return nil, err
		}
		*c.dst = consumer
	}

	api := httpapi.NewServer(machine, ledger, methods, logger)
	wsHandler := websocket.NewHandler(wsHub, machine)
	api.HandleFunc("GET /orders/{orderID}/ws", wsHandler.ServeWS)
	a.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}

	return a, nil
}

func (a *OrderApp) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)

	a.outbox.Start(ctx)
	a.idem.StartSweeper(ctx, a.cfg.RetentionSweepEvery, a.cfg.IdempotencyRetention, a.logger.Warn)

	go a.wsHub.Run(ctx)
	go a.sweepPendingLoop(ctx)

	go func() {
		errCh <- a.paymentConsumer.Start(ctx, a.handleOrderEvent(a.gateway.PaymentEvent))
	}()
	go func() {
		errCh <- a.inventoryConsumer.Start(ctx, a.handleOrderEvent(a.gateway.InventoryEvent))
	}()
	go func() {
		errCh <- a.shippingConsumer.Start(ctx, a.handleOrderEvent(a.gateway.ShippingEvent))
	}()
	go func() {
		errCh <- a.ledgerConsumer.Start(ctx, a.handleLedgerMessage)
	}()

	go func() {
		a.logger.Info("order service listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *OrderApp) sweepPendingLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PendingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.machine.SweepPending(ctx, a.cfg.OutboxBatchSize)
		}
	}
}

func (a *OrderApp) closeTransport() {
	for _, c := range []*messaging.Consumer{a.paymentConsumer, a.inventoryConsumer, a.shippingConsumer, a.ledgerConsumer} {
		if c != nil {
			c.Close()
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
}

func (a *OrderApp) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.closeTransport()
	a.store.Close()
}

// handleOrderEvent turns one decoded envelope into a state machine call.
// Malformed envelopes are dead-lettered; transient failures are requeued for
// the transport to redeliver.
func (a *OrderApp) handleOrderEvent(decode func([]byte) (order.Event, error)) func(context.Context, amqp091.Delivery) {
	return func(ctx context.Context, msg amqp091.Delivery) {
		evt, err := decode(msg.Body)
		if err != nil {
			a.logger.Error("invalid inbound event", "routing_key", msg.RoutingKey, "err", err)
			_ = msg.Nack(false, false)
			return
		}

		if err := a.machine.ApplyEvent(ctx, evt); err != nil {
			switch {
			// An unknown order id never resolves on its own; requeueing it
			// would spin the delivery forever.
			case errors.Is(err, order.ErrUnsupportedEvent), errors.Is(err, order.ErrOrderNotFound):
				a.logger.Error("event dead-lettered", "order_id", evt.OrderID, "err", err)
				_ = msg.Nack(false, false)
			default:
				a.logger.Error("apply event failed", "order_id", evt.OrderID, "err", err)
				_ = msg.Nack(false, true)
			}
			return
		}

		_ = msg.Ack(false)
	}
}

func (a *OrderApp) handleLedgerMessage(ctx context.Context, msg amqp091.Delivery) {
	confirmation, err := a.gateway.DecodePaymentConfirmation(msg.Body)
	if err != nil {
		a.logger.Error("invalid payment confirmation", "err", err)
		_ = msg.Nack(false, false)
		return
	}
	fingerprint := ingest.Fingerprint(confirmation.EventID, msg.Body)

	if err := a.ledger.HandleConfirmation(ctx, confirmation, fingerprint); err != nil {
		if errors.Is(err, payment.ErrInvariant) {
			// Rejected by the ledger's invariants; redelivery cannot fix it.
			a.logger.Error("ledger rejected confirmation", "order_id", confirmation.OrderID, "err", err)
			_ = msg.Nack(false, false)
			return
		}
		a.logger.Error("record confirmation failed", "order_id", confirmation.OrderID, "err", err)
		_ = msg.Nack(false, true)
		return
	}

	_ = msg.Ack(false)
}

// RunOrderService is the order-service entrypoint.
func RunOrderService() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewOrderApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init order service: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
