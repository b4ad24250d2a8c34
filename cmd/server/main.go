package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"inventory-backoffice/internal/core"
	"inventory-backoffice/internal/db"
	"inventory-backoffice/internal/messaging"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Unable to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer pool.Close()

	busOpts := []core.BusOption{
		core.WithDeadLetter(func(evt core.Event, subscriber string, err error) {
			logger.Error("event delivery abandoned",
				zap.String("event_id", evt.ID.String()),
				zap.String("event_type", string(evt.Type)),
				zap.String("subscriber", subscriber),
				zap.Error(err))
		}),
	}

	var broker *messaging.Publisher
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		broker, err = messaging.Connect(amqpURL, logger)
		if err != nil {
			logger.Fatal("unable to connect to broker", zap.Error(err))
		}
		defer broker.Close()
		busOpts = append(busOpts, core.WithSink(broker))
	}

	bus := core.NewBus(logger, busOpts...)
	defer bus.Close()

	users := core.NewUserService(pool)
	tenants := core.NewTenantService(pool, users)
	ledger := core.NewStockLedger(pool, bus, logger)
	transfers := core.NewTransferService(pool, ledger)
	accounting := core.NewAccountingService(pool)

	recorder := core.NewAuditRecorder(pool, users, &core.LogDispatcher{Log: logger}, logger)
	recorder.Register(bus)

	runner := core.NewAutomationRunner(pool, tenants, transfers, accounting, bus, logger)

	interval := 15 * time.Minute
	if raw := os.Getenv("AUTOMATION_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logger.Fatal("invalid AUTOMATION_INTERVAL", zap.String("value", raw), zap.Error(err))
		}
		interval = parsed
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("automation scheduler started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := runner.RunAll(ctx, nil); err != nil {
				logger.Error("automation cycle failed", zap.Error(err))
			}
		case sig := <-stop:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			return
		}
	}
}
