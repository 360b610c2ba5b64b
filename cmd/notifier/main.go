package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/abkawan/approval-ledger/internal/config"
	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/logging"
	"github.com/abkawan/approval-ledger/internal/queue"
	"github.com/abkawan/approval-ledger/internal/service"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.MongoURI == "" || cfg.RabbitMQURI == "" {
		logger.Fatal("the notifier needs both MONGO_URI and RABBITMQ_URI")
	}

	// Connect to MongoDB
	logger.Info("Connecting to MongoDB...")
	mongodb, err := db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		logger.Fatal("failed to connect to MongoDB", zap.Error(err))
	}
	defer mongodb.Close(context.Background())

	// Connect to RabbitMQ
	logger.Info("Connecting to RabbitMQ...")
	rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI, logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitmq.Close()

	deliveries, err := rabbitmq.ConsumeNotifications(ctx)
	if err != nil {
		logger.Fatal("failed to consume notifications", zap.Error(err))
	}

	processor := service.NewInboxProcessor(mongodb, logger.Named("inbox"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(ctx, deliveries)
	}()

	logger.Info("Notification processor started", zap.String("queue", queue.NotificationQueue))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
		logger.Warn("notification stream closed")
	}

	logger.Info("Shutting down processor...")
	cancel() // Cancel context to stop processor
	<-done
	logger.Info("Processor shut down successfully")
}
