package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/approval-ledger/internal/api"
	"github.com/abkawan/approval-ledger/internal/config"
	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/logging"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/abkawan/approval-ledger/internal/queue"
	"github.com/abkawan/approval-ledger/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type seedableStore interface {
	service.Store
	CreateUser(ctx context.Context, u *models.User) error
}

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

	var store seedableStore
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("Using the in-memory store; nothing survives a restart")
		store = db.NewMemoryStore()
	default:
		// Connecting to Postgres
		logger.Info("Connecting to PostgreSQL...")
		postgres, err := db.NewPostgres(cfg.PostgresURI)
		if err != nil {
			logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
		}
		defer postgres.Close()

		// Create schema
		logger.Info("Creating the schema...")
		if err := postgres.InitSchema(ctx); err != nil {
			logger.Fatal("failed to create schema", zap.Error(err))
		}
		store = postgres
	}

	if cfg.SeedUsers > 0 {
		if err := db.SeedUsers(ctx, store, cfg.SeedUsers); err != nil {
			logger.Fatal("failed to seed users", zap.Error(err))
		}
		logger.Info("Seeded users", zap.Int("customers", cfg.SeedUsers), zap.String("admin_id", db.SeedAdminID))
	}

	var locker service.AccountLocker = db.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		logger.Info("Connecting to Redis...")
		client, err := db.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer client.Close()

		opts := db.DefaultLockOptions()
		opts.Expiry = cfg.LockExpiry
		locker = db.NewRedisLocker(client, opts)
	}

	// The inbox is read by the notifications endpoint. Without MongoDB it
	// lives in memory and is fed directly by the dispatcher.
	var (
		inbox service.Inbox
		sinks []service.Sink
	)
	if cfg.MongoURI != "" {
		logger.Info("Connecting to MongoDB...")
		mongodb, err := db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			logger.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		defer mongodb.Close(context.Background())
		inbox = mongodb
	} else {
		memoryInbox := db.NewMemoryInbox()
		inbox = memoryInbox
		sinks = append(sinks, memoryInbox)
	}

	if cfg.RabbitMQURI != "" {
		// Connect to RabbitMQ; cmd/notifier moves events into the inbox
		logger.Info("Connecting to RabbitMQ...")
		rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI, logger)
		if err != nil {
			logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbitmq.Close()
		sinks = append(sinks, rabbitmq)
	} else if mongodb, ok := inbox.(*db.MongoDB); ok {
		sinks = append(sinks, mongodb)
	}

	// Create services
	retry := service.RetryPolicy{MaxAttempts: cfg.SettlementMaxRetries, BaseDelay: cfg.SettlementRetryBase}
	executor := service.NewExecutor(store, locker, retry, logger.Named("settlement"))
	dispatcher := service.NewDispatcher(logger.Named("notify"), cfg.NotifyTimeout, sinks...)
	engine := service.NewEngine(store, executor, dispatcher, logger.Named("engine")).WithFinalizeRetry(retry)

	handler := api.NewHandler(
		engine,
		service.NewAccountService(store, logger.Named("accounts")),
		service.NewUserService(store, inbox),
		logger.Named("api"),
	)

	// Create router and set up routes
	router := mux.NewRouter()
	api.SetupRoutes(router, handler)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
		return
	}

	logger.Info("Server shut down successfully")
}
