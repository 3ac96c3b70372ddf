package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rongwang/referral-server/internal/api"
	"github.com/rongwang/referral-server/internal/cache"
	"github.com/rongwang/referral-server/internal/config"
	"github.com/rongwang/referral-server/internal/metrics"
	"github.com/rongwang/referral-server/internal/notify"
	"github.com/rongwang/referral-server/internal/repository"
	"github.com/rongwang/referral-server/internal/service"
	"github.com/rongwang/referral-server/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	logger, err := utils.NewLogger(cfg.Environment, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set up database connection, applying pending migrations
	db, err := config.SetupDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	defer db.Close()

	// Create repository
	repo := repository.NewPostgresRepository(db)

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	store := cache.NewRedisStore(redisClient, "referral:")

	var notifier notify.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaNotifier := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	} else {
		logger.Warn("no Kafka brokers configured, notifications are only logged")
		notifier = notify.NewLogNotifier(logger)
	}

	// Create service
	svc := service.NewDefaultService(repo, store, notifier, logger, cfg)

	// Create API handler
	handler := api.NewHandler(svc, logger)

	// Set up Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		utils.RequestLogger(logger),
		metrics.Middleware(),
		api.SetupCORS(cfg.Server.AllowedOrigins),
		api.SecretMiddleware(cfg.Auth.JWTSecret),
	)

	// Set up routes
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
