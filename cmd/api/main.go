package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/db"
	"github.com/learnverse/backend/internal/events"
	apphttp "github.com/learnverse/backend/internal/http"
	"github.com/learnverse/backend/internal/http/handlers"
	"github.com/learnverse/backend/internal/repositories"
	"github.com/learnverse/backend/internal/services"
	"github.com/learnverse/backend/migrations"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, 0, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	challengeRepo := repositories.NewChallengeRepo(pool)
	walletRepo := repositories.NewWalletRepo(pool)
	rewardRepo := repositories.NewRewardRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	walletService := services.NewWalletService(challengeRepo, walletRepo, auditRepo, publisher, cfg, log)
	rewardService, err := services.NewRewardService(rewardRepo, auditRepo, publisher, cfg, log)
	if err != nil {
		log.Fatal("failed to init reward signer", zap.Error(err))
	}

	// Handlers
	walletHandler := handlers.NewWalletHandler(walletService, cfg, log)
	rewardHandler := handlers.NewRewardHandler(rewardService, cfg, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, walletHandler, rewardHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
