package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/http/handlers"
	"github.com/learnverse/backend/internal/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	walletHandler *handlers.WalletHandler,
	rewardHandler *handlers.RewardHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	// cookie сессии требует явного списка origin, с "*" credentials выключены
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: cfg.AllowedOrigins != "*",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	metaHandler := handlers.NewMetaHandler(cfg)
	app.Get("/api/meta/chains", metaHandler.GetChains)

	wallet := app.Group("/api/wallet")
	wallet.Get("/ledger", rewardHandler.Ledger)

	// Logout не требует валидной сессии
	wallet.Post("/logout", walletHandler.Logout)

	// Rate-limited challenge flow
	limited := wallet.Group("", middleware.RateLimitMiddleware(rdb, 30, time.Minute))
	limited.Post("/challenge", walletHandler.Challenge)
	limited.Post("/verify", walletHandler.Verify)

	// Protected endpoints
	protected := wallet.Group("", middleware.AuthMiddleware(cfg, log))
	protected.Get("/session", walletHandler.Session)
	protected.Post("/rewards/sign", middleware.RateLimitMiddleware(rdb, 60, time.Minute), rewardHandler.Sign)

	// WebSocket
	app.Use("/ws", wsHub.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
