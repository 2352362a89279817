package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/learnverse/backend/internal/auth"
	"github.com/learnverse/backend/internal/config"
	"go.uber.org/zap"
)

const (
	CtxAddress = "wallet_address"
	CtxChainID = "chain_id"
	CtxDID     = "did"
)

// TokenFromRequest возвращает JWT из cookie сессии или заголовка Authorization.
func TokenFromRequest(c *fiber.Ctx, cookieName string) string {
	if v := c.Cookies(cookieName); v != "" {
		return v
	}
	if h := c.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := TokenFromRequest(c, cfg.SessionCookieName)
		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "no session"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired session"})
		}

		c.Locals(CtxAddress, claims.Address)
		c.Locals(CtxChainID, claims.ChainID)
		c.Locals(CtxDID, claims.DID)

		return c.Next()
	}
}

func GetAddress(c *fiber.Ctx) string {
	v, _ := c.Locals(CtxAddress).(string)
	return v
}

func GetChainID(c *fiber.Ctx) int64 {
	v, _ := c.Locals(CtxChainID).(int64)
	return v
}

func GetDID(c *fiber.Ctx) string {
	v, _ := c.Locals(CtxDID).(string)
	return v
}
