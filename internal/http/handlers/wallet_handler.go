package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/learnverse/backend/internal/auth"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/http/dto"
	"github.com/learnverse/backend/internal/middleware"
	"github.com/learnverse/backend/internal/models"
	"github.com/learnverse/backend/internal/services"
	"go.uber.org/zap"
)

// WalletAPI is the part of services.WalletService the handler needs.
type WalletAPI interface {
	IssueChallenge(ctx context.Context, req services.ChallengeRequest) (*models.WalletChallenge, error)
	Verify(ctx context.Context, req services.VerifyRequest) (*models.WalletLink, error)
	GetSession(ctx context.Context, address string) (*models.WalletLink, error)
	Logout(ctx context.Context, address, did string) error
}

type WalletHandler struct {
	wallets WalletAPI
	cfg     *config.Config
	log     *zap.Logger
}

func NewWalletHandler(wallets WalletAPI, cfg *config.Config, log *zap.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, cfg: cfg, log: log}
}

// Challenge выдаёт сообщение для personal_sign.
// POST /api/wallet/challenge
func (h *WalletHandler) Challenge(c *fiber.Ctx) error {
	var req dto.ChallengeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	ch, err := h.wallets.IssueChallenge(c.Context(), services.ChallengeRequest{
		Address: req.Address,
		ChainID: req.ChainID,
		DID:     req.DID,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(dto.ChallengeResponse{Challenge: models.Challenge{
		Message:   ch.Message,
		RequestID: ch.RequestID.String(),
		ExpiresAt: ch.ExpiresAt,
	}})
}

// Verify проверяет подпись и выставляет cookie сессии.
// POST /api/wallet/verify
func (h *WalletHandler) Verify(c *fiber.Ctx) error {
	var req dto.VerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.Message == "" || req.Signature == "" || req.RequestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "message, signature and requestId are required"})
	}

	link, err := h.wallets.Verify(c.Context(), services.VerifyRequest{
		Message:   req.Message,
		Signature: req.Signature,
		Address:   req.Address,
		ChainID:   req.ChainID,
		DID:       req.DID,
		RequestID: req.RequestID,
	})
	if err != nil {
		return h.fail(c, err)
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, link.Address, link.ChainID, link.DID, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("failed to generate jwt", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}
	h.setSessionCookie(c, token, time.Now().Add(h.cfg.JWTExpiration))

	return c.JSON(dto.SessionResponse{Session: dto.SessionFromLink(link)})
}

// Session возвращает активную сессию по cookie.
// GET /api/wallet/session
func (h *WalletHandler) Session(c *fiber.Ctx) error {
	link, err := h.wallets.GetSession(c.Context(), middleware.GetAddress(c))
	if errors.Is(err, services.ErrNoSession) {
		h.clearSessionCookie(c)
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		h.log.Error("failed to load session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}
	return c.JSON(dto.SessionResponse{Session: dto.SessionFromLink(link)})
}

// Logout всегда отвечает 200 и стирает cookie, даже без сессии.
// POST /api/wallet/logout
func (h *WalletHandler) Logout(c *fiber.Ctx) error {
	defer h.clearSessionCookie(c)

	tokenStr := middleware.TokenFromRequest(c, h.cfg.SessionCookieName)
	if tokenStr == "" {
		return c.JSON(dto.SuccessResponse{OK: true})
	}
	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		return c.JSON(dto.SuccessResponse{OK: true})
	}
	if err := h.wallets.Logout(c.Context(), claims.Address, claims.DID); err != nil {
		h.log.Warn("logout failed", zap.String("address", claims.Address), zap.Error(err))
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *WalletHandler) setSessionCookie(c *fiber.Ctx, token string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   h.cfg.SessionCookieSecure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (h *WalletHandler) clearSessionCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   h.cfg.SessionCookieSecure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (h *WalletHandler) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		h.log.Error("wallet request failed",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return c.Status(status).JSON(dto.ErrorResponse{Error: "internal server error"})
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: err.Error()})
}

// statusFor сопоставляет ошибки сервисов с HTTP-статусами.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidAddress),
		errors.Is(err, services.ErrChainNotAllowed),
		errors.Is(err, services.ErrDIDMismatch),
		errors.Is(err, services.ErrChallengeMismatch),
		errors.Is(err, services.ErrUnknownActivity),
		errors.Is(err, services.ErrInvalidProofID):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrBadSignature),
		errors.Is(err, services.ErrNoSession):
		return fiber.StatusUnauthorized
	case errors.Is(err, services.ErrWalletMismatch):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrChallengeNotFound):
		return fiber.StatusGone
	case errors.Is(err, services.ErrRewardQuota):
		return fiber.StatusTooManyRequests
	case errors.Is(err, services.ErrRewardsDisabled):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
