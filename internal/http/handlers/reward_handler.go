package handlers

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/http/dto"
	"github.com/learnverse/backend/internal/middleware"
	"github.com/learnverse/backend/internal/models"
	"go.uber.org/zap"
)

type RewardAPI interface {
	Sign(ctx context.Context, sessionAddress, walletAddress, activityType, proofID string) (*models.RewardGrant, error)
	SignerAddress() common.Address
}

type RewardHandler struct {
	rewards RewardAPI
	cfg     *config.Config
	log     *zap.Logger
}

func NewRewardHandler(rewards RewardAPI, cfg *config.Config, log *zap.Logger) *RewardHandler {
	return &RewardHandler{rewards: rewards, cfg: cfg, log: log}
}

// Sign выдаёт разрешение на claimReward для кошелька из сессии.
// POST /api/wallet/rewards/sign
func (h *RewardHandler) Sign(c *fiber.Ctx) error {
	var req dto.RewardSignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	grant, err := h.rewards.Sign(c.Context(), middleware.GetAddress(c), req.WalletAddress, req.ActivityType, req.ProofID)
	if err != nil {
		status := statusFor(err)
		if status == fiber.StatusInternalServerError {
			h.log.Error("reward signing failed", zap.Error(err))
			return c.Status(status).JSON(dto.ErrorResponse{Error: "internal server error"})
		}
		return c.Status(status).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.RewardResponse{Reward: grant.Authorization()})
}

// Ledger описывает контракт и активности с наградами.
// GET /api/wallet/ledger
func (h *RewardHandler) Ledger(c *fiber.Ctx) error {
	resp := dto.LedgerInfoResponse{
		ChainID:         h.cfg.LedgerChainID,
		ContractAddress: h.cfg.LedgerContractAddress,
		Activities:      make([]dto.RewardActivity, 0, len(h.cfg.RewardActivities)),
	}
	if signer := h.rewards.SignerAddress(); signer != (common.Address{}) {
		resp.RewardSigner = signer.Hex()
	}
	for name, a := range h.cfg.RewardActivities {
		resp.Activities = append(resp.Activities, dto.RewardActivity{
			Type:             name,
			Amount:           a.Amount,
			ReputationPoints: a.ReputationPoints,
		})
	}
	sort.Slice(resp.Activities, func(i, j int) bool { return resp.Activities[i].Type < resp.Activities[j].Type })

	return c.JSON(resp)
}
