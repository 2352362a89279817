package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/http/dto"
)

type MetaHandler struct {
	cfg *config.Config
}

func NewMetaHandler(cfg *config.Config) *MetaHandler {
	return &MetaHandler{cfg: cfg}
}

type chainsMeta struct {
	DefaultChainID  int64   `json:"defaultChainId"`
	AllowedChainIDs []int64 `json:"allowedChainIds"`
	ChallengeDomain string  `json:"challengeDomain"`
}

// GET /api/meta/chains
func (h *MetaHandler) GetChains(c *fiber.Ctx) error {
	allowed := h.cfg.AllowedChainIDs
	if allowed == nil {
		allowed = []int64{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: chainsMeta{
		DefaultChainID:  h.cfg.DefaultChainID,
		AllowedChainIDs: allowed,
		ChallengeDomain: h.cfg.ChallengeDomain,
	}})
}
