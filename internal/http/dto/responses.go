package dto

import (
	"time"

	"github.com/learnverse/backend/internal/models"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type ChallengeResponse struct {
	Challenge models.Challenge `json:"challenge"`
}

// Session is the server view of a verified link.
type Session struct {
	Address    string `json:"address"`
	ChainID    int64  `json:"chainId"`
	DID        string `json:"did"`
	VerifiedAt string `json:"verifiedAt"`
}

type SessionResponse struct {
	Session *Session `json:"session"`
}

type RewardResponse struct {
	Reward models.RewardAuthorization `json:"reward"`
}

type LedgerInfoResponse struct {
	ChainID         int64            `json:"chainId"`
	ContractAddress string           `json:"contractAddress"`
	RewardSigner    string           `json:"rewardSigner,omitempty"`
	Activities      []RewardActivity `json:"activities"`
}

type RewardActivity struct {
	Type             string `json:"type"`
	Amount           string `json:"amount"`
	ReputationPoints int64  `json:"reputationPoints"`
}

func SessionFromLink(link *models.WalletLink) *Session {
	if link == nil {
		return nil
	}
	return &Session{
		Address:    link.Address,
		ChainID:    link.ChainID,
		DID:        link.DID,
		VerifiedAt: link.VerifiedAt.UTC().Format(time.RFC3339),
	}
}
