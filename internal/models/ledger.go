package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Ledger activity types
const (
	ActivityTypeStake  = "stake"
	ActivityTypeReward = "reward"
)

// MaxLedgerActivities — сколько последних записей держит панель.
const MaxLedgerActivities = 20

type LedgerActivity struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // stake / reward
	Amount string `json:"amount"` // display string
	Detail string `json:"detail"`
	Date   string `json:"date"`
	TxHash string `json:"txHash,omitempty"`
	// LogIndex is set for entries read from contract logs.
	LogIndex *uint `json:"logIndex,omitempty"`
}

// Balances mirrors credits and reputation, either from the profile or on-chain.
type Balances struct {
	Credits    string `json:"credits"`
	Reputation string `json:"reputation"`
	OnChain    bool   `json:"onChain"`
}

// Reward authorization statuses
const (
	RewardStatusSigned  = "signed"
	RewardStatusClaimed = "claimed"
	RewardStatusExpired = "expired"
)

// RewardAuthorization — подписанное бэкендом разрешение на claimReward.
// TxID — ключ защиты от повтора в контракте.
type RewardAuthorization struct {
	TxID             string `json:"txid"`
	Amount           string `json:"amount"`
	ReputationPoints string `json:"reputationPoints"`
	Signature        string `json:"signature"`
}

// Complete reports whether every field the contract needs is present.
func (r RewardAuthorization) Complete() bool {
	return r.TxID != "" && r.Amount != "" && r.ReputationPoints != "" && r.Signature != ""
}

// RewardGrant is the server-side record of a signed authorization.
type RewardGrant struct {
	ID               uuid.UUID  `json:"id"`
	WalletAddress    string     `json:"walletAddress"`
	ActivityType     string     `json:"activityType"`
	ProofID          string     `json:"proofId"`
	TxID             string     `json:"txid"`
	Amount           string     `json:"amount"`
	ReputationPoints int64      `json:"reputationPoints"`
	Signature        string     `json:"signature"`
	Status           string     `json:"status"`
	ClaimTxHash      *string    `json:"claimTxHash,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ClaimedAt        *time.Time `json:"claimedAt,omitempty"`
}

func (g RewardGrant) Authorization() RewardAuthorization {
	return RewardAuthorization{
		TxID:             g.TxID,
		Amount:           g.Amount,
		ReputationPoints: strconv.FormatInt(g.ReputationPoints, 10),
		Signature:        g.Signature,
	}
}
