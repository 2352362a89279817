package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/events"
	"github.com/learnverse/backend/internal/identity"
	"github.com/learnverse/backend/internal/ledger"
	"github.com/learnverse/backend/internal/models"
	"go.uber.org/zap"
)

var (
	ErrRewardsDisabled = errors.New("reward signing is not configured")
	ErrUnknownActivity = errors.New("unknown activity type")
	ErrInvalidProofID  = errors.New("proof id is required")
	ErrWalletMismatch  = errors.New("wallet address does not match the session")
	ErrRewardQuota     = errors.New("daily reward limit reached for this activity")
)

const maxProofIDLength = 128

type RewardStore interface {
	Find(ctx context.Context, wallet, activityType, proofID string) (*models.RewardGrant, error)
	Create(ctx context.Context, g *models.RewardGrant) (*models.RewardGrant, error)
	MarkClaimed(ctx context.Context, txid, claimTxHash string) (bool, error)
	ExpireSigned(ctx context.Context, age time.Duration) (int64, error)
	CountSince(ctx context.Context, wallet, activityType string, since time.Time) (int, error)
}

// RewardService выдаёт подписанные разрешения на claimReward.
type RewardService struct {
	store     RewardStore
	audit     AuditLogger
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger

	key      *ecdsa.PrivateKey
	contract common.Address
	chainID  *big.Int
	now      func() time.Time
}

// NewRewardService parses the signer key. An empty key leaves signing disabled.
func NewRewardService(store RewardStore, audit AuditLogger, publisher events.Publisher, cfg *config.Config, log *zap.Logger) (*RewardService, error) {
	s := &RewardService{
		store:     store,
		audit:     audit,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		chainID:   big.NewInt(cfg.LedgerChainID),
		now:       time.Now,
	}
	if cfg.RewardSignerKey == "" {
		return s, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RewardSignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid REWARD_SIGNER_KEY: %w", err)
	}
	if !common.IsHexAddress(cfg.LedgerContractAddress) {
		return nil, fmt.Errorf("LEDGER_CONTRACT_ADDRESS is required for reward signing")
	}
	s.key = key
	s.contract = common.HexToAddress(cfg.LedgerContractAddress)
	log.Info("reward signer loaded", zap.String("signer", crypto.PubkeyToAddress(key.PublicKey).Hex()))
	return s, nil
}

// SignerAddress returns the address the contract must trust.
func (s *RewardService) SignerAddress() common.Address {
	if s.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign returns the authorization for (wallet, activity, proof). Repeated
// calls with the same key return the same grant.
func (s *RewardService) Sign(ctx context.Context, sessionAddress, walletAddress, activityType, proofID string) (*models.RewardGrant, error) {
	if s.key == nil {
		return nil, ErrRewardsDisabled
	}
	wallet, ok := identity.NormalizeAddress(walletAddress)
	if !ok {
		return nil, ErrInvalidAddress
	}
	if !identity.SameAddress(wallet, sessionAddress) {
		return nil, ErrWalletMismatch
	}
	activity, ok := s.cfg.RewardActivities[activityType]
	if !ok {
		return nil, ErrUnknownActivity
	}
	proofID = strings.TrimSpace(proofID)
	if proofID == "" || len(proofID) > maxProofIDLength {
		return nil, ErrInvalidProofID
	}

	existing, err := s.store.Find(ctx, wallet, activityType, proofID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reward: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	// proof id выбирает клиент, поэтому новые разрешения ограничены по числу
	if limit := s.cfg.RewardDailyLimit; limit > 0 {
		n, err := s.store.CountSince(ctx, wallet, activityType, s.now().Add(-24*time.Hour))
		if err != nil {
			return nil, fmt.Errorf("failed to count rewards: %w", err)
		}
		if n >= limit {
			s.log.Warn("reward limit reached", zap.String("wallet", wallet), zap.String("activity", activityType))
			return nil, ErrRewardQuota
		}
	}

	amount, err := ledger.ToBaseUnits(activity.Amount, ledger.TokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("reward %s misconfigured: %w", activityType, err)
	}
	recipient := common.HexToAddress(wallet)
	txid, err := ledger.RewardTxID(recipient, activityType, proofID)
	if err != nil {
		return nil, err
	}
	digest, err := ledger.RewardDigest(s.contract, s.chainID, recipient, amount, big.NewInt(activity.ReputationPoints), txid)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign reward: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	grant, err := s.store.Create(ctx, &models.RewardGrant{
		WalletAddress:    wallet,
		ActivityType:     activityType,
		ProofID:          proofID,
		TxID:             txid.Hex(),
		Amount:           amount.String(),
		ReputationPoints: activity.ReputationPoints,
		Signature:        hexutil.Encode(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save reward: %w", err)
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorType:  models.ActorWallet,
		Action:     "reward_signed",
		EntityType: "reward_grant",
		EntityID:   grant.TxID,
		Meta:       map[string]any{"wallet": wallet, "activity": activityType, "proof_id": proofID},
	})
	if s.publisher != nil {
		_ = s.publisher.Publish(ctx, events.StreamWallet, events.NewWalletEvent(events.EventRewardSigned, wallet, map[string]any{
			"txid":     grant.TxID,
			"activity": activityType,
		}))
	}

	s.log.Info("reward signed",
		zap.String("wallet", wallet),
		zap.String("activity", activityType),
		zap.String("txid", grant.TxID),
	)
	return grant, nil
}

// MarkClaimed is called by the indexer for every RewardClaimed event.
func (s *RewardService) MarkClaimed(ctx context.Context, ev *ledger.ClaimedEvent) error {
	updated, err := s.store.MarkClaimed(ctx, ev.TxID.Hex(), ev.TxHash.Hex())
	if err != nil {
		return err
	}
	if !updated {
		s.log.Debug("claim for unknown or already claimed reward", zap.String("txid", ev.TxID.Hex()))
		return nil
	}
	_ = s.audit.Log(ctx, models.AuditLog{
		ActorType:  models.ActorIndexer,
		Action:     "reward_claimed",
		EntityType: "reward_grant",
		EntityID:   ev.TxID.Hex(),
		Meta:       map[string]any{"tx_hash": ev.TxHash.Hex(), "block": ev.Block},
	})
	return nil
}

// ExpireStale marks unclaimed grants older than the authorization TTL.
func (s *RewardService) ExpireStale(ctx context.Context) (int64, error) {
	return s.store.ExpireSigned(ctx, s.cfg.RewardAuthorizationTTL)
}
