package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/learnverse/backend/internal/auth"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/events"
	"github.com/learnverse/backend/internal/identity"
	"github.com/learnverse/backend/internal/models"
	"go.uber.org/zap"
)

var (
	ErrInvalidAddress    = errors.New("invalid wallet address")
	ErrChainNotAllowed   = errors.New("chain is not supported")
	ErrDIDMismatch       = errors.New("did does not match address and chain")
	ErrChallengeNotFound = errors.New("challenge not found, expired or already used")
	ErrChallengeMismatch = errors.New("challenge does not match the request")
	ErrBadSignature      = errors.New("signature verification failed")
	ErrNoSession         = errors.New("no active wallet session")
)

type ChallengeStore interface {
	Create(ctx context.Context, c *models.WalletChallenge) error
	Consume(ctx context.Context, requestID uuid.UUID) (*models.WalletChallenge, error)
}

type LinkStore interface {
	Upsert(ctx context.Context, w *models.WalletLink) error
	GetActive(ctx context.Context, address string) (*models.WalletLink, error)
	Deactivate(ctx context.Context, address string) error
}

type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

type WalletService struct {
	challenges ChallengeStore
	links      LinkStore
	audit      AuditLogger
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
	now        func() time.Time
}

func NewWalletService(
	challenges ChallengeStore,
	links LinkStore,
	audit AuditLogger,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *WalletService {
	return &WalletService{
		challenges: challenges,
		links:      links,
		audit:      audit,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

type ChallengeRequest struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
	DID     string `json:"did"`
}

type VerifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
	ChainID   int64  `json:"chainId"`
	DID       string `json:"did"`
	RequestID string `json:"requestId"`
}

// IssueChallenge создаёт одноразовое сообщение для подписи.
func (s *WalletService) IssueChallenge(ctx context.Context, req ChallengeRequest) (*models.WalletChallenge, error) {
	addr, chainID, did, err := s.checkIdentity(req.Address, req.ChainID, req.DID)
	if err != nil {
		return nil, err
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Second)
	c := &models.WalletChallenge{
		RequestID: uuid.New(),
		Address:   addr,
		ChainID:   chainID,
		DID:       did,
		Nonce:     nonce,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	}
	c.Message = auth.BuildChallengeMessage(auth.ChallengeFields{
		Domain:    s.cfg.ChallengeDomain,
		Address:   addr,
		Statement: fmt.Sprintf("Link this wallet to your %s profile.", s.cfg.AppName),
		URI:       s.cfg.ChallengeURI,
		ChainID:   chainID,
		Nonce:     nonce,
		RequestID: c.RequestID.String(),
		IssuedAt:  now,
		ExpiresAt: c.ExpiresAt,
	})

	if err := s.challenges.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	s.log.Debug("challenge issued",
		zap.String("address", addr),
		zap.Int64("chain_id", chainID),
		zap.String("request_id", c.RequestID.String()),
	)
	return c, nil
}

// Verify consumes the challenge, checks the personal_sign signature and
// activates the wallet link.
func (s *WalletService) Verify(ctx context.Context, req VerifyRequest) (*models.WalletLink, error) {
	// 1. Consume challenge — защита от replay
	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		return nil, ErrChallengeNotFound
	}
	ch, err := s.challenges.Consume(ctx, requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	// 2. Запрос должен совпадать с выданным challenge
	addr, ok := identity.NormalizeAddress(req.Address)
	if !ok || !identity.SameAddress(addr, ch.Address) {
		return nil, ErrChallengeMismatch
	}
	if req.Message != ch.Message || (req.ChainID != 0 && req.ChainID != ch.ChainID) {
		return nil, ErrChallengeMismatch
	}
	fields, err := auth.ParseChallengeMessage(ch.Message)
	if err != nil {
		return nil, fmt.Errorf("stored challenge unreadable: %w", err)
	}
	if err := fields.CheckTimes(s.now()); err != nil {
		return nil, ErrChallengeNotFound
	}

	// 3. Подпись
	if err := auth.VerifyPersonalSign(ch.Message, req.Signature, common.HexToAddress(ch.Address)); err != nil {
		s.log.Info("wallet signature rejected", zap.String("address", ch.Address), zap.Error(err))
		return nil, ErrBadSignature
	}

	// 4. Сохраняем связь
	link := &models.WalletLink{
		Address:   ch.Address,
		ChainID:   ch.ChainID,
		DID:       identity.ToDID(ch.ChainID, ch.Address),
		RequestID: ch.RequestID,
		Signature: req.Signature,
		IsActive:  true,
	}
	if err := s.links.Upsert(ctx, link); err != nil {
		return nil, fmt.Errorf("failed to save wallet link: %w", err)
	}

	// 5. Audit log
	_ = s.audit.Log(ctx, models.AuditLog{
		ActorDID:   &link.DID,
		ActorType:  models.ActorWallet,
		Action:     "wallet_verified",
		EntityType: "wallet_link",
		EntityID:   link.ID.String(),
		Meta:       map[string]any{"address": link.Address, "chain_id": link.ChainID},
	})

	if s.publisher != nil {
		_ = s.publisher.Publish(ctx, events.StreamWallet, events.NewWalletEvent(events.EventWalletVerified, link.Address, map[string]any{
			"did":     link.DID,
			"chainId": link.ChainID,
		}))
	}

	s.log.Info("wallet verified",
		zap.String("address", link.Address),
		zap.Int64("chain_id", link.ChainID),
	)
	return link, nil
}

// GetSession returns the active link for address.
func (s *WalletService) GetSession(ctx context.Context, address string) (*models.WalletLink, error) {
	link, err := s.links.GetActive(ctx, address)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	if addr, ok := identity.NormalizeAddress(link.Address); ok {
		link.Address = addr
	}
	return link, nil
}

// Logout deactivates the link of address.
func (s *WalletService) Logout(ctx context.Context, address, did string) error {
	if err := s.links.Deactivate(ctx, address); err != nil {
		return err
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorDID:   &did,
		ActorType:  models.ActorWallet,
		Action:     "wallet_disconnected",
		EntityType: "wallet",
		EntityID:   strings.ToLower(address),
	})
	if s.publisher != nil {
		_ = s.publisher.Publish(ctx, events.StreamWallet, events.NewWalletEvent(events.EventWalletDisconnected, address, nil))
	}
	return nil
}

// checkIdentity нормализует адрес и сеть и сверяет DID, если он передан.
func (s *WalletService) checkIdentity(address string, chainID int64, did string) (string, int64, string, error) {
	addr, ok := identity.NormalizeAddress(address)
	if !ok {
		return "", 0, "", ErrInvalidAddress
	}
	if chainID <= 0 {
		chainID = s.cfg.DefaultChainID
	}
	if !s.cfg.IsChainAllowed(chainID) {
		return "", 0, "", ErrChainNotAllowed
	}
	expected := identity.ToDID(chainID, addr)
	if did != "" && did != expected {
		return "", 0, "", ErrDIDMismatch
	}
	return addr, chainID, expected, nil
}
