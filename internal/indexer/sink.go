package indexer

import (
	"context"
	"strings"

	"github.com/learnverse/backend/internal/events"
	"github.com/learnverse/backend/internal/ledger"
	"github.com/learnverse/backend/internal/models"
	"go.uber.org/zap"
)

type RewardMarker interface {
	MarkClaimed(ctx context.Context, ev *ledger.ClaimedEvent) error
}

type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// Sink applies decoded ledger events to the server side.
type Sink struct {
	rewards   RewardMarker
	audit     AuditLogger
	publisher events.Publisher
	log       *zap.Logger
}

func NewSink(rewards RewardMarker, audit AuditLogger, publisher events.Publisher, log *zap.Logger) *Sink {
	return &Sink{rewards: rewards, audit: audit, publisher: publisher, log: log}
}

func (s *Sink) HandleStaked(ctx context.Context, ev *ledger.StakedEvent) error {
	staker := strings.ToLower(ev.Staker.Hex())
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorType:  models.ActorIndexer,
		Action:     "reputation_staked",
		EntityType: "wallet",
		EntityID:   staker,
		Meta: map[string]any{
			"amount":     ev.Amount.String(),
			"reputation": ev.Reputation.String(),
			"tx_hash":    ev.TxHash.Hex(),
			"block":      ev.Block,
		},
	}); err != nil {
		return err
	}

	s.publish(ctx, events.NewWalletEvent(events.EventLedgerStaked, staker, map[string]any{
		"amount":     ledger.FormatUnits(ev.Amount, ledger.TokenDecimals),
		"reputation": ev.Reputation.String(),
		"txHash":     ev.TxHash.Hex(),
		"block":      ev.Block,
	}))
	s.log.Info("stake indexed", zap.String("staker", staker), zap.String("tx_hash", ev.TxHash.Hex()))
	return nil
}

func (s *Sink) HandleClaimed(ctx context.Context, ev *ledger.ClaimedEvent) error {
	if err := s.rewards.MarkClaimed(ctx, ev); err != nil {
		return err
	}

	s.publish(ctx, events.NewWalletEvent(events.EventLedgerRewardClaim, ev.Recipient.Hex(), map[string]any{
		"txid":             ev.TxID.Hex(),
		"amount":           ledger.FormatUnits(ev.Amount, ledger.TokenDecimals),
		"reputationPoints": ev.ReputationPoints.String(),
		"txHash":           ev.TxHash.Hex(),
		"block":            ev.Block,
	}))
	s.log.Info("claim indexed", zap.String("recipient", ev.Recipient.Hex()), zap.String("txid", ev.TxID.Hex()))
	return nil
}

func (s *Sink) publish(ctx context.Context, ev events.Event) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.Publish(ctx, events.StreamLedger, ev)
}
