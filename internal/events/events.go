package events

import (
	"context"
	"strings"
)

// Streams
const (
	StreamWallet = "wallet_events"
	StreamLedger = "ledger_events"
)

// Event types
const (
	EventWalletChallenged   = "wallet_challenged"
	EventWalletVerified     = "wallet_verified"
	EventWalletDisconnected = "wallet_disconnected"
	EventRewardSigned       = "reward_signed"
	EventLedgerStaked       = "ledger_staked"
	EventLedgerRewardClaim  = "ledger_reward_claimed"
)

type Event struct {
	Type    string         `json:"type"`
	Address string         `json:"address"` // lowercase wallet address the event belongs to
	Payload map[string]any `json:"payload"`
}

// NewWalletEvent builds an event addressed to one wallet.
func NewWalletEvent(eventType, address string, payload map[string]any) Event {
	return Event{Type: eventType, Address: strings.ToLower(address), Payload: payload}
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
