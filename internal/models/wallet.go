package models

import (
	"time"

	"github.com/google/uuid"
)

// VerifyStatus — состояние привязки кошелька на клиенте.
type VerifyStatus string

const (
	VerifyStatusUnverified VerifyStatus = "unverified"
	VerifyStatusConnected  VerifyStatus = "connected"
	VerifyStatusVerified   VerifyStatus = "verified"
	VerifyStatusError      VerifyStatus = "error"
)

// Valid verify status transitions: from -> []to.
// unverified -> verified exists only for a restored server session.
var ValidVerifyTransitions = map[VerifyStatus][]VerifyStatus{
	VerifyStatusUnverified: {VerifyStatusConnected, VerifyStatusVerified},
	VerifyStatusConnected:  {VerifyStatusConnected, VerifyStatusVerified, VerifyStatusError, VerifyStatusUnverified},
	VerifyStatusVerified:   {VerifyStatusVerified, VerifyStatusConnected, VerifyStatusError, VerifyStatusUnverified},
	VerifyStatusError:      {VerifyStatusConnected, VerifyStatusError, VerifyStatusVerified, VerifyStatusUnverified},
}

func IsValidVerifyTransition(from, to VerifyStatus) bool {
	allowed, ok := ValidVerifyTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// WalletLinkSession — связка профиля платформы с адресом в сети.
// Пустой Address означает, что кошелёк не привязан.
type WalletLinkSession struct {
	Address      string       `json:"address"`
	ChainID      int64        `json:"chainId"`
	DID          string       `json:"did"`
	VerifyStatus VerifyStatus `json:"verifyStatus"`
	VerifiedAt   string       `json:"verifiedAt"`
}

func (s WalletLinkSession) IsLinked() bool {
	return s.Address != ""
}

// EmptySession is the state after load and after disconnect.
func EmptySession(defaultChainID int64) WalletLinkSession {
	return WalletLinkSession{
		ChainID:      defaultChainID,
		VerifyStatus: VerifyStatusUnverified,
	}
}

// Challenge — одноразовое сообщение для подписи, выданное сервером.
type Challenge struct {
	Message   string    `json:"message"`
	RequestID string    `json:"requestId"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// WalletChallenge is the server-side record behind a Challenge.
type WalletChallenge struct {
	ID        uuid.UUID `json:"-"`
	RequestID uuid.UUID `json:"requestId"`
	Address   string    `json:"address"`
	ChainID   int64     `json:"chainId"`
	DID       string    `json:"did"`
	Nonce     string    `json:"-"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"-"`
}

// WalletLink is the persisted, verified link on the server.
type WalletLink struct {
	ID             uuid.UUID  `json:"id"`
	Address        string     `json:"address"`
	ChainID        int64      `json:"chainId"`
	DID            string     `json:"did"`
	RequestID      uuid.UUID  `json:"-"`
	Signature      string     `json:"-"`
	VerifiedAt     time.Time  `json:"verifiedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	IsActive       bool       `json:"isActive"`
}
