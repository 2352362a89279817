package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actor types
const (
	ActorWallet  = "wallet"
	ActorSystem  = "system"
	ActorIndexer = "indexer"
)

type AuditLog struct {
	ID         uuid.UUID `json:"id"`
	ActorDID   *string   `json:"actor_did,omitempty"`
	ActorType  string    `json:"actor_type"` // wallet/system/indexer
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Meta       any       `json:"meta,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
