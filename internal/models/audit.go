package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actor types
const (
	ActorUser       = "user"
	ActorSystem     = "system"
	ActorReconciler = "reconciler"
)

// Audited entities
const (
	AuditEntityTransaction = "transaction"
	AuditEntityAddress     = "address"
)

type AuditLog struct {
	ID          uuid.UUID  `json:"id"`
	ActorUserID *uuid.UUID `json:"actor_user_id,omitempty"`
	ActorType   string     `json:"actor_type"`
	Action      string     `json:"action"`      // e.g. tx.pending->complete, address.claim
	EntityType  string     `json:"entity_type"` // AuditEntity*
	EntityID    *uuid.UUID `json:"entity_id,omitempty"`
	Meta        any        `json:"meta,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
