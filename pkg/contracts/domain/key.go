// Package domain contains the core domain models for the key server.
// These types serve as the single source of truth for all layers of the
// application: the store persists them, the lifecycle engine operates on
// them, and the HTTP layer renders them.
package domain

import (
	"time"
)

// KeyRecord is the unit of license grant, keyed by a unique token.
type KeyRecord struct {
	Key            string     `json:"key" validate:"required"`
	ProductID      string     `json:"product_id" validate:"required"`
	ExpirationDays int        `json:"expiration_days" validate:"min=0"`
	ExpirationDate *time.Time `json:"expiration_date"`
	MachineLimit   int        `json:"machine_limit" validate:"min=1"`
	MachineIDs     []string   `json:"machine_ids"`
	Activated      bool       `json:"activated"`
}

// Expired reports whether the record's expiration date has passed.
// A nil expiration date means the key never expires.
func (k *KeyRecord) Expired(now time.Time) bool {
	return k.ExpirationDate != nil && k.ExpirationDate.Before(now)
}

// HasMachine reports whether the machine identifier is already bound.
func (k *KeyRecord) HasMachine(machineID string) bool {
	for _, id := range k.MachineIDs {
		if id == machineID {
			return true
		}
	}
	return false
}

// AtLimit reports whether the record has no free machine slots left.
func (k *KeyRecord) AtLimit() bool {
	return len(k.MachineIDs) >= k.MachineLimit
}

// Normalize repairs a record deserialized from storage so the rest of the
// system never sees nil machine sets or a non-positive machine limit.
func (k *KeyRecord) Normalize() {
	if k.MachineIDs == nil {
		k.MachineIDs = []string{}
	}
	if k.MachineLimit < 1 {
		k.MachineLimit = 1
	}
	if k.ExpirationDays < 0 {
		k.ExpirationDays = 0
	}
}

// KeyPatch is a partial update applied to a key record by edit-key.
// Nil fields are left untouched.
type KeyPatch struct {
	ExpirationDays *int  `json:"expiration_days,omitempty" validate:"omitempty,min=0"`
	MachineLimit   *int  `json:"machine_limit,omitempty" validate:"omitempty,min=1"`
	Activated      *bool `json:"activated,omitempty"`
}

// Outcome is the result tag of a dispatched key operation. The HTTP layer
// maps each tag 1:1 to a status code and response status field.
type Outcome string

const (
	// OutcomeActivated means a new machine was bound to the key.
	OutcomeActivated Outcome = "activated"
	// OutcomeValid means the machine was already bound (idempotent re-validation).
	OutcomeValid Outcome = "valid"
	// OutcomeInvalid means no record matches the key.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeExpired means the record's expiration date has passed.
	OutcomeExpired Outcome = "expired"
	// OutcomeLimitExceeded means the key has no free machine slots.
	OutcomeLimitExceeded Outcome = "limit_exceeded"
)

// Success reports whether the outcome represents a usable key.
func (o Outcome) Success() bool {
	return o == OutcomeActivated || o == OutcomeValid
}
