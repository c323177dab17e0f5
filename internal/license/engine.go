// Package license implements the key lifecycle engine: pure logic for
// generating, activating, validating, expiring, editing and deleting key
// records. Every operation takes the full record set and returns the
// updated set plus an outcome, so callers decide how the set is loaded
// and persisted.
package license

import (
	"time"

	"github.com/google/uuid"

	"keyserver/pkg/contracts/domain"
)

// Generate mints a fresh key record. The expiration date is fixed at
// generation time: now + expirationDays, or never when expirationDays is 0.
func Generate(expirationDays, machineLimit int, productID string, now time.Time) domain.KeyRecord {
	if machineLimit < 1 {
		machineLimit = 1
	}
	var expiration *time.Time
	if expirationDays > 0 {
		t := now.AddDate(0, 0, expirationDays)
		expiration = &t
	}
	return domain.KeyRecord{
		Key:            uuid.New().String(),
		ProductID:      productID,
		ExpirationDays: expirationDays,
		ExpirationDate: expiration,
		MachineLimit:   machineLimit,
		MachineIDs:     []string{},
		Activated:      false,
	}
}

// Purge drops every record whose expiration date is in the past and
// returns the surviving records with the number removed.
func Purge(keys []domain.KeyRecord, now time.Time) ([]domain.KeyRecord, int) {
	kept := keys[:0:0]
	for _, k := range keys {
		if k.Expired(now) {
			continue
		}
		kept = append(kept, k)
	}
	return kept, len(keys) - len(kept)
}

// ActivateOrValidate binds machineID to the record matching key, or
// re-validates an existing binding. The branches are evaluated in a fixed
// order: an unknown key is invalid, an expired record is terminal, a
// known machine short-circuits before the limit check, and only then is
// a free slot consumed.
func ActivateOrValidate(keys []domain.KeyRecord, key, machineID string, now time.Time) ([]domain.KeyRecord, domain.Outcome, *domain.KeyRecord) {
	for i := range keys {
		entry := &keys[i]
		if entry.Key != key {
			continue
		}
		if entry.Expired(now) {
			return keys, domain.OutcomeExpired, entry
		}
		if entry.HasMachine(machineID) {
			return keys, domain.OutcomeValid, entry
		}
		if entry.AtLimit() {
			return keys, domain.OutcomeLimitExceeded, entry
		}
		entry.MachineIDs = append(entry.MachineIDs, machineID)
		entry.Activated = true
		return keys, domain.OutcomeActivated, entry
	}
	return keys, domain.OutcomeInvalid, nil
}

// UpdateExpirationForProduct shifts the expiration date of every record
// matching productID by additionalDays. Records without an expiration date
// are treated as unlimited and left untouched, but still count as matched.
func UpdateExpirationForProduct(keys []domain.KeyRecord, productID string, additionalDays int) ([]domain.KeyRecord, int) {
	matched := 0
	for i := range keys {
		entry := &keys[i]
		if entry.ProductID != productID {
			continue
		}
		matched++
		if entry.ExpirationDate != nil {
			t := entry.ExpirationDate.AddDate(0, 0, additionalDays)
			entry.ExpirationDate = &t
		}
	}
	return keys, matched
}

// Edit applies a partial update to the record matching key. A positive
// ExpirationDays recomputes the expiration date from now (overwrite, not
// extend); zero clears it. Returns nil when the key is unknown.
func Edit(keys []domain.KeyRecord, key string, patch domain.KeyPatch, now time.Time) ([]domain.KeyRecord, *domain.KeyRecord) {
	for i := range keys {
		entry := &keys[i]
		if entry.Key != key {
			continue
		}
		if patch.ExpirationDays != nil {
			entry.ExpirationDays = *patch.ExpirationDays
			if *patch.ExpirationDays > 0 {
				t := now.AddDate(0, 0, *patch.ExpirationDays)
				entry.ExpirationDate = &t
			} else {
				entry.ExpirationDate = nil
			}
		}
		if patch.MachineLimit != nil {
			entry.MachineLimit = *patch.MachineLimit
		}
		if patch.Activated != nil {
			entry.Activated = *patch.Activated
		}
		return keys, entry
	}
	return keys, nil
}

// Delete removes the record matching key, reporting whether it existed.
func Delete(keys []domain.KeyRecord, key string) ([]domain.KeyRecord, bool) {
	for i := range keys {
		if keys[i].Key == key {
			return append(keys[:i], keys[i+1:]...), true
		}
	}
	return keys, false
}

// Find returns the record matching key, or nil.
func Find(keys []domain.KeyRecord, key string) *domain.KeyRecord {
	for i := range keys {
		if keys[i].Key == key {
			return &keys[i]
		}
	}
	return nil
}
