// Package services contains the business-logic layer between the HTTP
// handlers and the key lifecycle engine. Every mutating operation runs
// its load-compute-save cycle atomically inside the store, then appends
// an audit event once the outcome is known.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keyserver/internal/audit"
	"keyserver/internal/infrastructure"
	"keyserver/internal/license"
	"keyserver/internal/store"
	"keyserver/pkg/contracts/domain"
)

// ErrKeyNotFound is returned by lookups and edits against unknown keys.
var ErrKeyNotFound = errors.New("key not found")

// KeyService provides the business operations over the key store.
type KeyService interface {
	Generate(ctx context.Context, expirationDays, machineLimit int, productID, actor string) (domain.KeyRecord, error)
	ActivateOrValidate(ctx context.Context, key, machineID string) (domain.Outcome, *domain.KeyRecord, error)
	UpdateExpirationForProduct(ctx context.Context, productID string, additionalDays int, actor string) (int, error)
	KeyInfo(ctx context.Context, key, actor string) (*domain.KeyRecord, error)
	EditKey(ctx context.Context, key string, patch domain.KeyPatch, actor string) (*domain.KeyRecord, error)
	DeleteKey(ctx context.Context, key, actor string) error
}

type keyService struct {
	store   store.Store
	audit   *audit.Logger
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics
	now     func() time.Time
}

// Option configures the key service.
type Option func(*keyService)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *keyService) { s.now = now }
}

// WithMetrics attaches business metrics instruments.
func WithMetrics(metrics *infrastructure.BusinessMetrics) Option {
	return func(s *keyService) { s.metrics = metrics }
}

// NewKeyService creates the key service.
func NewKeyService(st store.Store, auditLog *audit.Logger, logger *slog.Logger, opts ...Option) KeyService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &keyService{
		store:  st,
		audit:  auditLog,
		logger: logger.With(slog.String("service", "keys")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate mints and persists a fresh key record.
func (s *keyService) Generate(ctx context.Context, expirationDays, machineLimit int, productID, actor string) (domain.KeyRecord, error) {
	var record domain.KeyRecord
	err := s.store.Update(ctx, func(keys []domain.KeyRecord) ([]domain.KeyRecord, error) {
		record = license.Generate(expirationDays, machineLimit, productID, s.now())
		return append(keys, record), nil
	})
	if err != nil {
		return domain.KeyRecord{}, fmt.Errorf("generate key: %w", err)
	}

	s.logger.InfoContext(ctx, "key generated",
		slog.String("key", record.Key),
		slog.String("product_id", productID),
		slog.Int("machine_limit", record.MachineLimit),
		slog.Int("expiration_days", expirationDays))
	if s.metrics != nil {
		s.metrics.KeyGenerationsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("product_id", productID)))
	}
	s.audit.Append(ctx, audit.Entry{
		Action:    audit.ActionGenerateKey,
		Username:  actor,
		Key:       record.Key,
		ProductID: productID,
	})
	return record, nil
}

// ActivateOrValidate dispatches an activation attempt against the store.
// Every outcome of the dispatched operation is audit-logged, including
// the rejections.
func (s *keyService) ActivateOrValidate(ctx context.Context, key, machineID string) (domain.Outcome, *domain.KeyRecord, error) {
	var (
		outcome domain.Outcome
		record  *domain.KeyRecord
	)
	err := s.store.Update(ctx, func(keys []domain.KeyRecord) ([]domain.KeyRecord, error) {
		var updated []domain.KeyRecord
		var hit *domain.KeyRecord
		updated, outcome, hit = license.ActivateOrValidate(keys, key, machineID, s.now())
		if hit != nil {
			snapshot := *hit
			record = &snapshot
		}
		return updated, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("activate key: %w", err)
	}

	s.logger.InfoContext(ctx, "activation attempt",
		slog.String("key", key),
		slog.String("machine_id", machineID),
		slog.String("outcome", string(outcome)))
	if s.metrics != nil {
		s.metrics.KeyActivationAttempts.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	s.audit.Append(ctx, audit.Entry{
		Action:    activationAction(outcome),
		Key:       key,
		MachineID: machineID,
	})
	return outcome, record, nil
}

func activationAction(outcome domain.Outcome) string {
	switch outcome {
	case domain.OutcomeActivated:
		return audit.ActionActivateKey
	case domain.OutcomeValid:
		return audit.ActionValidateKey
	case domain.OutcomeExpired:
		return audit.ActionKeyExpired
	case domain.OutcomeLimitExceeded:
		return audit.ActionMachineLimitExceeded
	default:
		return audit.ActionInvalidKeyAttempt
	}
}

// UpdateExpirationForProduct shifts the expiration of every key of a
// product and returns the number of matching records.
func (s *keyService) UpdateExpirationForProduct(ctx context.Context, productID string, additionalDays int, actor string) (int, error) {
	var count int
	err := s.store.Update(ctx, func(keys []domain.KeyRecord) ([]domain.KeyRecord, error) {
		var updated []domain.KeyRecord
		updated, count = license.UpdateExpirationForProduct(keys, productID, additionalDays)
		return updated, nil
	})
	if err != nil {
		return 0, fmt.Errorf("update expiration: %w", err)
	}

	s.logger.InfoContext(ctx, "expiration updated",
		slog.String("product_id", productID),
		slog.Int("additional_days", additionalDays),
		slog.Int("count", count))
	s.audit.Append(ctx, audit.Entry{
		Action:    audit.ActionUpdateExpiration,
		Username:  actor,
		ProductID: productID,
	})
	return count, nil
}

// KeyInfo returns the record matching key. The lookup is a privileged
// read and is audit-logged on success.
func (s *keyService) KeyInfo(ctx context.Context, key, actor string) (*domain.KeyRecord, error) {
	keys, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("key info: %w", err)
	}
	record := license.Find(keys, key)
	if record == nil {
		return nil, ErrKeyNotFound
	}
	s.audit.Append(ctx, audit.Entry{
		Action:   audit.ActionGetKeyInfo,
		Username: actor,
		Key:      key,
	})
	snapshot := *record
	return &snapshot, nil
}

// EditKey applies a partial update to the record matching key.
func (s *keyService) EditKey(ctx context.Context, key string, patch domain.KeyPatch, actor string) (*domain.KeyRecord, error) {
	var record *domain.KeyRecord
	err := s.store.Update(ctx, func(keys []domain.KeyRecord) ([]domain.KeyRecord, error) {
		var hit *domain.KeyRecord
		keys, hit = license.Edit(keys, key, patch, s.now())
		if hit == nil {
			return nil, ErrKeyNotFound
		}
		snapshot := *hit
		record = &snapshot
		return keys, nil
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("edit key: %w", err)
	}

	s.logger.InfoContext(ctx, "key edited", slog.String("key", key))
	s.audit.Append(ctx, audit.Entry{
		Action:   audit.ActionEditKeyInfo,
		Username: actor,
		Key:      key,
	})
	return record, nil
}

// DeleteKey removes the record matching key.
func (s *keyService) DeleteKey(ctx context.Context, key, actor string) error {
	err := s.store.Update(ctx, func(keys []domain.KeyRecord) ([]domain.KeyRecord, error) {
		keys, removed := license.Delete(keys, key)
		if !removed {
			return nil, ErrKeyNotFound
		}
		return keys, nil
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("delete key: %w", err)
	}

	s.logger.InfoContext(ctx, "key deleted", slog.String("key", key))
	s.audit.Append(ctx, audit.Entry{
		Action:   audit.ActionDeleteKey,
		Username: actor,
		Key:      key,
	})
	return nil
}
