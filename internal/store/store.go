// Package store owns the authoritative key collection. The file-backed
// implementation serializes every load-modify-save cycle behind a single
// mutex so concurrent requests against overlapping keys cannot interleave.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"keyserver/internal/infrastructure"
	"keyserver/internal/license"
	"keyserver/pkg/contracts/domain"
)

// Store is the durable mapping of key records. Load purges expired
// records before returning, so readers never observe stale-expired
// entries. Update runs load, fn and save under one lock acquisition.
type Store interface {
	Load(ctx context.Context) ([]domain.KeyRecord, error)
	Save(ctx context.Context, keys []domain.KeyRecord) error
	Update(ctx context.Context, fn func(keys []domain.KeyRecord) ([]domain.KeyRecord, error)) error
	Path() string
}

// document is the on-disk shape of the key store.
type document struct {
	ValidKeys []domain.KeyRecord `json:"valid_keys"`
}

// FileStore persists the key collection as a single pretty-printed JSON
// file. A missing backing file is treated as an empty collection and
// materialized on first load.
type FileStore struct {
	path    string
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithClock overrides the clock used for the expiration purge.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// WithMetrics attaches business metric instruments.
func WithMetrics(metrics *infrastructure.BusinessMetrics) Option {
	return func(s *FileStore) { s.metrics = metrics }
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string, logger *slog.Logger, opts ...Option) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		path:   path,
		logger: logger.With(slog.String("component", "key_store")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the location of the backing file.
func (s *FileStore) Path() string { return s.path }

// Load returns the key collection with expired records purged. When the
// purge removed anything the shrunk collection is persisted before
// returning, so the file never outlives its dead entries.
func (s *FileStore) Load(ctx context.Context) ([]domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Save replaces the whole collection on disk.
func (s *FileStore) Save(ctx context.Context, keys []domain.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(keys)
}

// Update executes one logical read-modify-write cycle atomically with
// respect to every other store operation. fn receives the purged
// collection and returns the collection to persist; returning an error
// aborts the cycle without writing.
func (s *FileStore) Update(ctx context.Context, fn func(keys []domain.KeyRecord) ([]domain.KeyRecord, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load(ctx)
	if err != nil {
		return err
	}
	updated, err := fn(keys)
	if err != nil {
		return err
	}
	return s.save(updated)
}

func (s *FileStore) load(ctx context.Context) ([]domain.KeyRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := s.save(nil); err != nil {
			return nil, fmt.Errorf("materialize key store: %w", err)
		}
		return []domain.KeyRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		// An unreadable key store is a configuration error, not something
		// to silently reset.
		return nil, fmt.Errorf("decode key store %s: %w", s.path, err)
	}
	for i := range doc.ValidKeys {
		doc.ValidKeys[i].Normalize()
	}

	kept, removed := license.Purge(doc.ValidKeys, s.now())
	if removed > 0 {
		s.logger.InfoContext(ctx, "purged expired keys",
			slog.Int("removed", removed),
			slog.Int("remaining", len(kept)))
		if s.metrics != nil {
			s.metrics.KeysPurgedTotal.Add(ctx, int64(removed))
		}
		if err := s.save(kept); err != nil {
			return nil, fmt.Errorf("persist purge: %w", err)
		}
	}
	return kept, nil
}

func (s *FileStore) save(keys []domain.KeyRecord) error {
	if keys == nil {
		keys = []domain.KeyRecord{}
	}
	data, err := json.MarshalIndent(document{ValidKeys: keys}, "", "    ")
	if err != nil {
		return fmt.Errorf("encode key store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create key store directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write key store: %w", err)
	}
	return nil
}
