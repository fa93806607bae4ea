package store

import (
	"context"
	"sync"

	"github.com/codeloom/codeloom/pkg/models"
)

// MemoryStore is the zero-configuration in-memory store. Everything handed
// in or out is deep-copied, so callers can never mutate stored state behind
// the store's back.
type MemoryStore struct {
	mu        sync.RWMutex
	projects  map[string]*models.Project
	providers map[string]*models.ProviderConfig
	order     []string // provider registration order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:  make(map[string]*models.Project),
		providers: make(map[string]*models.ProviderConfig),
	}
}

// ── Projects ─────────────────────────────────────────────────

func (s *MemoryStore) SaveProject(_ context.Context, p *models.Project) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.projects[p.ID]
	if exists && p.Version != stored.Version {
		return 0, &ErrVersionConflict{ID: p.ID, Stored: stored.Version, Given: p.Version}
	}

	cp := p.Clone()
	cp.Version = p.Version + 1
	s.projects[p.ID] = cp
	return cp.Version, nil
}

func (s *MemoryStore) LoadProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	return p.Clone(), nil
}

func (s *MemoryStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return &ErrNotFound{Entity: "project", Key: id}
	}
	delete(s.projects, id)
	return nil
}

// ── Provider Configs ─────────────────────────────────────────

func (s *MemoryStore) ListProviders(_ context.Context) ([]models.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ProviderConfig, 0, len(s.providers))
	for _, name := range s.order {
		if cfg, ok := s.providers[name]; ok {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetProvider(_ context.Context, name string) (*models.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.providers[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "provider", Key: name}
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) PutProvider(_ context.Context, cfg *models.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.providers[cfg.Name]; !exists {
		s.order = append(s.order, cfg.Name)
	}
	cp := *cfg
	s.providers[cfg.Name] = &cp
	return nil
}

func (s *MemoryStore) DeleteProvider(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[name]; !ok {
		return &ErrNotFound{Entity: "provider", Key: name}
	}
	delete(s.providers, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
