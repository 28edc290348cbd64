// Package endpoint manages registered machines: registration, status and
// repository reporting, and the self-only authorization rule that governs
// mutating calls against a given endpoint's own record.
package endpoint

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/pacsync/server/infrastructure/errors"
	"github.com/pacsync/server/internal/auth"
	"github.com/pacsync/server/internal/domain"
)

// Store persists endpoints and the repositories they report.
type Store interface {
	Create(ctx context.Context, e *domain.Endpoint) error
	Get(ctx context.Context, id string) (*domain.Endpoint, error)
	FindByNameHostname(ctx context.Context, name, hostname string) (*domain.Endpoint, error)
	List(ctx context.Context, poolID *string) ([]*domain.Endpoint, error)
	Update(ctx context.Context, e *domain.Endpoint) error
	Delete(ctx context.Context, id string) error

	ReplaceRepositories(ctx context.Context, endpointID string, repos []domain.Repository) error
	ListRepositories(ctx context.Context, endpointID string) ([]domain.Repository, error)
	DeleteRepositories(ctx context.Context, endpointID string) error
}

// MemoryStore is an in-process Store backing database.type=internal.
type MemoryStore struct {
	mu           sync.RWMutex
	endpoints    map[string]*domain.Endpoint
	byIdentity   map[string]string // name+"\x00"+hostname -> id
	repositories map[string][]domain.Repository
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:    make(map[string]*domain.Endpoint),
		byIdentity:   make(map[string]string),
		repositories: make(map[string][]domain.Repository),
	}
}

func identityKey(name, hostname string) string { return name + "\x00" + hostname }

func (s *MemoryStore) Create(ctx context.Context, e *domain.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.endpoints[e.ID] = &cp
	s.byIdentity[identityKey(e.Name, e.Hostname)] = e.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, svcerrors.NotFound("endpoint", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) FindByNameHostname(ctx context.Context, name, hostname string) (*domain.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdentity[identityKey(name, hostname)]
	if !ok {
		return nil, svcerrors.NotFound("endpoint", name+"@"+hostname)
	}
	cp := *s.endpoints[id]
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, poolID *string) ([]*domain.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if poolID != nil {
			if e.PoolID == nil || *e.PoolID != *poolID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, e *domain.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[e.ID]; !ok {
		return svcerrors.NotFound("endpoint", e.ID)
	}
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil
	}
	delete(s.endpoints, id)
	delete(s.byIdentity, identityKey(e.Name, e.Hostname))
	delete(s.repositories, id)
	return nil
}

func (s *MemoryStore) ReplaceRepositories(ctx context.Context, endpointID string, repos []domain.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.Repository, len(repos))
	copy(cp, repos)
	s.repositories[endpointID] = cp
	return nil
}

func (s *MemoryStore) ListRepositories(ctx context.Context, endpointID string) ([]domain.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repos := s.repositories[endpointID]
	cp := make([]domain.Repository, len(repos))
	copy(cp, repos)
	return cp, nil
}

func (s *MemoryStore) DeleteRepositories(ctx context.Context, endpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repositories, endpointID)
	return nil
}

func isNotFound(err error) bool {
	se := svcerrors.GetServiceError(err)
	return se != nil && se.Code == svcerrors.ErrCodeNotFound
}

// Service implements endpoint registration, status, and repository
// reporting on top of a Store.
type Service struct {
	store        Store
	tokens       *auth.TokenManager
	beforeRemove func(ctx context.Context, endpointID string) error
}

// NewService builds a Service. tokens issues the bearer token returned by
// Register.
func NewService(store Store, tokens *auth.TokenManager) *Service {
	return &Service{store: store, tokens: tokens}
}

// SetBeforeRemoveHook registers a callback invoked before an endpoint is
// deleted, so that a pool membership can be detached first. The pool
// package wires this in after both services are constructed.
func (s *Service) SetBeforeRemoveHook(fn func(ctx context.Context, endpointID string) error) {
	s.beforeRemove = fn
}

func requireSelf(principal auth.Principal, id string) error {
	if principal.IsAdmin {
		return nil
	}
	if principal.EndpointID == "" || principal.EndpointID != id {
		return svcerrors.Forbidden("operation restricted to the endpoint's own identity")
	}
	return nil
}

func requireAdmin(principal auth.Principal) error {
	if !principal.IsAdmin {
		return svcerrors.Forbidden("operation requires an admin token")
	}
	return nil
}

// Register is idempotent on (name, hostname): a second registration from
// the same machine returns the existing endpoint and a fresh token rather
// than creating a duplicate.
func (s *Service) Register(ctx context.Context, name, hostname string) (*domain.Endpoint, string, time.Time, error) {
	name = strings.TrimSpace(name)
	hostname = strings.TrimSpace(hostname)
	if name == "" || hostname == "" {
		return nil, "", time.Time{}, svcerrors.MissingParameter("name and hostname")
	}

	now := time.Now().UTC()

	existing, err := s.store.FindByNameHostname(ctx, name, hostname)
	if err == nil {
		existing.LastSeen = &now
		existing.UpdatedAt = now
		if err := s.store.Update(ctx, existing); err != nil {
			return nil, "", time.Time{}, svcerrors.Persistence("update endpoint", err)
		}
		token, expiresAt, err := s.tokens.Issue(existing.ID, existing.Name)
		if err != nil {
			return nil, "", time.Time{}, svcerrors.Internal("issue token", err)
		}
		return existing, token, expiresAt, nil
	}
	if !isNotFound(err) {
		return nil, "", time.Time{}, err
	}

	e := &domain.Endpoint{
		ID:         uuid.NewString(),
		Name:       name,
		Hostname:   hostname,
		SyncStatus: domain.SyncStatusOffline,
		LastSeen:   &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, "", time.Time{}, svcerrors.Persistence("create endpoint", err)
	}
	token, expiresAt, err := s.tokens.Issue(e.ID, e.Name)
	if err != nil {
		return nil, "", time.Time{}, svcerrors.Internal("issue token", err)
	}
	return e, token, expiresAt, nil
}

// Get returns an endpoint by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Endpoint, error) {
	return s.store.Get(ctx, id)
}

// List returns endpoints, optionally filtered to a single pool.
func (s *Service) List(ctx context.Context, poolID *string) ([]*domain.Endpoint, error) {
	return s.store.List(ctx, poolID)
}

var validStatuses = map[domain.SyncStatus]bool{
	domain.SyncStatusInSync:  true,
	domain.SyncStatusAhead:   true,
	domain.SyncStatusBehind:  true,
	domain.SyncStatusOffline: true,
}

// UpdateStatus sets an endpoint's sync_status and refreshes last_seen.
// Only the endpoint itself (or an admin) may call this.
func (s *Service) UpdateStatus(ctx context.Context, principal auth.Principal, id string, status domain.SyncStatus) (*domain.Endpoint, error) {
	if err := requireSelf(principal, id); err != nil {
		return nil, err
	}
	if !validStatuses[status] {
		return nil, svcerrors.InvalidInput("status", "unknown sync status")
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	e.SyncStatus = status
	e.LastSeen = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, svcerrors.Persistence("update endpoint status", err)
	}
	return e, nil
}

// UpdateLastSeen advances last_seen monotonically; a timestamp at or before
// the stored value is ignored rather than rejected, since heartbeats can
// arrive out of order over an unreliable network.
func (s *Service) UpdateLastSeen(ctx context.Context, id string, ts time.Time) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.LastSeen != nil && !ts.After(*e.LastSeen) {
		return nil
	}
	e.LastSeen = &ts
	e.UpdatedAt = time.Now().UTC()
	return s.store.Update(ctx, e)
}

// SetPool updates an endpoint's pool membership. Called by the pool
// package, which owns the admin-authorization check and the corresponding
// update to the pool's own member list.
func (s *Service) SetPool(ctx context.Context, id string, poolID *string) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	e.PoolID = poolID
	e.UpdatedAt = time.Now().UTC()
	return s.store.Update(ctx, e)
}

// Remove deletes an endpoint's repository records and then the endpoint
// itself. Admin-only.
func (s *Service) Remove(ctx context.Context, principal auth.Principal, id string) error {
	if err := requireAdmin(principal); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if s.beforeRemove != nil {
		if err := s.beforeRemove(ctx, id); err != nil {
			return err
		}
	}
	if err := s.store.DeleteRepositories(ctx, id); err != nil {
		return svcerrors.Persistence("delete endpoint repositories", err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return svcerrors.Persistence("delete endpoint", err)
	}
	return nil
}

// IngestRepositories replaces an endpoint's reported repository set.
// A lightweight submission (no Packages) for a repo name that was
// previously ingested heavyweight keeps the prior package list; anything
// else fully replaces the named repo's record. Self-only.
func (s *Service) IngestRepositories(ctx context.Context, principal auth.Principal, id string, repos []domain.Repository) ([]domain.Repository, error) {
	if err := requireSelf(principal, id); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	existing, err := s.store.ListRepositories(ctx, id)
	if err != nil {
		return nil, svcerrors.Persistence("list repositories", err)
	}
	existingByName := make(map[string]domain.Repository, len(existing))
	for _, r := range existing {
		existingByName[r.RepoName] = r
	}

	now := time.Now().UTC()
	merged := make([]domain.Repository, 0, len(repos))
	for _, r := range repos {
		r.EndpointID = id
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if !r.IsHeavyweight() {
			if prior, ok := existingByName[r.RepoName]; ok {
				r.Packages = prior.Packages
			}
		}
		r.LastUpdated = now
		merged = append(merged, r)
	}
	if err := s.store.ReplaceRepositories(ctx, id, merged); err != nil {
		return nil, svcerrors.Persistence("replace repositories", err)
	}
	return merged, nil
}

// ListRepositories returns an endpoint's reported repositories.
func (s *Service) ListRepositories(ctx context.Context, id string) ([]domain.Repository, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRepositories(ctx, id)
}
