// Package pool manages named groups of endpoints that share a sync policy
// and target state, and the rollup status derived from their members'
// individual sync_status values.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/pacsync/server/infrastructure/errors"
	"github.com/pacsync/server/internal/auth"
	"github.com/pacsync/server/internal/domain"
	"github.com/pacsync/server/internal/endpoint"
)

// Store persists pools.
type Store interface {
	Create(ctx context.Context, p *domain.Pool) error
	Get(ctx context.Context, id string) (*domain.Pool, error)
	List(ctx context.Context) ([]*domain.Pool, error)
	Update(ctx context.Context, p *domain.Pool) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store backing database.type=internal.
type MemoryStore struct {
	mu    sync.RWMutex
	pools map[string]*domain.Pool
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pools: make(map[string]*domain.Pool)}
}

func (s *MemoryStore) Create(ctx context.Context, p *domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pools[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, svcerrors.NotFound("pool", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, p *domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[p.ID]; !ok {
		return svcerrors.NotFound("pool", p.ID)
	}
	cp := *p
	s.pools[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, id)
	return nil
}

func requireAdmin(principal auth.Principal) error {
	if !principal.IsAdmin {
		return svcerrors.Forbidden("operation requires an admin token")
	}
	return nil
}

// Service implements pool CRUD, membership, and rollup status.
type Service struct {
	store     Store
	endpoints *endpoint.Service
}

// NewService builds a Service and wires the endpoint-removal hook so that
// an endpoint deleted out from under a pool is detached cleanly first.
func NewService(store Store, endpoints *endpoint.Service) *Service {
	s := &Service{store: store, endpoints: endpoints}
	endpoints.SetBeforeRemoveHook(s.detachEndpoint)
	return s
}

// Create makes a new pool with the given name/description and a default
// sync policy. Admin-only.
func (s *Service) Create(ctx context.Context, principal auth.Principal, name, description string) (*domain.Pool, error) {
	if err := requireAdmin(principal); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, svcerrors.MissingParameter("name")
	}
	now := time.Now().UTC()
	p := &domain.Pool{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		EndpointIDs: []string{},
		SyncPolicy:  domain.DefaultSyncPolicy(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, svcerrors.Persistence("create pool", err)
	}
	return p, nil
}

// Get returns a pool by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Pool, error) {
	return s.store.Get(ctx, id)
}

// List returns every pool.
func (s *Service) List(ctx context.Context) ([]*domain.Pool, error) {
	return s.store.List(ctx)
}

// UpdatePolicy overwrites a pool's name, description and sync policy with the
// given values; EndpointIDs and TargetStateID are left untouched by this call.
// Admin-only.
func (s *Service) UpdatePolicy(ctx context.Context, principal auth.Principal, id string, name, description string, policy domain.SyncPolicy) (*domain.Pool, error) {
	if err := requireAdmin(principal); err != nil {
		return nil, err
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Name = name
	p.Description = description
	p.SyncPolicy = policy
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, svcerrors.Persistence("update pool", err)
	}
	return p, nil
}

// Delete removes a pool. A non-empty pool is rejected unless cascade is
// true, in which case its members are detached first. Admin-only.
func (s *Service) Delete(ctx context.Context, principal auth.Principal, id string, cascade bool) error {
	if err := requireAdmin(principal); err != nil {
		return err
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if len(p.EndpointIDs) > 0 && !cascade {
		return svcerrors.PoolNotEmpty(id)
	}
	for _, endpointID := range p.EndpointIDs {
		if err := s.endpoints.SetPool(ctx, endpointID, nil); err != nil && !isNotFound(err) {
			return svcerrors.Persistence("detach endpoint", err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return svcerrors.Persistence("delete pool", err)
	}
	return nil
}

// AssignEndpoint adds an endpoint to a pool. An endpoint already assigned
// to a different pool is rejected; reassigning to the same pool is a no-op
// success. Admin-only.
func (s *Service) AssignEndpoint(ctx context.Context, principal auth.Principal, poolID, endpointID string) error {
	if err := requireAdmin(principal); err != nil {
		return err
	}
	p, err := s.store.Get(ctx, poolID)
	if err != nil {
		return err
	}
	e, err := s.endpoints.Get(ctx, endpointID)
	if err != nil {
		return err
	}
	if e.PoolID != nil {
		if *e.PoolID == poolID {
			return nil
		}
		return svcerrors.EndpointAlreadyInPool(endpointID, *e.PoolID)
	}

	if err := s.endpoints.SetPool(ctx, endpointID, &poolID); err != nil {
		return svcerrors.Persistence("assign endpoint to pool", err)
	}
	p.EndpointIDs = append(p.EndpointIDs, endpointID)
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return svcerrors.Persistence("update pool membership", err)
	}
	return nil
}

// RemoveEndpoint detaches an endpoint from a pool. Admin-only.
func (s *Service) RemoveEndpoint(ctx context.Context, principal auth.Principal, poolID, endpointID string) error {
	if err := requireAdmin(principal); err != nil {
		return err
	}
	p, err := s.store.Get(ctx, poolID)
	if err != nil {
		return err
	}
	if err := s.endpoints.SetPool(ctx, endpointID, nil); err != nil && !isNotFound(err) {
		return svcerrors.Persistence("remove endpoint from pool", err)
	}
	p.EndpointIDs = removeString(p.EndpointIDs, endpointID)
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return svcerrors.Persistence("update pool membership", err)
	}
	return nil
}

// detachEndpoint is the endpoint-removal hook: it strips the endpoint from
// whatever pool it belongs to, without requiring a second admin check since
// the caller (endpoint.Service.Remove) already enforced one.
func (s *Service) detachEndpoint(ctx context.Context, endpointID string) error {
	pools, err := s.store.List(ctx)
	if err != nil {
		return svcerrors.Persistence("list pools", err)
	}
	for _, p := range pools {
		if !contains(p.EndpointIDs, endpointID) {
			continue
		}
		p.EndpointIDs = removeString(p.EndpointIDs, endpointID)
		p.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, p); err != nil {
			return svcerrors.Persistence("detach endpoint from pool", err)
		}
	}
	return nil
}

// SetTargetState records the state a pool's members should converge to.
// Called by the state package, which owns validation of the state itself.
func (s *Service) SetTargetState(ctx context.Context, poolID, stateID string) error {
	p, err := s.store.Get(ctx, poolID)
	if err != nil {
		return err
	}
	p.TargetStateID = &stateID
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return svcerrors.Persistence("set target state", err)
	}
	return nil
}

// Status computes a pool's rollup status from its members' current
// sync_status. An empty pool reports Empty; a pool whose members are all
// offline reports AllOffline even though it is not itself "synced".
func (s *Service) Status(ctx context.Context, poolID string) (*domain.PoolStatus, error) {
	p, err := s.store.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}

	status := &domain.PoolStatus{PoolID: poolID}
	if len(p.EndpointIDs) == 0 {
		status.Overall = domain.RollupEmpty
		return status, nil
	}

	for _, id := range p.EndpointIDs {
		e, err := s.endpoints.Get(ctx, id)
		if err != nil {
			continue
		}
		status.TotalEndpoints++
		switch e.SyncStatus {
		case domain.SyncStatusInSync:
			status.InSync++
		case domain.SyncStatusAhead:
			status.Ahead++
		case domain.SyncStatusBehind:
			status.Behind++
		default:
			status.Offline++
		}
	}

	if status.TotalEndpoints == 0 {
		status.Overall = domain.RollupEmpty
		return status, nil
	}

	online := status.TotalEndpoints - status.Offline
	if online == 0 {
		status.Overall = domain.RollupAllOffline
	} else if status.InSync == status.TotalEndpoints {
		status.Overall = domain.RollupFullySynced
	} else if status.InSync > 0 {
		status.Overall = domain.RollupPartiallySynced
	} else {
		status.Overall = domain.RollupOutOfSync
	}
	status.SyncPercentage = float64(status.InSync) / float64(status.TotalEndpoints) * 100
	return status, nil
}

func isNotFound(err error) bool {
	se := svcerrors.GetServiceError(err)
	return se != nil && se.Code == svcerrors.ErrCodeNotFound
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func removeString(values []string, target string) []string {
	result := values[:0:0]
	for _, v := range values {
		if v != target {
			result = append(result, v)
		}
	}
	return result
}
