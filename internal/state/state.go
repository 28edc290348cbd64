// Package state manages the append-only snapshots of an endpoint's
// installed-package set, and a pool's selection of which snapshot its
// members should converge to.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/pacsync/server/infrastructure/errors"
	"github.com/pacsync/server/internal/domain"
	"github.com/pacsync/server/internal/endpoint"
	"github.com/pacsync/server/internal/pool"
)

// clockSkewTolerance bounds how far into the future a reported state
// timestamp may be before it is rejected as invalid.
const clockSkewTolerance = 5 * time.Minute

// Store persists system-state snapshots.
type Store interface {
	Create(ctx context.Context, s *domain.SystemState) error
	Get(ctx context.Context, id string) (*domain.SystemState, error)
	ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]*domain.SystemState, error)
}

// MemoryStore is an in-process Store backing database.type=internal.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*domain.SystemState
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*domain.SystemState)}
}

func (s *MemoryStore) Create(ctx context.Context, state *domain.SystemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[state.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.SystemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, svcerrors.NotFound("state", id)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]*domain.SystemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.SystemState, 0)
	for _, st := range s.states {
		if st.EndpointID != endpointID {
			continue
		}
		cp := *st
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Service implements state capture, retrieval, and target selection.
type Service struct {
	store     Store
	endpoints *endpoint.Service
	pools     *pool.Service
}

// NewService builds a Service.
func NewService(store Store, endpoints *endpoint.Service, pools *pool.Service) *Service {
	return &Service{store: store, endpoints: endpoints, pools: pools}
}

// Save validates and persists a new snapshot for an endpoint. The endpoint
// must exist and belong to a pool; an empty package list or blank
// architecture/pacman_version is rejected, as is a timestamp further than
// clockSkewTolerance into the future.
func (s *Service) Save(ctx context.Context, endpointID string, snapshot domain.SystemState) (*domain.SystemState, error) {
	e, err := s.endpoints.Get(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if e.PoolID == nil {
		return nil, svcerrors.InvalidInput("endpoint_id", "endpoint must belong to a pool to report state")
	}
	if len(snapshot.Packages) == 0 {
		return nil, svcerrors.InvalidInput("packages", "must not be empty")
	}
	if snapshot.Architecture == "" {
		return nil, svcerrors.InvalidInput("architecture", "must not be empty")
	}
	if snapshot.PacmanVersion == "" {
		return nil, svcerrors.InvalidInput("pacman_version", "must not be empty")
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	} else if snapshot.Timestamp.After(time.Now().UTC().Add(clockSkewTolerance)) {
		return nil, svcerrors.InvalidInput("timestamp", "must not be in the future")
	}

	snapshot.ID = uuid.NewString()
	snapshot.EndpointID = endpointID
	snapshot.CreatedAt = time.Now().UTC()

	if err := s.store.Create(ctx, &snapshot); err != nil {
		return nil, svcerrors.Persistence("create state", err)
	}
	return &snapshot, nil
}

// Get returns a single snapshot by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.SystemState, error) {
	return s.store.Get(ctx, id)
}

// ListByEndpoint returns an endpoint's snapshots, newest first, bounded by
// limit (0 means unbounded).
func (s *Service) ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]*domain.SystemState, error) {
	if _, err := s.endpoints.Get(ctx, endpointID); err != nil {
		return nil, err
	}
	return s.store.ListByEndpoint(ctx, endpointID, limit)
}

// SetTarget designates the snapshot a pool's members should converge to.
// The state must exist and have been captured by one of the pool's own
// members.
func (s *Service) SetTarget(ctx context.Context, poolID, stateID string) error {
	p, err := s.pools.Get(ctx, poolID)
	if err != nil {
		return err
	}
	st, err := s.store.Get(ctx, stateID)
	if err != nil {
		return err
	}
	owned := false
	for _, id := range p.EndpointIDs {
		if id == st.EndpointID {
			owned = true
			break
		}
	}
	if !owned {
		return svcerrors.InvalidInput("state_id", "state was not captured by a member of this pool")
	}
	return s.pools.SetTargetState(ctx, poolID, stateID)
}
